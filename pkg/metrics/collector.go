package metrics

import (
	"context"
	"time"
)

// DebugSource is the minimal view of the chain database a Collector needs.
// internal/chaindb.DB satisfies this without metrics importing chaindb,
// which would otherwise form an import cycle back through chainmodel.
type DebugSource interface {
	MaxHeight(ctx context.Context) (int64, error)
	MissingTxCount(ctx context.Context) (int64, error)
}

// Collector periodically samples the chain database into gauges so that
// /gateway_metrics reflects ingestion progress without every call site
// having to push its own updates.
type Collector struct {
	source DebugSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source DebugSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if height, err := c.source.MaxHeight(ctx); err == nil {
		StoredMaxHeight.Set(float64(height))
	}

	if missing, err := c.source.MissingTxCount(ctx); err == nil {
		TxsStillMissing.Set(float64(missing))
	}
}
