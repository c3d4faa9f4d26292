// Package repair implements the Repair Worker: a periodic sweep of the
// Chain Database's missing-tx journal that re-queues stale entries onto
// the Transaction Fetcher.
package repair

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

const batchSize = 100

// ChainDB is the subset of internal/chaindb's DB the repair worker needs.
type ChainDB interface {
	GetMissingTxIds(ctx context.Context, limit int) ([]string, error)
	TouchMissingTx(ctx context.Context, txID string) error
}

// Queuer is the subset of internal/fetcher's Fetcher the repair worker
// needs.
type Queuer interface {
	QueueTxId(id string) error
}

// Worker is the Repair Worker.
type Worker struct {
	db       ChainDB
	queuer   Queuer
	interval time.Duration
	cooldown time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Worker. interval and cooldown default to 1 minute and 5
// minutes respectively when zero.
func New(db ChainDB, queuer Queuer, interval, cooldown time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Worker{
		db:       db,
		queuer:   queuer,
		interval: interval,
		cooldown: cooldown,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run ticks every interval until ctx is canceled or Stop is called,
// re-queueing missing tx ids that have not been attempted within cooldown.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	metrics.RepairCyclesTotal.Inc()

	ids, err := w.db.GetMissingTxIds(ctx, batchSize)
	if err != nil {
		w.logger.Warn().Err(err).Msg("repair: list missing txs failed")
		metrics.ErrorsTotal.WithLabelValues("repair", "list_failed").Inc()
		return
	}

	now := time.Now()
	w.mu.Lock()
	for _, id := range ids {
		if last, ok := w.lastSeen[id]; ok && now.Sub(last) < w.cooldown {
			continue
		}
		w.lastSeen[id] = now

		if err := w.queuer.QueueTxId(id); err != nil {
			w.logger.Debug().Str("tx_id", id).Err(err).Msg("repair: requeue skipped")
			continue
		}
		metrics.RepairRequeuedTotal.Inc()

		if err := w.db.TouchMissingTx(ctx, id); err != nil {
			w.logger.Warn().Str("tx_id", id).Err(err).Msg("repair: touch failed")
		}
	}
	w.mu.Unlock()

	w.pruneLastSeen(ids)
}

// pruneLastSeen drops cooldown bookkeeping for ids no longer in the
// journal, so the map does not grow without bound as txs are resolved.
func (w *Worker) pruneLastSeen(stillMissing []string) {
	present := make(map[string]struct{}, len(stillMissing))
	for _, id := range stillMissing {
		present[id] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.lastSeen {
		if _, ok := present[id]; !ok {
			delete(w.lastSeen, id)
		}
	}
}

// Stop signals Run to return after its current tick settles.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}
