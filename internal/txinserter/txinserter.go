// Package txinserter implements the Transaction Importer: a single-consumer
// FIFO of fetched transactions, persisting each into the Chain Database.
package txinserter

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

// ChainDB is the subset of internal/chaindb's DB the importer needs.
type ChainDB interface {
	SaveTx(ctx context.Context, t *chainmodel.Transaction) error
}

// Importer is the Transaction Importer.
type Importer struct {
	db     ChainDB
	logger zerolog.Logger

	queue chan *chainmodel.Transaction

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Importer with the given queue depth.
func New(db ChainDB, depth int, logger zerolog.Logger) *Importer {
	if depth <= 0 {
		depth = 1000
	}
	return &Importer{
		db:     db,
		logger: logger,
		queue:  make(chan *chainmodel.Transaction, depth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue hands t to the importer. Intended to be wired as an
// internal/eventbus subscriber for eventbus.TopicTxFetched; drops t with a
// log line if the queue is saturated rather than blocking the publisher.
func (imp *Importer) Enqueue(t *chainmodel.Transaction) {
	select {
	case imp.queue <- t:
	default:
		imp.logger.Warn().Str("tx_id", t.ID).Msg("txinserter: queue full, dropping; repair will recover it")
		metrics.ErrorsTotal.WithLabelValues("txinserter", "queue_full").Inc()
	}
}

// Run drains the queue until ctx is canceled or Stop is called.
func (imp *Importer) Run(ctx context.Context) {
	defer close(imp.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-imp.stopCh:
			return
		case t := <-imp.queue:
			if err := imp.db.SaveTx(ctx, t); err != nil {
				imp.logger.Warn().Str("tx_id", t.ID).Err(err).Msg("txinserter: save failed, tx stays in journal")
				metrics.ErrorsTotal.WithLabelValues("txinserter", "save_failed").Inc()
				continue
			}
			metrics.TxsImportedTotal.Inc()
		}
	}
}

// Stop signals Run to return; pending queue items are discarded.
func (imp *Importer) Stop() {
	imp.stopOnce.Do(func() { close(imp.stopCh) })
}

// Done returns a channel closed once Run has returned.
func (imp *Importer) Done() <-chan struct{} {
	return imp.doneCh
}
