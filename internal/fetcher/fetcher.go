// Package fetcher implements the Transaction Fetcher: a single-consumer
// FIFO of transaction ids backed by a bounded buffered channel, feeding
// internal/chain.Client.GetTx and publishing tx-fetched on success.
package fetcher

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/arweave-gateway/internal/chainerr"
	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	"github.com/cuemby/arweave-gateway/internal/eventbus"
	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

// ChainClient is the subset of internal/chain's Client the fetcher needs.
type ChainClient interface {
	GetTx(ctx context.Context, id string) (*chainmodel.Transaction, error)
}

// Fetcher is the Transaction Fetcher.
type Fetcher struct {
	client ChainClient
	bus    *eventbus.Bus
	logger zerolog.Logger

	queue chan string

	mu      sync.Mutex
	pending map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Fetcher with the given queue depth.
func New(client ChainClient, bus *eventbus.Bus, depth int, logger zerolog.Logger) *Fetcher {
	if depth <= 0 {
		depth = 1000
	}
	return &Fetcher{
		client:  client,
		bus:     bus,
		logger:  logger,
		queue:   make(chan string, depth),
		pending: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// QueueTxId enqueues id for fetching. Returns chainerr.ErrQueueFull if the
// queue is at capacity rather than blocking the caller. Re-adding an id
// already queued or in-flight is a no-op.
func (f *Fetcher) QueueTxId(id string) error {
	f.mu.Lock()
	if _, exists := f.pending[id]; exists {
		f.mu.Unlock()
		return nil
	}
	f.pending[id] = struct{}{}
	f.mu.Unlock()

	select {
	case f.queue <- id:
		metrics.MissingTxQueueDepth.Set(float64(len(f.queue)))
		return nil
	default:
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
		return chainerr.ErrQueueFull
	}
}

// Run drains the queue until ctx is canceled or Stop is called.
func (f *Fetcher) Run(ctx context.Context) {
	defer close(f.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case id := <-f.queue:
			f.process(ctx, id)
			metrics.MissingTxQueueDepth.Set(float64(len(f.queue)))
		}
	}
}

func (f *Fetcher) process(ctx context.Context, id string) {
	defer func() {
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
	}()

	t, err := f.client.GetTx(ctx, id)
	if err != nil {
		f.logger.Warn().Str("tx_id", id).Err(err).Msg("fetcher: fetch failed, dropping for repair to re-queue")
		metrics.ErrorsTotal.WithLabelValues("fetcher", "fetch_failed").Inc()
		return
	}

	metrics.TxsFetchedTotal.Inc()
	if f.bus != nil {
		f.bus.Publish(eventbus.TopicTxFetched, t)
	}
}

// Stop signals Run to return after its in-flight fetch settles; pending
// queue items are discarded. Safe to call even if Run was never started.
func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// Done returns a channel closed once Run has returned.
func (f *Fetcher) Done() <-chan struct{} {
	return f.doneCh
}
