// Package importer implements the Block Importer: the central state machine
// that walks the chain height by height, detects and repairs forks, and
// persists committed blocks into the Chain Database.
package importer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/arweave-gateway/internal/chainerr"
	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	"github.com/cuemby/arweave-gateway/internal/config"
	"github.com/cuemby/arweave-gateway/internal/eventbus"
	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

// MaxForkDepth bounds the backward walk a fork repair performs before
// giving up and raising chainerr.ErrMaximumForkDepthExceeded.
const MaxForkDepth = 50

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	jitterFrac  = 0.2
)

// ChainClient is the subset of internal/chain's Client the importer needs.
type ChainClient interface {
	GetHeight(ctx context.Context) (int64, error)
	GetBlockByHeight(ctx context.Context, h int64) (*chainmodel.Block, error)
	GetBlockAndTxsByHeight(ctx context.Context, h int64) (*chainmodel.BlockAndTxs, error)
}

// ChainDB is the subset of internal/chaindb's DB the importer needs.
type ChainDB interface {
	SaveBlockAndTxs(ctx context.Context, block *chainmodel.Block, txs []*chainmodel.Transaction, missingTxIDs []string) error
	MaxHeight(ctx context.Context) (int64, error)
	GetNewBlockHashByHeight(ctx context.Context, h int64) (string, bool, error)
	ResetToHeight(ctx context.Context, h int64) error
}

// Importer is the Block Importer.
type Importer struct {
	cfg    config.Config
	client ChainClient
	db     ChainDB
	bus    *eventbus.Bus
	logger zerolog.Logger

	mu                sync.Mutex
	consecutiveErrors int

	stopCh chan struct{}
	stopOnce sync.Once
}

// New constructs an Importer. bus may be nil in tests that do not care
// about emitted events.
func New(cfg config.Config, client ChainClient, db ChainDB, bus *eventbus.Bus, logger zerolog.Logger) *Importer {
	return &Importer{
		cfg:    cfg,
		client: client,
		db:     db,
		bus:    bus,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Stop signals the run loop to return after its current iteration settles.
// Safe to call more than once.
func (imp *Importer) Stop() {
	imp.stopOnce.Do(func() { close(imp.stopCh) })
}

// errStopped is returned internally by getNextHeight when Stop fires while
// polling for a new tip; Run treats it as a clean exit.
var errStopped = errors.New("importer: stopped")

// Run drives the importer until ctx is canceled, Stop is called, or
// StopHeight is reached. A chainerr.Fatal error (fork-depth overflow)
// returns immediately; every other import error is retried at the same
// height with backoff.
func (imp *Importer) Run(ctx context.Context) error {
	for {
		select {
		case <-imp.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if imp.cfg.StopHeight >= 0 {
			storedMax, err := imp.db.MaxHeight(ctx)
			if err == nil && storedMax+1 >= imp.cfg.StopHeight {
				imp.logger.Info().Int64("stop_height", imp.cfg.StopHeight).Msg("importer: reached stop height")
				return nil
			}
		}

		height, err := imp.getNextHeight(ctx)
		if err != nil {
			if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if err := imp.importBlock(ctx, height); err != nil {
			if chainerr.Fatal(err) {
				metrics.ErrorsTotal.WithLabelValues("importer", "fatal").Inc()
				imp.logger.Error().Err(err).Int64("height", height).Msg("importer: fatal error, stopping")
				return err
			}

			kind := "transient"
			if !chainerr.Transient(err) {
				kind = "non_transient"
			}
			metrics.ErrorsTotal.WithLabelValues("importer", kind).Inc()
			imp.mu.Lock()
			imp.consecutiveErrors++
			n := imp.consecutiveErrors
			imp.mu.Unlock()
			metrics.ImporterConsecutiveErrors.Set(float64(n))

			imp.logger.Warn().Err(err).Int64("height", height).Int("consecutive_errors", n).Msg("importer: import error, retrying")
			if !imp.sleepBackoff(ctx, n) {
				return nil
			}
			continue
		}

		imp.mu.Lock()
		imp.consecutiveErrors = 0
		imp.mu.Unlock()
		metrics.ImporterConsecutiveErrors.Set(0)
	}
}

// sleepBackoff waits for the n-th retry's backoff interval, or returns false
// if ctx or Stop fires first.
func (imp *Importer) sleepBackoff(ctx context.Context, n int) bool {
	d := backoffBase * time.Duration(1<<uint(min(n, 5)))
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFrac
	d = time.Duration(float64(d) * jitter)

	select {
	case <-ctx.Done():
		return false
	case <-imp.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// getNextHeight returns max(startHeight, storedMaxHeight+1), blocking
// cooperatively until the upstream tip reaches that height. It polls the
// tip once at the top, then re-polls at HeightPollingInterval; the target
// height itself is fixed for the duration of one call, so a tip that jumps
// past it while waiting does not change the returned value.
func (imp *Importer) getNextHeight(ctx context.Context) (int64, error) {
	storedMax, err := imp.db.MaxHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("importer: read max height: %w", err)
	}

	next := imp.cfg.StartHeight
	if storedMax+1 > next {
		next = storedMax + 1
	}

	interval := imp.cfg.HeightPollingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		tip, err := imp.client.GetHeight(ctx)
		if err == nil && next <= tip {
			metrics.ImporterHeight.Set(float64(next))
			return next, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-imp.stopCh:
			return 0, errStopped
		case <-time.After(interval):
		}
	}
}

// importBlock runs one step of the importer's transition list against
// requestedHeight: fetch, gap/fork check, persist, emit. When
// requestedHeight opens a gap of more than one height above the stored
// max, the first block of the gap is imported instead (at its own true
// height), per spec: repeated calls resume normally from there rather than
// jumping straight to requestedHeight.
func (imp *Importer) importBlock(ctx context.Context, requestedHeight int64) error {
	storedMax, err := imp.db.MaxHeight(ctx)
	if err != nil {
		return fmt.Errorf("importer: read max height: %w", err)
	}

	fetchHeight := requestedHeight
	pureGap := storedMax >= 0 && requestedHeight-storedMax > 1
	if pureGap {
		fetchHeight = storedMax + 1
	}

	timer := metrics.NewTimer()
	result, err := imp.client.GetBlockAndTxsByHeight(ctx, fetchHeight)
	timer.ObserveDuration(metrics.ImportDuration)
	if err != nil {
		return fmt.Errorf("importer: fetch height %d: %w", fetchHeight, err)
	}

	if storedMax >= 0 && !pureGap {
		prevID, ok, err := imp.db.GetNewBlockHashByHeight(ctx, fetchHeight-1)
		if err != nil {
			return fmt.Errorf("importer: read predecessor at height %d: %w", fetchHeight-1, err)
		}
		if !ok || result.Block.PreviousID != prevID {
			imp.logger.Warn().Int64("height", fetchHeight).Msg("importer: fork or gap detected, repairing")
			return imp.repairFork(ctx, fetchHeight)
		}
	}

	if err := imp.db.SaveBlockAndTxs(ctx, result.Block, result.Txs, result.MissingTxIDs); err != nil {
		return fmt.Errorf("importer: persist height %d: %w", fetchHeight, err)
	}
	metrics.BlocksImportedTotal.Inc()

	for _, id := range result.MissingTxIDs {
		if imp.bus != nil {
			imp.bus.Publish(eventbus.TopicBlockTxFetchFailed, id)
		}
	}

	metrics.ImporterHeight.Set(float64(fetchHeight + 1))
	return nil
}

// repairFork walks backward from fetchHeight-1 comparing the chain client's
// view of each height against what is stored locally, up to MaxForkDepth
// steps. The first match is the common ancestor: everything above it is
// discarded via ResetToHeight and the importer resumes from there on its
// next iteration.
func (imp *Importer) repairFork(ctx context.Context, fetchHeight int64) error {
	for depth := int64(1); depth <= MaxForkDepth; depth++ {
		h := fetchHeight - depth
		if h < 0 {
			break
		}

		candidate, err := imp.client.GetBlockByHeight(ctx, h)
		if err != nil {
			return fmt.Errorf("importer: fork repair fetch height %d: %w", h, err)
		}
		storedID, ok, err := imp.db.GetNewBlockHashByHeight(ctx, h)
		if err != nil {
			return fmt.Errorf("importer: fork repair read height %d: %w", h, err)
		}
		if ok && storedID == candidate.ID {
			if err := imp.db.ResetToHeight(ctx, h); err != nil {
				return fmt.Errorf("importer: reset to height %d: %w", h, err)
			}
			metrics.ForksRepairedTotal.Inc()
			imp.logger.Info().Int64("common_ancestor", h).Msg("importer: fork repaired")
			return nil
		}
	}
	return chainerr.ErrMaximumForkDepthExceeded
}
