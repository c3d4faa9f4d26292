// Package chain implements the Chain Client: the gateway's sole gateway to
// upstream Arweave nodes. It fetches blocks, transactions, and chunks
// through a two-tier path (local blobstore, then the trusted node, then a
// ranked peer fan-out), caches successful schema-valid responses back into
// the blobstore, and keeps a ranked, persisted view of peer health.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/arweave-gateway/internal/blobstore"
	"github.com/cuemby/arweave-gateway/internal/chainerr"
	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	"github.com/cuemby/arweave-gateway/pkg/health"
	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

const defaultFanoutConcurrency = 32

// Config configures a Client.
type Config struct {
	TrustedNodeURL    string
	PeerCachePath     string
	FanoutConcurrency int64
	BlockFetchTimeout time.Duration
	TxFetchTimeout    time.Duration
	ChunkFetchTimeout time.Duration
	SimulatedFailureP float64

	// SkipCache bypasses the blobstore short-circuit on reads, forcing every
	// fetch through the trusted node / peer tiers. Writes still populate the
	// blobstore so a later run without SkipCache benefits from them.
	SkipCache bool
}

// Client is the Chain Client.
type Client struct {
	cfg    Config
	store  *blobstore.Store
	cache  *peerCache
	sim    *FailureSimulator
	httpc  *http.Client
	logger zerolog.Logger
	fanout *semaphore.Weighted

	mu    sync.RWMutex
	peers []Peer
}

// New constructs a Client. store is the local blobstore used for the first
// fetch tier and for write-through caching of confirmed responses.
func New(cfg Config, store *blobstore.Store, logger zerolog.Logger) (*Client, error) {
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = defaultFanoutConcurrency
	}
	cache, err := openPeerCache(cfg.PeerCachePath)
	if err != nil {
		return nil, err
	}
	peers, err := cache.load()
	if err != nil {
		logger.Warn().Err(err).Msg("chain: failed to load persisted peer cache, starting empty")
	}

	c := &Client{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		sim:    NewFailureSimulator(cfg.SimulatedFailureP),
		httpc:  &http.Client{},
		logger: logger,
		fanout: semaphore.NewWeighted(cfg.FanoutConcurrency),
		peers:  peers,
	}
	return c, nil
}

// Close releases the peer cache handle.
func (c *Client) Close() error {
	return c.cache.close()
}

func (c *Client) rankedPeers() []Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Peer, len(c.peers))
	copy(out, c.peers)
	return out
}

// GetHeight returns the trusted node's reported chain tip height.
func (c *Client) GetHeight(ctx context.Context) (int64, error) {
	if err := c.sim.MaybeFail(); err != nil {
		return 0, err
	}
	var info wireInfo
	if err := c.getJSON(ctx, "info", c.cfg.TrustedNodeURL, "/info", c.cfg.BlockFetchTimeout, &info); err != nil {
		return 0, fmt.Errorf("chain: get height: %w", err)
	}
	return info.Height, nil
}

// GetBlockByHeight fetches the block at height h from the trusted node,
// then ranked peers, and writes the result through to the blobstore. The
// blobstore is not read on this path: its entries are keyed by block id,
// not by height.
func (c *Client) GetBlockByHeight(ctx context.Context, h int64) (*chainmodel.Block, error) {
	return c.fetchBlock(ctx, fmt.Sprintf("/block/height/%d", h))
}

// GetBlockById fetches a single block by its indep_hash.
func (c *Client) GetBlockById(ctx context.Context, id string) (*chainmodel.Block, error) {
	if !c.cfg.SkipCache && c.store.Has(id) {
		data, err := c.store.Get(id)
		if err == nil {
			var w wireBlock
			if jsonErr := json.Unmarshal(data, &w); jsonErr == nil && w.valid() {
				return w.toModel(), nil
			}
		}
	}
	return c.fetchBlock(ctx, path.Join("/block/hash", id))
}

func (c *Client) fetchBlock(ctx context.Context, reqPath string) (*chainmodel.Block, error) {
	if err := c.sim.MaybeFail(); err != nil {
		return nil, err
	}

	var w wireBlock
	raw, err := c.fetchFromTieredSources(ctx, "block", reqPath, c.cfg.BlockFetchTimeout, &w)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch block %s: %w", reqPath, err)
	}
	if !w.valid() {
		return nil, fmt.Errorf("chain: fetch block %s: %w", reqPath, chainerr.ErrInvalid)
	}
	c.cacheWriteThrough(w.IndepHash, raw)
	return w.toModel(), nil
}

// GetTx fetches a single transaction by id.
func (c *Client) GetTx(ctx context.Context, id string) (*chainmodel.Transaction, error) {
	if err := c.sim.MaybeFail(); err != nil {
		return nil, err
	}
	if !c.cfg.SkipCache {
		if data, err := c.store.Get(id); err == nil {
			var w wireTx
			if jsonErr := json.Unmarshal(data, &w); jsonErr == nil && w.valid() {
				return w.toModel(), nil
			}
		}
	}

	var w wireTx
	raw, err := c.fetchFromTieredSources(ctx, "tx", path.Join("/tx", id), c.cfg.TxFetchTimeout, &w)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch tx %s: %w", id, err)
	}
	if !w.valid() {
		return nil, fmt.Errorf("chain: fetch tx %s: %w", id, chainerr.ErrInvalid)
	}
	c.cacheWriteThrough(w.ID, raw)
	return w.toModel(), nil
}

// GetBlockAndTxsByHeight fetches a block and all of its transactions,
// recording any transaction that could not be fetched rather than failing
// the whole call. Tx fetches run concurrently, bounded by
// Config.FanoutConcurrency.
func (c *Client) GetBlockAndTxsByHeight(ctx context.Context, h int64) (*chainmodel.BlockAndTxs, error) {
	block, err := c.GetBlockByHeight(ctx, h)
	if err != nil {
		return nil, err
	}

	txs := make([]*chainmodel.Transaction, len(block.TxIDs))
	missing := make([]bool, len(block.TxIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range block.TxIDs {
		i, id := i, id
		g.Go(func() error {
			if err := c.fanout.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.fanout.Release(1)

			t, err := c.GetTx(gctx, id)
			if err != nil {
				c.logger.Warn().Str("tx_id", id).Err(err).Msg("chain: tx fetch failed, marking missing")
				missing[i] = true
				return nil
			}
			txs[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("chain: fetch txs for block %s: %w", block.ID, err)
	}

	result := &chainmodel.BlockAndTxs{Block: block}
	for i, t := range txs {
		if missing[i] {
			result.MissingTxIDs = append(result.MissingTxIDs, block.TxIDs[i])
			continue
		}
		result.Txs = append(result.Txs, t)
	}
	return result, nil
}

// GetChunk fetches the chunk covering absoluteOffset.
func (c *Client) GetChunk(ctx context.Context, absoluteOffset int64) ([]byte, error) {
	if err := c.sim.MaybeFail(); err != nil {
		return nil, err
	}
	reqPath := fmt.Sprintf("/chunk/%d", absoluteOffset)
	return c.fetchBytesFromTieredSources(ctx, "chunk", reqPath, c.cfg.ChunkFetchTimeout)
}

// RefreshPeers queries the trusted node's peer list, probes each candidate's
// liveness and height via pkg/health's HTTPChecker against /info, ranks the
// result by (height desc, rtt asc), and persists it into the peer cache.
func (c *Client) RefreshPeers(ctx context.Context) error {
	var wirePeers []wirePeer
	if err := c.getJSON(ctx, "peers", c.cfg.TrustedNodeURL, "/peers", c.cfg.BlockFetchTimeout, &wirePeers); err != nil {
		return fmt.Errorf("chain: refresh peers: %w", err)
	}

	var mu sync.Mutex
	var ranked []Peer

	g, gctx := errgroup.WithContext(ctx)
	for _, wp := range wirePeers {
		wp := wp
		g.Go(func() error {
			if err := c.fanout.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.fanout.Release(1)

			addr := "http://" + wp.Address
			checker := health.NewHTTPChecker(addr + "/info")

			start := time.Now()
			result := checker.Check(gctx)
			rtt := time.Since(start)
			if !result.Healthy {
				return nil
			}

			var info wireInfo
			if err := c.getJSON(gctx, "peer-info", addr, "/info", c.cfg.BlockFetchTimeout, &info); err != nil {
				return nil
			}

			mu.Lock()
			ranked = append(ranked, Peer{Address: wp.Address, Height: info.Height, RTT: rtt})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("chain: refresh peers: %w", err)
	}

	ranked = rankPeers(ranked)

	c.mu.Lock()
	c.peers = ranked
	c.mu.Unlock()

	metrics.PeersRanked.Set(float64(len(ranked)))
	return c.cache.save(ranked)
}

func (c *Client) cacheWriteThrough(id string, raw []byte) {
	if id == "" || len(raw) == 0 {
		return
	}
	if err := c.store.Put(id, raw); err != nil {
		c.logger.Warn().Str("id", id).Err(err).Msg("chain: write-through cache failed")
	}
}

// fetchFromTieredSources tries the trusted node first, then fans out to
// every ranked peer in parallel, decoding the JSON response into v and
// returning the raw bytes for cache write-through. The first peer response
// that decodes cleanly wins; the rest are cancelled. If the trusted node
// answered 404 and no peer produced a usable response, the result is
// chainerr.ErrNotFound.
func (c *Client) fetchFromTieredSources(ctx context.Context, kind, reqPath string, timeout time.Duration, v interface{}) ([]byte, error) {
	raw, trustedErr := c.getRaw(ctx, kind, "trusted", c.cfg.TrustedNodeURL, reqPath, timeout)
	if trustedErr == nil {
		if jsonErr := json.Unmarshal(raw, v); jsonErr == nil {
			return raw, nil
		}
	}

	elemType := reflect.TypeOf(v).Elem()
	raw, err := c.raceRankedPeers(ctx, kind, reqPath, timeout, func(raw []byte) bool {
		decoded := reflect.New(elemType).Interface()
		return json.Unmarshal(raw, decoded) == nil
	})
	if err != nil {
		if errors.Is(trustedErr, chainerr.ErrNotFound) {
			return nil, trustedErr
		}
		return nil, err
	}
	if jsonErr := json.Unmarshal(raw, v); jsonErr != nil {
		return nil, jsonErr
	}
	return raw, nil
}

// fetchBytesFromTieredSources tries the trusted node first, then fans out to
// every ranked peer in parallel, returning the first successful response
// and cancelling the rest. If the trusted node answered 404 and no peer
// answered, the result is chainerr.ErrNotFound.
func (c *Client) fetchBytesFromTieredSources(ctx context.Context, kind, reqPath string, timeout time.Duration) ([]byte, error) {
	raw, trustedErr := c.getRaw(ctx, kind, "trusted", c.cfg.TrustedNodeURL, reqPath, timeout)
	if trustedErr == nil {
		return raw, nil
	}
	raw, err := c.raceRankedPeers(ctx, kind, reqPath, timeout, func([]byte) bool { return true })
	if err != nil && errors.Is(trustedErr, chainerr.ErrNotFound) {
		return nil, trustedErr
	}
	return raw, err
}

// raceRankedPeers fans out to every ranked peer concurrently, bounded by
// c.fanout, and returns the first response for which valid reports true.
// Once a candidate wins, the remaining in-flight requests are cancelled.
func (c *Client) raceRankedPeers(ctx context.Context, kind, reqPath string, timeout time.Duration, valid func([]byte) bool) ([]byte, error) {
	peers := c.rankedPeers()
	if len(peers) == 0 {
		return nil, chainerr.ErrUpstreamUnavailable
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	winner := make(chan []byte, 1)

	g, gctx := errgroup.WithContext(raceCtx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := c.fanout.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer c.fanout.Release(1)

			raw, err := c.getRaw(gctx, kind, "peer", "http://"+p.Address, reqPath, timeout)
			if err != nil || !valid(raw) {
				return nil
			}
			select {
			case winner <- raw:
				cancel()
			default:
			}
			return nil
		})
	}
	g.Wait()

	select {
	case raw := <-winner:
		return raw, nil
	default:
		return nil, chainerr.ErrUpstreamUnavailable
	}
}

func (c *Client) getJSON(ctx context.Context, kind, base, reqPath string, timeout time.Duration, v interface{}) error {
	source := "trusted"
	if base != c.cfg.TrustedNodeURL {
		source = "peer"
	}
	raw, err := c.getRaw(ctx, kind, source, base, reqPath, timeout)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// getRaw issues a single GET request. kind labels the request's logical
// shape (block/tx/chunk/info/peers) for the duration histogram; source
// distinguishes the trusted node from a ranked peer for the request
// counter.
func (c *Client) getRaw(ctx context.Context, kind, source, base, reqPath string, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+reqPath, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	metrics.ChainRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChainRequestsTotal.WithLabelValues(source, "error").Inc()
		return nil, fmt.Errorf("%w: %s", chainerr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		metrics.ChainRequestsTotal.WithLabelValues(source, "not_found").Inc()
		return nil, chainerr.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ChainRequestsTotal.WithLabelValues(source, "error").Inc()
		return nil, fmt.Errorf("%w: status %d", chainerr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	metrics.ChainRequestsTotal.WithLabelValues(source, "ok").Inc()
	return io.ReadAll(resp.Body)
}
