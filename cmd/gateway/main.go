package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/arweave-gateway/internal/blobstore"
	"github.com/cuemby/arweave-gateway/internal/chain"
	"github.com/cuemby/arweave-gateway/internal/chaindb"
	"github.com/cuemby/arweave-gateway/internal/chainerr"
	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	"github.com/cuemby/arweave-gateway/internal/config"
	"github.com/cuemby/arweave-gateway/internal/datasource"
	"github.com/cuemby/arweave-gateway/internal/eventbus"
	"github.com/cuemby/arweave-gateway/internal/fetcher"
	"github.com/cuemby/arweave-gateway/internal/importer"
	"github.com/cuemby/arweave-gateway/internal/repair"
	"github.com/cuemby/arweave-gateway/internal/txinserter"
	"github.com/cuemby/arweave-gateway/pkg/log"
	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "Arweave gateway ingestion and repair pipeline",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("gateway version %s\ncommit: %s\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int64("start-height", 0, "first height to import")
	serveCmd.Flags().Int64("stop-height", -1, "exclusive upper bound on import height (-1 = unbounded)")
	serveCmd.Flags().String("trusted-node-url", "https://arweave.net", "trusted upstream node base URL")
	serveCmd.Flags().Bool("skip-cache", false, "bypass the blobstore on reads")
	serveCmd.Flags().Int("port", 4000, "HTTP listen port")
	serveCmd.Flags().Float64("simulated-failure-rate", 0, "probability in [0,1] of simulated upstream failure")
	serveCmd.Flags().String("data-dir", "data", "root directory for sqlite db, blobstores, and peer cache")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "emit logs as JSON")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: ingest blocks and transactions, repair forks and gaps, serve payloads over HTTP",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := flagsToConfig(cmd)
	cfg = config.FromEnv(cfg)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	objectStore, err := blobstore.New(filepath.Join(cfg.DataDir, "objects"))
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "sqlite"), 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := chaindb.Open(filepath.Join(cfg.DataDir, "sqlite", "core.db"))
	if err != nil {
		return fmt.Errorf("open chain database: %w", err)
	}
	defer db.Close()

	client, err := chain.New(chain.Config{
		TrustedNodeURL:    cfg.TrustedNodeURL,
		PeerCachePath:     filepath.Join(cfg.DataDir, "peers.bolt"),
		FanoutConcurrency: cfg.FanoutConcurrency,
		BlockFetchTimeout: cfg.BlockFetchTimeout,
		TxFetchTimeout:    cfg.TxFetchTimeout,
		ChunkFetchTimeout: cfg.ChunkFetchTimeout,
		SimulatedFailureP: cfg.SimulatedRequestFailureRate,
		SkipCache:         cfg.SkipCache,
	}, objectStore, log.WithComponent("chain"))
	if err != nil {
		return fmt.Errorf("create chain client: %w", err)
	}
	defer client.Close()

	bus := eventbus.New()
	fetch := fetcher.New(client, bus, cfg.TxQueueDepth, log.WithComponent("fetcher"))
	inserter := txinserter.New(db, cfg.TxQueueDepth, log.WithComponent("txinserter"))
	repairWorker := repair.New(db, fetch, cfg.RepairInterval, cfg.RepairCooldown, log.WithComponent("repair"))
	imp := importer.New(cfg, client, db, bus, log.WithComponent("importer"))

	collector := metrics.NewCollector(db)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("chaindb", true, "open")
	metrics.RegisterComponent("chain-client", true, "ready")
	metrics.RegisterComponent("importer", true, "running")
	metrics.RegisterComponent("fetcher", true, "running")
	metrics.RegisterComponent("txinserter", true, "running")
	metrics.RegisterComponent("repair", true, "running")

	bus.Subscribe(eventbus.TopicBlockTxFetchFailed, func(payload any) {
		id, ok := payload.(string)
		if !ok {
			return
		}
		if err := fetch.QueueTxId(id); err != nil {
			logger.Debug().Str("tx_id", id).Err(err).Msg("main: queue tx for fetch skipped")
		}
	})
	bus.Subscribe(eventbus.TopicTxFetched, func(payload any) {
		t, ok := payload.(*chainmodel.Transaction)
		if !ok {
			return
		}
		inserter.Enqueue(t)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fetch.Run(ctx)
	go inserter.Run(ctx)
	go repairWorker.Run(ctx)

	importErrCh := make(chan error, 1)
	go func() {
		importErrCh <- imp.Run(ctx)
	}()

	if err := client.RefreshPeers(ctx); err != nil {
		logger.Warn().Err(err).Msg("main: initial peer refresh failed, continuing with trusted node only")
	}
	go peerRefreshLoop(ctx, client, cfg.PeerRefreshInterval, logger)

	mux := http.NewServeMux()
	registerHandlers(mux, client, db, logger)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
	}()
	logger.Info().Int("port", cfg.Port).Msg("main: gateway listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("main: shutdown signal received")
	case err := <-importErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("main: block importer exited fatally")
			metrics.UpdateComponent("importer", false, err.Error())
		}
	case err := <-serveErrCh:
		logger.Error().Err(err).Msg("main: HTTP server error")
	}

	cancel()
	imp.Stop()
	fetch.Stop()
	inserter.Stop()
	repairWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("main: HTTP server shutdown did not complete cleanly")
	}

	return nil
}

func peerRefreshLoop(ctx context.Context, client *chain.Client, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.RefreshPeers(ctx); err != nil {
				logger.Warn().Err(err).Msg("main: peer refresh failed")
			}
		}
	}
}

func flagsToConfig(cmd *cobra.Command) config.Config {
	cfg := config.Default()

	if v, err := cmd.Flags().GetInt64("start-height"); err == nil {
		cfg.StartHeight = v
	}
	if v, err := cmd.Flags().GetInt64("stop-height"); err == nil {
		cfg.StopHeight = v
	}
	if v, err := cmd.Flags().GetString("trusted-node-url"); err == nil && v != "" {
		cfg.TrustedNodeURL = v
	}
	if v, err := cmd.Flags().GetBool("skip-cache"); err == nil {
		cfg.SkipCache = v
	}
	if v, err := cmd.Flags().GetInt("port"); err == nil {
		cfg.Port = v
	}
	if v, err := cmd.Flags().GetFloat64("simulated-failure-rate"); err == nil {
		cfg.SimulatedRequestFailureRate = v
	}
	if v, err := cmd.Flags().GetString("data-dir"); err == nil && v != "" {
		cfg.DataDir = v
	}
	if v, err := cmd.Flags().GetString("log-level"); err == nil && v != "" {
		cfg.LogLevel = v
	}
	if v, err := cmd.Flags().GetBool("log-json"); err == nil {
		cfg.LogJSON = v
	}

	return cfg
}

var txIDPattern = regexp.MustCompile(`^/([A-Za-z0-9_-]{43})(?:/.*)?$`)

func registerHandlers(mux *http.ServeMux, client *chain.Client, db *chaindb.DB, logger zerolog.Logger) {
	mux.HandleFunc("/healthcheck", metrics.HealthcheckHandler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

	mux.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		info, err := db.GetDebugInfo(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"db": info})
	})

	mux.Handle("/gateway_metrics", metrics.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		m := txIDPattern.FindStringSubmatch(r.URL.Path)
		if m == nil {
			http.NotFound(w, r)
			return
		}
		txID := m[1]

		reader := datasource.New(r.Context(), client, txID)
		if err := reader.WarmUp(); err != nil {
			if errors.Is(err, chainerr.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "upstream error", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, reader); err != nil {
			var streamErr *datasource.ErrStream
			if errors.As(err, &streamErr) {
				logger.Warn().Str("tx_id", txID).Err(err).Msg("main: data stream terminated early")
			}
		}
	})
}
