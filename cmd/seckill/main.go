// Command seckill runs the flash-sale reservation engine: an HTTP
// front over a hot-store-backed stock ledger with broker-acked
// reservation events.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// startup failure (hot store or broker unreachable after retries).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/seckill/internal/activity"
	"github.com/adred-codev/seckill/internal/broker"
	"github.com/adred-codev/seckill/internal/cache"
	"github.com/adred-codev/seckill/internal/config"
	"github.com/adred-codev/seckill/internal/limits"
	"github.com/adred-codev/seckill/internal/metrics"
	"github.com/adred-codev/seckill/internal/monitoring"
	"github.com/adred-codev/seckill/internal/reconcile"
	"github.com/adred-codev/seckill/internal/reservation"
	"github.com/adred-codev/seckill/internal/server"
	"github.com/adred-codev/seckill/internal/source"
	"github.com/adred-codev/seckill/internal/store"
	"github.com/adred-codev/seckill/internal/worker"
)

const version = "1.0.0"

const (
	exitConfig  = 1
	exitStartup = 2
)

const (
	startupAttempts = 5
	startupBackoff  = 2 * time.Second
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLog := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLog)
	if err != nil {
		bootLog.Error().Err(err).Msg("configuration error")
		os.Exit(exitConfig)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(exitStartup)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	// Alerting: always log, add Slack when configured.
	var sinks []monitoring.Alerter
	sinks = append(sinks, monitoring.NewLogAlerter(logger))
	if cfg.AlertSlackWebhook != "" {
		sinks = append(sinks, monitoring.NewSlackAlerter(cfg.AlertSlackWebhook, "seckill-engine"))
	}
	alerter := monitoring.NewMultiAlerter(sinks...)

	// Hot store, with startup retries.
	st := store.NewClient(store.Config{
		Addr:     cfg.HotStoreAddr,
		Password: cfg.HotStorePassword,
		DB:       cfg.HotStoreDB,
		PoolSize: cfg.HotStorePool,
	}, logger)
	defer st.Close()
	if err := retry("hot store ping", logger, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return st.Ping(ctx)
	}); err != nil {
		return fmt.Errorf("hot store unreachable: %w", err)
	}

	// Broker, with startup retries.
	var disp *broker.Dispatcher
	if err := retry("broker connect", logger, func() error {
		var err error
		disp, err = broker.Connect(broker.Config{
			URL:       cfg.BrokerURL,
			Stream:    cfg.BrokerStream,
			BufferCap: cfg.BrokerBufferCap,
		}, logger)
		return err
	}); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	defer disp.Close()

	collector := metrics.NewCollector(cfg.MetricsInterval, logger, alerter, st)

	// System of record is optional; without it the hot store is the
	// only copy and the reconciler has nothing to compare against.
	var src *source.Client
	if cfg.SourceBaseURL != "" {
		src = source.NewClient(cfg.SourceBaseURL, logger)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	pool := worker.New(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logger)
	pool.Start(rootCtx)

	cacheOpts := cache.Options{
		Store:    st,
		Runner:   pool,
		Recorder: collector,
		Logger:   logger,
		TTLs: cache.TTLs{
			Activity: cfg.CacheTTLActivity(),
			Stock:    cfg.CacheTTLStock(),
		},
		Strategy: cache.WriteBehind,
		QueueCap: 1024,
	}
	if src != nil {
		cacheOpts.Loader = src
		cacheOpts.Writer = src
	}
	cm := cache.NewManager(cacheOpts)

	cm.Start(rootCtx)
	collector.Start(rootCtx)

	limiter := limits.NewAdmissionLimiter(limits.DefaultConfig(
		cfg.RLGlobalQPS, cfg.RLIPQPS, cfg.RLUserQPS), logger)

	validator := activity.NewValidator(cm, nil, logger)
	engine := reservation.NewEngine(st, validator, disp, alerter, collector, logger, cfg.CacheTTLUser())

	reconciler := reconcile.New(st, reconcile.Config{
		Interval:       cfg.ReconcilerInterval,
		AlertThreshold: cfg.ReconcilerAlertThreshold,
		MaxRetries:     cfg.ReconcilerMaxRetries,
		Repair:         cfg.ReconcilerRepair,
	}, alerter, logger)
	if src != nil {
		reconciler.Register(reconcile.Rule{
			Name: "stock",
			Keys: func(context.Context) ([]string, error) {
				ids := cm.KnownActivityIDs()
				keys := make([]string, 0, len(ids))
				for _, id := range ids {
					keys = append(keys, cache.StockKey(id))
				}
				return keys, nil
			},
			Loader: src,
			// The hot store owns the counter while the sale runs; the
			// source lags it until the order pipeline catches up, so
			// repair only after the window closes.
			Repairable: func(ctx context.Context, key string) bool {
				id, ok := cache.ParseStockKey(key)
				if !ok {
					return false
				}
				act, err := cm.GetActivity(ctx, id)
				if err != nil {
					return false
				}
				now := time.Now().UTC()
				return act.Status != activity.StatusActive ||
					now.Before(act.StartTime) || now.After(act.EndTime)
			},
		})
	}
	reconciler.Start(rootCtx)

	srv := server.New(server.Options{
		Port:         cfg.ServerPort,
		CORSOrigins:  cfg.CORSAllowedOrigins,
		AdminSecret:  cfg.AdminTokenSecret,
		TrustProxy:   cfg.TrustProxyHeader,
		Logger:       logger,
		Engine:       engine,
		Stocks:       cm,
		Limiter:      limiter,
		Collector:    collector,
		Reconciler:   reconciler,
		StorePing:    st,
		Broker:       disp,
		Pool:         pool,
		ReadyVersion: version,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Shutdown order: stop intake first, then drain background work,
	// then close the outbound connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	reconciler.Stop()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("worker pool drain incomplete")
	}
	limiter.Stop()
	collector.Stop()
	cm.Stop()
	rootCancel()

	logger.Info().Msg("shutdown complete")
	return nil
}

// retry runs fn up to startupAttempts times with a fixed backoff.
func retry(what string, logger zerolog.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= startupAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		logger.Warn().Err(err).
			Str("step", what).
			Int("attempt", attempt).
			Int("max_attempts", startupAttempts).
			Msg("startup step failed, retrying")
		if attempt < startupAttempts {
			time.Sleep(startupBackoff)
		}
	}
	return err
}
