package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zonewatch/internal/api"
	"zonewatch/internal/config"
	"zonewatch/internal/engine"
	"zonewatch/internal/ingest"
	"zonewatch/internal/logging"
	"zonewatch/internal/metrics"
	"zonewatch/internal/notify"
	"zonewatch/internal/rejects"
	"zonewatch/internal/storage"
	"zonewatch/internal/sweeper"
	"zonewatch/internal/zones"
)

func NewServeCommand(rootOpts *RootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, detection, notification and the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, version)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions, version string) error {
	mgr, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting zonewatch", "version", version, "config", mgr.Path(), "storage", cfg.Storage.Driver)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Error("error closing store", "err", cerr)
		}
	}()
	if err := store.Init(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize schema", err)
	}

	var rdb redis.Cmdable
	if cfg.UsesRedis() {
		client, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return WrapExitError(ExitCommandError, "redis unavailable", err)
		}
		defer client.Close()
		rdb = client
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	rejectStore := rejects.NewStore(cfg.Rejects.StoreLimit)
	registry := zones.NewRegistry(store, cfg.Zones.CacheTTL, logger, m)

	var fixes engine.FixCache
	if cfg.FixCache.Backend == "redis" {
		fixes = engine.NewRedisFixCache(rdb, cfg.FixCache.TTL)
	} else {
		fixes = engine.NewMemoryFixCache(cfg.FixCache.TTL)
	}

	channel, err := notify.NewChannel(cfg, rdb, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid notification channel", err)
	}
	if closer, ok := channel.(io.Closer); ok {
		defer closer.Close()
	}
	dispatcher := notify.NewDispatcher(mgr, store, channel, registry, m, logger)

	eng := engine.NewEngine(cfg, engine.Deps{
		Store:    store,
		Zones:    registry,
		Fixes:    fixes,
		Notifier: dispatcher,
		Rejects:  rejectStore,
		Metrics:  m,
		Logger:   logger,
	})

	dedupe, err := ingest.NewDeduper(cfg.Ingest.Dedupe, rdb)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid dedupe backend", err)
	}
	gateway := ingest.NewGateway(mgr, eng, dedupe, rejectStore, m, logger)
	sweep := sweeper.New(mgr, eng, eng.Fixes(), store, m, logger)

	if _, err := ingest.StartTCPStream(ctx, mgr, gateway, logger); err != nil {
		return WrapExitError(ExitCommandError, "failed to start tcp stream ingest", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweep.Run(gctx)
		return nil
	})
	g.Go(func() error {
		mgr.Watch(3*time.Second, func(next *config.Config) {
			eng.UpdateConfig(next)
			registry.SetTTL(next.Zones.CacheTTL)
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, gctx.Done())
		return nil
	})

	ingest.StartREST(gctx, mgr, gateway, logger)
	ingest.StartKafka(gctx, mgr, gateway, logger)
	api.Start(gctx, mgr, api.Deps{
		Store:    store,
		Zones:    registry,
		Requeuer: dispatcher,
		Rejects:  rejectStore,
		Metrics:  m,
		Gatherer: reg,
	}, logger, version)

	err = g.Wait()
	logger.Info("zonewatch stopped")
	return err
}
