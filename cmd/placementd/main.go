package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeniawhite/noobaa-core/internal/alloc"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/ingest"
	"github.com/jeniawhite/noobaa-core/internal/lifecycle"
	"github.com/jeniawhite/noobaa-core/internal/mapper"
	"github.com/jeniawhite/noobaa-core/internal/meta"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/serve"
	"github.com/jeniawhite/noobaa-core/internal/status"
	"github.com/jeniawhite/noobaa-core/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("placementd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		var err error
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	metaStore, err := meta.NewBoltStore(cfg.Metadata, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	m := mapper.New(mapper.Config{
		Policy: cfg.Mapper,
		Logger: logger.Named("mapper"),
	})

	candidates := alloc.NewCandidatePool(alloc.CandidatePoolConfig{
		Directory:       metaStore,
		MinNodes:        cfg.Allocator.MinNodes,
		MaxCandidates:   cfg.Allocator.MaxCandidates,
		RefreshTTL:      cfg.Allocator.RefreshTTL.Duration(),
		HeartbeatWindow: cfg.Allocator.HeartbeatWindow.Duration(),
		Logger:          logger.Named("candidates"),
	})
	allocator := alloc.NewAllocator(alloc.AllocatorConfig{
		Candidates: candidates,
		Blocks:     metaStore,
		Logger:     logger.Named("alloc"),
	})

	statusBuilder := status.NewBuilder(status.BuilderConfig{
		Nodes:           metaStore,
		Cloud:           status.NewS3Prober(cfg.Cloud),
		Database:        metaStore,
		Policy:          cfg.Status,
		HeartbeatWindow: cfg.Allocator.HeartbeatWindow.Duration(),
		Logger:          logger.Named("status"),
	})

	svc := serve.NewService(serve.ServiceConfig{
		Mapper:              m,
		Allocator:           allocator,
		Status:              statusBuilder,
		Meta:                metaStore,
		SpecialContentTypes: cfg.Mapper.SpecialContentTypes,
		Logger:              logger.Named("service"),
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Lifecycle.Enabled {
		gcMgr := lifecycle.NewManager(metaStore, cfg.Lifecycle, logger.Named("lifecycle"))
		g.Go(func() error { return gcMgr.Run(gctx, cfg.Lifecycle.Interval.Duration()) })
	}

	if cfg.NodeReports.Enabled {
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("creating JetStream context: %w", err)
		}
		p := ingest.NewPipeline(ingest.PipelineConfig{
			JS:      js,
			Nodes:   metaStore,
			Reports: cfg.NodeReports,
			Logger:  logger.Named("ingest"),
		})
		g.Go(func() error { return p.Run(gctx) })
	}

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, svc, logger.Named("api"))
		})
	}

	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, svc, logger.Named("nats-responder"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, metaStore)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("placementd started",
		zap.String("version", version),
		zap.String("metadata", cfg.Metadata.Path),
		zap.Bool("nats", cfg.NATS.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
