package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/gftdcojp/hetfs-tiering/internal/ingest"
	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/mover"
	"github.com/gftdcojp/hetfs-tiering/internal/registry"
	"github.com/gftdcojp/hetfs-tiering/internal/serve"
	"github.com/gftdcojp/hetfs-tiering/internal/tier"
	"github.com/gftdcojp/hetfs-tiering/pkg/natsutil"
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
		fmt.Printf("hetfs-tiering %s\n", version)
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
	if cfg.NeedsNATS() {
		var err error
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			if err := natsutil.Drain(nc, 5*time.Second); err != nil {
				logger.Warn("draining NATS connection", zap.Error(err))
			}
		}()
	}

	deps := map[string]metrics.Pinger{}
	var outbox serve.Outbox
	var movers mover.Multi
	for _, kind := range cfg.Mover.Kinds() {
		switch kind {
		case config.MoverLog:
			movers = append(movers, mover.NewLogMover(logger.Named("mover")))
		case config.MoverNATS:
			movers = append(movers, mover.NewNATSMover(nc, cfg.Mover.NATSSubject, logger.Named("mover")))
		case config.MoverJournal:
			journal, err := mover.OpenJournal(cfg.Mover.JournalPath, cfg.Mover.NoSync, logger.Named("journal"))
			if err != nil {
				return fmt.Errorf("opening relocation journal: %w", err)
			}
			defer journal.Close()
			deps["journal"] = journal
			outbox = journal
			movers = append(movers, journal)
		}
	}
	var mv tier.Mover = movers
	if len(movers) == 1 {
		mv = movers[0]
	}

	reg := registry.New(registry.Limits{
		MaxExtents:      cfg.Placement.MaxExtentsPerMap,
		MaxStatsEntries: cfg.Placement.MaxStatsEntries,
	})
	ctrl := tier.NewController(tier.ControllerConfig{
		Registry:         reg,
		Mover:            mv,
		Policy:           cfg.Policy,
		DefaultBlockSize: uint32(cfg.Placement.DefaultBlockSize),
		Logger:           logger.Named("tier"),
		DebugValidate:    cfg.Placement.DebugValidate,
	})

	g, gctx := errgroup.WithContext(ctx)

	// Scheduled analysis is optional; operators can always trigger it.
	if interval := cfg.Policy.EvalInterval.Duration(); interval > 0 {
		g.Go(func() error { return ctrl.RunAnalyzeLoop(gctx, interval) })
	}

	if cfg.Ingest.Enabled {
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("creating JetStream context: %w", err)
		}
		p := ingest.NewPipeline(ingest.PipelineConfig{
			JS:     js,
			Ctrl:   ctrl,
			Ingest: cfg.Ingest,
			Logger: logger.Named("ingest"),
		})
		deps["ingest"] = p
		g.Go(func() error { return p.Run(gctx) })
	}

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, ctrl, outbox, logger.Named("api"))
		})
		if cfg.API.NATSResponder.Enabled {
			g.Go(func() error {
				return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, ctrl, outbox, logger.Named("nats-responder"))
			})
		}
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, reg, deps)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("hetfs-tiering started",
		zap.String("version", version),
		zap.Strings("movers", cfg.Mover.Kinds()),
		zap.Int("percentile", cfg.Policy.Percentile),
		zap.Duration("eval_interval", cfg.Policy.EvalInterval.Duration()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down", zap.Int("tracked_files", reg.Len()))
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
