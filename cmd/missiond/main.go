// Missiond is the mission orchestration daemon.
//
// It loads mission manifests over HTTP or from a spool directory, drives
// each one through the research stage pipeline, and records every
// decision and tool call in a per-session provenance ledger.
//
// Usage:
//
//	# Start with the default config (~/.config/missiond/config.yaml)
//	missiond
//
//	# Start with an explicit config file
//	missiond --config /etc/missiond/config.yaml
//
//	# Override config via environment
//	SERVER_PORT=9090 PLANNER_TOKEN=sk-... missiond
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/artifact"
	"github.com/helioslabs/missiond/internal/config"
	"github.com/helioslabs/missiond/internal/gate"
	"github.com/helioslabs/missiond/internal/httpapi"
	"github.com/helioslabs/missiond/internal/intake"
	"github.com/helioslabs/missiond/internal/logging"
	"github.com/helioslabs/missiond/internal/mission"
	"github.com/helioslabs/missiond/internal/notify"
	"github.com/helioslabs/missiond/internal/pipeline"
	"github.com/helioslabs/missiond/internal/planner"
	"github.com/helioslabs/missiond/internal/provider/mcptool"
	"github.com/helioslabs/missiond/internal/registry"
	"github.com/helioslabs/missiond/internal/telemetry"
	"github.com/helioslabs/missiond/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  missiond           Start the mission daemon\n")
			fmt.Fprintf(os.Stderr, "  missiond version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

func printVersion() {
	fmt.Printf("missiond by Helios Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Logger and telemetry
//  3. NATS notifier (optional)
//  4. Tool providers and invoker
//  5. Planner, gates, engine, manager
//  6. Spool intake (optional) and HTTP API
//
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting missiond",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir))

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATS.Enabled {
		nc, err := notify.NewNATS(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		notifier = nc
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	reg := registry.New()
	for _, pc := range cfg.Providers {
		prov, err := mcptool.Connect(ctx, mcptool.Config{
			Descriptor: pc.Descriptor,
			Command:    pc.Command,
			Args:       pc.Args,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting provider %s: %w", pc.Descriptor.Name, err)
		}
		defer prov.Close()
		if err := reg.Register(prov); err != nil {
			return fmt.Errorf("registering provider %s: %w", pc.Descriptor.Name, err)
		}
		logger.Info("registered tool provider",
			zap.String("name", pc.Descriptor.Name),
			zap.String("domain", pc.Descriptor.Domain),
			zap.Strings("capabilities", prov.Descriptor().Capabilities))
	}

	inv, err := registry.NewInvoker(reg,
		registry.WithRetryConfig(registry.RetryConfig{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff.Duration(),
			MaxBackoff:        cfg.Retry.MaxBackoff.Duration(),
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		}),
		registry.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating invoker: %w", err)
	}

	pl, err := buildPlanner(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating planner: %w", err)
	}

	gates := gate.NewService(logger)

	engine, err := pipeline.NewEngine(pipeline.Config{
		MaxConcurrentDispatch: cfg.Pipeline.MaxConcurrentDispatch,
		MaxDecisionRounds:     cfg.Pipeline.MaxDecisionRounds,
		DefaultCallTimeout:    cfg.Pipeline.DefaultCallTimeout.Duration(),
		LedgerTail:            cfg.Pipeline.LedgerTail,
	}, inv, pl, gates, notifier, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	manager, err := pipeline.NewManager(engine, gates, cfg.Storage.DataDir, logger)
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	if cfg.Intake.Enabled {
		watcher, err := intake.NewWatcher(cfg.Intake.SpoolDir, manager, logger)
		if err != nil {
			return fmt.Errorf("creating intake watcher: %w", err)
		}
		defer watcher.Stop()
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting intake watcher: %w", err)
		}
		logger.Info("watching mission spool", zap.String("dir", cfg.Intake.SpoolDir))
	}

	srv := server.NewServer(cfg)
	api, err := httpapi.NewAPI(manager, logger)
	if err != nil {
		return fmt.Errorf("creating API: %w", err)
	}
	api.RegisterRoutes(srv.Echo())

	logger.Info("daemon configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.Bool("metrics", cfg.Server.Metrics))

	err = srv.Start(ctx)

	// Running sessions see the cancelled context at their next safe point
	// and wind down as aborted. Wait so their ledgers are flushed.
	logger.Info("waiting for active sessions to stop")
	manager.Wait()

	return err
}

func buildPlanner(cfg *config.Config, logger *zap.Logger) (planner.Planner, error) {
	switch cfg.Planner.Kind {
	case "openai":
		return planner.NewOpenAIPlanner(
			cfg.Planner.BaseURL,
			cfg.Planner.Model,
			cfg.Planner.Token.Value(),
			logger,
		)
	case "scripted":
		// Dry-run planner. Emits a placeholder manuscript so sessions can
		// complete without tool use.
		return planner.NewScripted(map[mission.Stage][][]planner.Action{
			mission.StageWriting: {
				{{
					Kind: planner.KindProduceArtifact,
					Artifact: &planner.ArtifactAction{
						Name:    "dry-run-manuscript",
						Type:    string(artifact.TypeManuscript),
						Content: "dry run, no analysis performed",
					},
				}},
				{{Kind: planner.KindMarkStageComplete}},
			},
		}), nil
	default:
		return nil, fmt.Errorf("unknown planner kind: %s", cfg.Planner.Kind)
	}
}
