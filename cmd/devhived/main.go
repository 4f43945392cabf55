// Devhived is the task orchestration daemon.
//
// It accepts GitHub issue references over HTTP, drives each one through the
// plan, implement, test, refactor, and review agent stages, and records every
// attempt in a SQLite ledger.
//
// Configuration is loaded from a YAML file plus DEVHIVE_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	devhived
//
//	# Use a config file
//	devhived -config /etc/devhive/config.yaml
//
//	# Configure via environment
//	DEVHIVE_SERVER_ADDR=:9000 DEVHIVE_LLM_API_KEY=sk-... devhived
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/agent"
	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/config"
	"github.com/fyrsmithlabs/devhive/internal/events"
	"github.com/fyrsmithlabs/devhive/internal/forge"
	devhttp "github.com/fyrsmithlabs/devhive/internal/http"
	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/llm"
	"github.com/fyrsmithlabs/devhive/internal/logging"
	"github.com/fyrsmithlabs/devhive/internal/metrics"
	"github.com/fyrsmithlabs/devhive/internal/orchestrator"
	"github.com/fyrsmithlabs/devhive/internal/retrieval"
	"github.com/fyrsmithlabs/devhive/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  devhived           Start the devhive daemon\n")
			fmt.Fprintf(os.Stderr, "  devhived version   Show version information\n")
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

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("devhived by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Open the ledger and optional retrieval store
//  4. Create forge, model, and event clients
//  5. Wire the orchestrator and HTTP control surface
//  6. Watch the config file for policy reloads
//  7. Perform graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting devhived",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Int("workers", cfg.Orchestrator.Workers),
	)

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("dependencies initialized",
		zap.String("ledger", cfg.Ledger.Path),
		zap.Bool("retrieval_enabled", deps.retrieval != nil),
		zap.Bool("events_enabled", cfg.Events.Enabled),
	)

	m := metrics.New()

	var retriever assemble.Retriever
	if deps.retrieval != nil {
		retriever = deps.retrieval
	}
	assembler := assemble.New(retriever, cfg.Assembler, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Store:        deps.store,
		Assembler:    assembler,
		Agents:       agent.NewRunner(deps.llm, logger),
		Forge:        deps.forge,
		Stages:       cfg.Stages,
		Policies:     cfg.Policies,
		Publisher:    deps.publisher,
		Metrics:      m,
		Logger:       logger,
		Workers:      cfg.Orchestrator.Workers,
		QueueSize:    cfg.Orchestrator.QueueSize,
		PollInterval: cfg.Orchestrator.PollInterval.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	srv, err := devhttp.NewServer(orch, deps.store, m, logger, &devhttp.Config{Addr: cfg.Server.Addr})
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	// Policy edits in the config file take effect without a restart. Tasks
	// mid-stage finish against the snapshot they started with.
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				if err := orch.SwapPolicies(next.Policies); err != nil {
					logger.Warn("policy reload rejected", zap.Error(err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(ctx) }()

	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Start() }()

	logger.Info("daemon ready",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost%s/health", cfg.Server.Addr)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"),
	)

	select {
	case err := <-srvDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := <-orchDone; err != nil {
		logger.Warn("orchestrator stopped with error", zap.Error(err))
	}
	return nil
}

// dependencies holds all infrastructure clients.
type dependencies struct {
	store     *ledger.Store
	retrieval *retrieval.Store
	forge     forge.Provider
	llm       agent.Invoker
	publisher events.Publisher
	logger    *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.publisher != nil {
		d.publisher.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("ledger close", zap.Error(err))
		}
	}
}

// initDependencies opens the ledger and builds the external clients.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger at %s: %w", cfg.Ledger.Path, err)
	}

	deps := &dependencies{store: store, logger: logger}

	if cfg.Retrieval.Enabled {
		rs, err := retrieval.NewStore(cfg.Retrieval, nil, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to open retrieval store: %w", err)
		}
		deps.retrieval = rs
	}

	forgeClient, err := forge.NewClient(ctx, cfg.Forge)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create forge client: %w", err)
	}
	deps.forge = forgeClient

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	deps.llm = llmClient

	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	deps.publisher = publisher

	return deps, nil
}
