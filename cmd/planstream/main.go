// Package main provides the planstream binary entry point.
// Planstream is an event-sourced path-planning dispatch service: a planner
// process owns the dispatch aggregate, worker processes execute planning
// capabilities, and both meet over NATS JetStream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/planstream/config"
	"github.com/c360studio/planstream/dispatch"
	"github.com/c360studio/planstream/processor/dispatcher"
	"github.com/c360studio/planstream/processor/planworker"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "planstream"
)

// exitError carries a process exit code through cobra's error return.
// Config problems exit 1; log and bus failures exit 2.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func infraError(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: 2, err: err}
}

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Event-sourced path-planning dispatch service",
		Long: `Planstream dispatches path-planning work between a planner and its workers.

The planner owns an event-sourced aggregate: every request, registration,
assignment, and result is an immutable event in a JetStream log. Workers
advertise planning algorithms (A*, Dijkstra, RRT, PRM, DynamicWindow),
heartbeat their liveness, and report waypoints back through the same log.

All processes communicate via NATS.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(plannerCmd(&configPath, &logLevel))
	cmd.AddCommand(workerCmd(&configPath, &logLevel))
	cmd.AddCommand(submitCmd(&configPath, &logLevel))
	cmd.AddCommand(graphCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func plannerCmd(configPath, logLevel *string) *cobra.Command {
	var (
		plannerID string
		algorithm string
	)

	cmd := &cobra.Command{
		Use:   "planner",
		Short: "Run the planner runtime",
		Long: `Run the planner runtime for one planner aggregate.

The planner replays its event log at startup, consumes intents from the
inbound stream, and assigns pending plans to idle workers. Exactly one
planner process should run per planner id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if plannerID != "" {
				cfg.Planner.ID = plannerID
			}
			if algorithm != "" {
				cfg.Planner.Algorithm = algorithm
			}
			return runPlanner(cfg, logger)
		},
	}

	cmd.Flags().StringVar(&plannerID, "id", "", "Planner aggregate id (overrides config)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Planning algorithm workers must declare (overrides config)")
	return cmd
}

func workerCmd(configPath, logLevel *string) *cobra.Command {
	var (
		workerID   string
		plannerID  string
		algorithms string
		graphName  string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a planning worker",
		Long: `Run a worker that executes planning capabilities for a planner.

The worker registers itself, heartbeats WorkerReady, and runs the advertised
algorithm for each assignment it receives, publishing the waypoints (or the
failure) back to the planner.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if workerID != "" {
				cfg.Worker.ID = workerID
			}
			if plannerID != "" {
				cfg.Worker.PlannerID = plannerID
			}
			if algorithms != "" {
				cfg.Worker.Capabilities = splitCSV(algorithms)
			}
			if graphName != "" {
				cfg.Worker.Graph = graphName
			}
			return runWorker(cfg, logger)
		},
	}

	cmd.Flags().StringVar(&workerID, "id", "", "Worker id (overrides config; empty mints one)")
	cmd.Flags().StringVar(&plannerID, "planner", "", "Planner aggregate id to serve (overrides config)")
	cmd.Flags().StringVar(&algorithms, "algorithms", "", "Comma-separated capability list (overrides config)")
	cmd.Flags().StringVar(&graphName, "graph", "", "Map graph name (overrides config)")
	return cmd
}

// setup loads layered configuration and installs the process logger.
func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

func runPlanner(cfg *config.Config, logger *slog.Logger) error {
	printBanner()

	ctx := context.Background()
	client, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return infraError(err)
	}
	defer client.Close(ctx)

	dcfg := dispatcher.DefaultConfig()
	dcfg.PlannerID = cfg.Planner.ID
	dcfg.Algorithm = cfg.Planner.Algorithm
	dcfg.Workspace = cfg.Planner.Workspace.ToDispatch()
	dcfg.AssignmentTimeout = cfg.Planner.AssignmentTimeout.String()
	dcfg.TickInterval = cfg.Planner.TickInterval.String()
	dcfg.HeartbeatTimeout = cfg.Planner.HeartbeatTimeout.String()
	dcfg.Ports.Inputs[0].Subject = dispatch.InboundSubjectAll(cfg.Planner.ID)

	raw, err := json.Marshal(dcfg)
	if err != nil {
		return fmt.Errorf("marshal dispatcher config: %w", err)
	}
	comp, err := dispatcher.NewComponent(raw, component.Dependencies{
		NATSClient: client,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	return runComponent(ctx, comp, logger)
}

func runWorker(cfg *config.Config, logger *slog.Logger) error {
	printBanner()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
		logger.Info("minted worker id", "worker_id", workerID)
	}

	ctx := context.Background()
	client, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return infraError(err)
	}
	defer client.Close(ctx)

	wcfg := planworker.DefaultConfig()
	wcfg.WorkerID = workerID
	wcfg.PlannerID = cfg.Worker.PlannerID
	wcfg.Capabilities = cfg.Worker.Capabilities
	wcfg.HeartbeatInterval = cfg.Worker.HeartbeatInterval.String()
	wcfg.Graph = cfg.Worker.Graph
	wcfg.DataDir = cfg.Data.Dir
	wcfg.WatchGraphs = cfg.Data.Watch
	wcfg.Ports.Inputs[0].Subject = dispatch.BusSubject(dispatch.TypePlanAssigned, cfg.Worker.PlannerID)
	wcfg.Ports.Outputs[0].Subject = dispatch.InboundSubjectAll(cfg.Worker.PlannerID)

	raw, err := json.Marshal(wcfg)
	if err != nil {
		return fmt.Errorf("marshal worker config: %w", err)
	}
	comp, err := planworker.NewComponent(raw, component.Dependencies{
		NATSClient: client,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create plan-worker: %w", err)
	}

	return runComponent(ctx, comp, logger)
}

// lifecycle is the slice of component.Discoverable both runtimes implement.
type lifecycle interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// runComponent drives one component until a shutdown signal arrives.
func runComponent(ctx context.Context, comp component.Discoverable, logger *slog.Logger) error {
	lc, ok := comp.(lifecycle)
	if !ok {
		return fmt.Errorf("component does not implement lifecycle")
	}

	if err := lc.Initialize(); err != nil {
		return infraError(fmt.Errorf("initialize: %w", err))
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := lc.Start(signalCtx); err != nil {
		return infraError(fmt.Errorf("start: %w", err))
	}

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	if err := lc.Stop(30 * time.Second); err != nil {
		logger.Error("Error stopping component", "error", err)
	}

	logger.Info("Planstream shutdown complete")
	return nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL
	if envURL := os.Getenv(config.EnvNATSURL); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout.Duration())
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set %s to point to your NATS server.`, err, url, config.EnvNATSURL)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║           Planstream v" + Version + "                  ║")
	fmt.Println("║    Path-Planning Dispatch Service             ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
