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

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/batch"
	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/config"
	"ubrowser-mcp-server/internal/facts"
	mcpserver "ubrowser-mcp-server/internal/mcp"
	"ubrowser-mcp-server/internal/metrics"
	"ubrowser-mcp-server/internal/recorder"
	"ubrowser-mcp-server/internal/session"
	"ubrowser-mcp-server/internal/snapshot"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to an explicit config file (overrides the workspace config)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	workspaceDir := flag.String("workspace-dir", "", "Use the .ubrowser workspace under this directory instead of discovering one")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .ubrowser workspace discovery")
	initWorkspace := flag.Bool("init", false, "Create a .ubrowser workspace in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		cwd, err := os.Getwd()
		if err == nil {
			err = config.InitWorkspace(cwd)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "init workspace: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "created .ubrowser workspace")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Nothing is wired yet; stderr is the only place left.
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	logger := initLogger(cfg.Logging, cfg.Server.LogFile, cfg.MCP.SSEPort == 0)
	defer func() { _ = logger.Sync() }()
	if wsDir != "" {
		logger.Info("using workspace", zap.String("dir", wsDir))
	}

	if err := run(ctx, cfg, browser.NewRodDriver(cfg.Browser, logger), logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run wires the server over driver and blocks until ctx ends or the transport
// stops.
func run(ctx context.Context, cfg config.Config, driver browser.Driver, logger *zap.Logger) error {
	a, err := buildApp(cfg, driver, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Browser.AutoStart {
		if err := a.manager.Start(ctx); err != nil {
			return fmt.Errorf("starting browser: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; the first tool call launches it")
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		startErr = a.server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting MCP stdio server")
		startErr = a.server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return startErr
	}
	return nil
}

type app struct {
	manager  *browser.Manager
	recorder *recorder.Recorder
	server   *mcpserver.Server
	registry *prometheus.Registry
	logger   *zap.Logger
}

func buildApp(cfg config.Config, driver browser.Driver, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		reg       *prometheus.Registry
		collector *metrics.Collector
	)
	if cfg.Metrics.Enable {
		reg = prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)
	}

	engine, err := facts.NewEngine(cfg.Facts, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing fact engine: %w", err)
	}
	var sink facts.Sink
	if cfg.Facts.Enable {
		sink = engine
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		rec, err = recorder.New(cfg.Recorder.GetTraceDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("initializing recorder: %w", err)
		}
		if err := rec.Start(uuid.NewString()); err != nil {
			return nil, fmt.Errorf("starting recorder: %w", err)
		}
	}

	manager := browser.NewManager(cfg.Browser, driver, sink, logger)
	cache := snapshot.NewCache(snapshot.NewScriptExtractor(collector, logger), cfg.Snapshot.Staleness(), collector)
	snapshotter := snapshot.NewSnapshotter(cache, cfg.Snapshot.GetMaxElements(), collector, sink, logger)
	registry := session.NewRegistry(manager, cache, logger)
	dispatcher := actions.NewDispatcher(collector, sink, logger)
	executor := batch.NewExecutor(dispatcher, snapshotter, batch.Options{
		StepTimeout:     cfg.Actions.Step(),
		NavigateTimeout: cfg.Actions.NavigateStep(),
		Metrics:         collector,
		Sink:            sink,
		Recorder:        rec,
		Logger:          logger,
	})

	deps := mcpserver.Deps{
		Registry:    registry,
		Snapshotter: snapshotter,
		Dispatcher:  dispatcher,
		Executor:    executor,
		Engine:      engine,
		Logger:      logger,
	}
	if reg != nil {
		deps.Gatherer = reg
	}
	server, err := mcpserver.NewServer(cfg, deps)
	if err != nil {
		if rec != nil {
			_ = rec.Close()
		}
		return nil, fmt.Errorf("initializing MCP server: %w", err)
	}

	return &app{
		manager:  manager,
		recorder: rec,
		server:   server,
		registry: reg,
		logger:   logger,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("browser shutdown failed", zap.Error(err))
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.logger.Warn("recorder close failed", zap.Error(err))
		}
	}
}

// initLogger builds the process logger. In stdio mode stdout carries the MCP
// protocol, so output goes to the log file (or configured paths) only.
func initLogger(cfg config.LoggingConfig, logFile string, stdio bool) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      logOutputs(cfg.OutputPaths, logFile, stdio),
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}
	if stdio {
		zapConfig.ErrorOutputPaths = zapConfig.OutputPaths
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		if stdio {
			return zap.NewNop()
		}
		logger, _ = zap.NewProduction()
	}
	return logger
}

func logOutputs(configured []string, logFile string, stdio bool) []string {
	if !stdio {
		if len(configured) > 0 {
			return configured
		}
		return []string{"stderr"}
	}
	out := make([]string, 0, len(configured)+1)
	for _, p := range configured {
		if p != "stdout" {
			out = append(out, p)
		}
	}
	if len(out) == 0 && logFile != "" {
		out = append(out, logFile)
	}
	return out
}
