// Package main is the entry point for the trading orchestrator. The same
// binary runs in two roles: the control process (default) and the per-account
// worker (the "worker" subcommand spawned by the supervisor).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fxgrid/trading-orchestrator/internal/api"
	"github.com/fxgrid/trading-orchestrator/internal/config"
	"github.com/fxgrid/trading-orchestrator/internal/control"
	"github.com/fxgrid/trading-orchestrator/internal/emergency"
	"github.com/fxgrid/trading-orchestrator/internal/health"
	"github.com/fxgrid/trading-orchestrator/internal/pool"
	"github.com/fxgrid/trading-orchestrator/internal/supervisor"
	"github.com/fxgrid/trading-orchestrator/internal/worker"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		runWorker(os.Args[2:])
		return
	}
	runOrchestrator()
}

func runWorker(args []string) {
	opts, err := worker.ParseArgs(args)
	if err != nil {
		os.Exit(2)
	}

	// Worker stdout carries the IPC protocol; logs must go to stderr.
	logger := setupLogger(opts.LogLevel, "stderr")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := worker.Run(ctx, logger, opts); err != nil {
		logger.Error("Worker exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func runOrchestrator() {
	configPath := flag.String("config", "config.yaml", "Configuration document path")
	addr := flag.String("addr", ":8080", "Control API listen address")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	healthInterval := flag.Duration("health-interval", health.DefaultCheckInterval, "Worker health probe interval")
	validateOnly := flag.Bool("validate", false, "Validate the configuration and exit")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := setupLogger(*logLevel, "stdout")
	defer logger.Sync()

	store, err := config.NewStore(logger, *configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *validateOnly {
		logger.Info("Configuration is valid",
			zap.String("path", *configPath),
			zap.Int("accounts", len(store.Set().Accounts)))
		return
	}

	logger.Info("Starting trading orchestrator",
		zap.String("config", *configPath),
		zap.String("addr", *addr),
		zap.Int("accounts", len(store.Set().Accounts)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	launcher := supervisor.NewExecLauncher(logger, *configPath)
	workerPool := pool.New(logger, store, launcher)
	defer workerPool.Close()

	workerPool.Subscribe(func(ev pool.Event) {
		if ev.Type == pool.EventWorkerErrored {
			logger.Error("Worker errored", zap.String("account", ev.AccountID), zap.Error(ev.Err))
		}
	})

	monitor := health.NewMonitor(logger, workerPool, *healthInterval, registry)
	go monitor.Run(ctx)

	emerg := emergency.NewFlag(worker.MarkerPath(*configPath), logger)
	checker := control.NewCachedChecker(&control.PoolChecker{Pool: workerPool}, time.Minute)
	ctl := control.New(logger, workerPool, emerg, checker, store)

	server := api.NewServer(logger, api.Config{
		Addr:           *addr,
		AllowedOrigins: []string{"*"},
	}, ctl, workerPool, monitor, emerg, registry)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	if err := workerPool.StartAll(ctx); err != nil {
		logger.Error("Some workers failed to start", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := workerPool.StopAll(shutdownCtx); err != nil {
		logger.Error("Error stopping workers", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during API shutdown", zap.Error(err))
	}

	logger.Info("Orchestrator stopped")
}

func setupLogger(level, output string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
