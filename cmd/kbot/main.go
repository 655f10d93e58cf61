// Package main is the kbot entry point. By default it runs the
// supervisor, which spawns this same binary with --child to run the bot
// runtime. Crashed children are respawned with backoff; planned restarts
// hand a checkpoint to the next generation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/bot"
	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/common/tracing"
	"github.com/kynetic-ai/kbot/internal/events/bus"
	"github.com/kynetic-ai/kbot/internal/gateway"
	"github.com/kynetic-ai/kbot/internal/supervisor"
)

var (
	configFlag     = flag.String("config", "", "Path to config file")
	childFlag      = flag.Bool("child", false, "Run the bot runtime (spawned by the supervisor)")
	checkpointFlag = flag.String("checkpoint", "", "Checkpoint file to restore from")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if *childFlag {
		os.Exit(runChild(cfg, log))
	}
	os.Exit(runSupervisor(cfg, log))
}

// runSupervisor spawns and watches the child generation loop.
func runSupervisor(cfg *config.Config, log *logger.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		return 1
	}
	defer eventBus.Close()

	executable, err := os.Executable()
	if err != nil {
		log.Error("failed to resolve own executable", zap.Error(err))
		return 1
	}

	childArgs := []string{"--child"}
	if *configFlag != "" {
		childArgs = append(childArgs, "--config", *configFlag)
	}

	sup := supervisor.New(cfg.Supervisor, executable, childArgs, eventBus, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("shutting down", zap.String("signal", sig.String()))
		sup.Shutdown(ctx)
	}()

	code, err := sup.Run(ctx)
	if err != nil {
		log.Error("supervisor exited with error", zap.Error(err))
		return 1
	}
	return code
}

// runChild runs the bot runtime until signaled or restarted.
func runChild(cfg *config.Config, log *logger.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	eventBus, err := bus.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		return 1
	}
	defer eventBus.Close()

	runtime, err := bot.NewRuntime(cfg, eventBus, log)
	if err != nil {
		log.Error("failed to build runtime", zap.Error(err))
		return 1
	}
	if err := runtime.Start(ctx, *checkpointFlag); err != nil {
		log.Error("failed to start runtime", zap.Error(err))
		return 1
	}

	gw := gateway.NewServer(cfg.Gateway, runtime, eventBus, log)
	if err := gw.Start(); err != nil {
		log.Error("failed to start admin gateway", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case <-runtime.RestartRequested():
		log.Info("planned restart acked, winding down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", zap.Error(err))
	}
	if err := runtime.Stop(shutdownCtx); err != nil {
		log.Error("runtime shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	return 0
}
