// Command remoshelld is the RemoShell daemon entrypoint: it resolves
// config, starts the orchestrator, and blocks until an interrupt or
// terminate signal (or a control-socket stop request) triggers a graceful
// shutdown. Config-file parsing and subcommands belong to the separate CLI
// front end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/remoshell/remoshelld/internal/config"
	"github.com/remoshell/remoshelld/internal/logger"
	"github.com/remoshell/remoshelld/internal/orchestrator"
)

func main() {
	var (
		dataDir      = flag.String("data-dir", "", "override the daemon's data directory")
		logLevel     = flag.String("log-level", "", "override the configured log level")
		signalingURL = flag.String("signaling-url", "", "override the configured signaling server URL")
	)
	flag.Parse()

	cfg := config.Default()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if v := os.Getenv("REMOSHELL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if *signalingURL != "" {
		cfg.SignalingURL = *signalingURL
	}
	if v := os.Getenv("REMOSHELL_SIGNALING_URL"); v != "" {
		cfg.SignalingURL = v
	}

	if err := logger.Init(cfg.LogLevel, ""); err != nil {
		fmt.Fprintf(os.Stderr, "remoshelld: init logger: %v\n", err)
		os.Exit(1)
	}

	o := orchestrator.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Start(ctx); err != nil {
		logger.Error("remoshelld: failed to start", "err", err)
		os.Exit(1)
	}
	logger.Info("remoshelld: running", "data_dir", cfg.DataDir, "signaling_url", cfg.SignalingURL)

	// A stop can arrive either as a signal or as a control-socket request
	// (which drives o.Stop itself); exit on whichever comes first.
	for {
		select {
		case <-ctx.Done():
			logger.Info("remoshelld: shutting down")
			if err := o.Stop(); err != nil {
				logger.Error("remoshelld: error during shutdown", "err", err)
				os.Exit(1)
			}
			return
		case ev := <-o.Events():
			if ev.State == orchestrator.Stopped {
				logger.Info("remoshelld: stopped")
				if err := o.Stop(); err != nil {
					logger.Error("remoshelld: error during shutdown", "err", err)
					os.Exit(1)
				}
				return
			}
		}
	}
}
