package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openjudge/judgegw/config"
	"github.com/openjudge/judgegw/logger"
	"github.com/openjudge/judgegw/server/uploadstage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("judgegw version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "JUDGEGW: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "JUDGEGW: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "JUDGEGW: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("Starting judgegw", "version", version, "backend", cfg.Backend.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Validated by Load, so these cannot fail here.
	retention, _ := cfg.Uploads.GetRetention()
	sweepInterval, _ := cfg.Uploads.GetSweepInterval()

	store := uploadstage.NewStore(retention, sweepInterval)

	errChan := make(chan error, 1)
	go uploadstage.Start(ctx, uploadstage.ServerOptions{
		Addr:    cfg.Uploads.Addr,
		Store:   store,
		MaxSize: cfg.Uploads.GetMaxSize(),
	}, errChan)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down on signal")
	case err := <-errChan:
		logger.Error("Server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Stop(shutdownCtx); err != nil {
		logger.Warn("Timed out waiting for upload sweeper", "error", err)
	}

	logger.Info("Shutdown complete")
}
