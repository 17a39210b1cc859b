package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/engine"
	"github.com/wudi/relay/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "relay.yaml", "path to configuration file")
		validate    = flag.Bool("validate", false, "validate configuration and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("relay %s (%s)\n", version, commit)
		return
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *validate {
		fmt.Println("configuration OK")
		return
	}

	logger, err := logging.NewWithFile(cfg.Logging.Level, logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	eng, err := engine.New(cfg)
	if err != nil {
		logging.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Error("config watcher failed", zap.Error(err))
		os.Exit(1)
	}
	watcher.OnChange(func(next *config.Config) {
		if err := eng.Reload(next); err != nil {
			logging.Error("reload rejected", zap.Error(err))
		}
	})
	if err := watcher.Start(); err != nil {
		logging.Error("config watcher failed", zap.Error(err))
		os.Exit(1)
	}
	defer watcher.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleSignals(cancel, func() {
		cfg, err := loader.Load(*configPath)
		if err != nil {
			logging.Error("reload failed", zap.Error(err))
			return
		}
		if err := eng.Reload(cfg); err != nil {
			logging.Error("reload rejected", zap.Error(err))
		}
	})

	logging.Info("relay starting", zap.String("version", version))
	if err := eng.Start(ctx); err != nil {
		logging.Error("engine stopped", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("relay stopped")
}

// handleSignals maps SIGHUP to an explicit reload and SIGINT/SIGTERM
// to a graceful stop.
func handleSignals(cancel context.CancelFunc, reload func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range ch {
		switch sig {
		case syscall.SIGHUP:
			logging.Info("received SIGHUP, reloading")
			reload()
		default:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
			return
		}
	}
}
