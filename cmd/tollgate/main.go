package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/gateway"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/metadata"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/tollgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Tollgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAgeDays: cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	store, err := openStore(cfg)
	if err != nil {
		logging.Error("Failed to load metadata seed", zap.Error(err))
		os.Exit(1)
	}

	gw, err := gateway.New(cfg, store)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if cfg.Metadata.Watch && cfg.Metadata.SeedPath != "" {
		watcher, err := metadata.NewWatcher(store, cfg.Metadata.SeedPath)
		if err != nil {
			logging.Error("Failed to watch metadata seed", zap.Error(err))
			os.Exit(1)
		}
		watcher.OnChange(func(*metadata.Seed) {
			gw.InvalidateMetadata()
			logging.Info("Metadata seed reloaded", zap.String("path", cfg.Metadata.SeedPath))
		})
		if err := watcher.Start(); err != nil {
			logging.Error("Failed to start metadata watcher", zap.Error(err))
			os.Exit(1)
		}
		defer watcher.Stop()
	}

	logging.Info("Starting Tollgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("address", cfg.Listen.Address),
	)

	if err := gateway.NewServer(cfg, gw).Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

// openStore loads the file-backed metadata store, or an empty one when
// no seed is configured so every API surface still answers.
func openStore(cfg *config.Config) (*metadata.MemoryStore, error) {
	if cfg.Metadata.SeedPath == "" {
		return metadata.NewMemoryStore(), nil
	}
	return metadata.NewMemoryStoreFromFile(cfg.Metadata.SeedPath)
}
