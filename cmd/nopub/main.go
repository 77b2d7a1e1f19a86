package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/nopub/internal/broker"
	"github.com/sandwichfarm/nopub/internal/cache"
	"github.com/sandwichfarm/nopub/internal/config"
	"github.com/sandwichfarm/nopub/internal/moderation"
	"github.com/sandwichfarm/nopub/internal/ops"
	"github.com/sandwichfarm/nopub/internal/relay"
	"github.com/sandwichfarm/nopub/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "backup" {
		handleBackup(os.Args[2:])
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nopub %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("nopub - a nostr relay")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  nopub init                            Generate example configuration")
		fmt.Println("  nopub backup --config <path> <dir>    Back up the database into <dir>")
		fmt.Println("  nopub --version                       Show version information")
		fmt.Println("  nopub --config <path>                 Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)
	logger.LogStartup(version, commit)
	relay.Version = version

	logger.Info("initializing storage", "driver", cfg.Storage.Driver)
	store, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	if cfg.Moderation.Enabled {
		logger.Info("moderation enabled",
			"allowed", len(cfg.Moderation.AllowedPubkeys),
			"banned", len(cfg.Moderation.BannedPubkeys))
		store.SetModerator(moderation.NewFromConfig(&cfg.Moderation))
	}

	logger.Info("initializing broker", "driver", cfg.Broker.Driver)
	b, err := broker.New(&cfg.Broker)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer b.Close()

	logger.Info("initializing result cache", "driver", cfg.Cache.Driver)
	resultCache, err := cache.New(&cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer resultCache.Close()

	registry := relay.NewRegistry()
	broadcaster := relay.NewBroadcaster(b, cfg.Broker.Topic, registry, logger)
	server := relay.NewServer(cfg, store, resultCache, broadcaster, registry, logger)

	retentionMgr := ops.NewRetentionManager(store, &cfg.Retention, logger)
	retentionMgr.StartPruningScheduler(ctx)
	defer retentionMgr.Stop()
	if cfg.Retention.Enabled {
		logger.Info("retention pruning enabled",
			"max_age_days", cfg.Retention.MaxAgeDays,
			"interval_hours", cfg.Retention.PruneIntervalHours)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.LogShutdown(sig.String())
	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("error stopping relay", "error", err)
	}
	return nil
}

func handleBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	if *configPath == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: nopub backup --config <path> <destination-dir>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	logger := ops.NewLogger(&cfg.Logging)

	store, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	mgr := ops.NewBackupManager(store, cfg.Storage.SQLitePath, logger)
	dest, err := mgr.BackupToDir(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error backing up database: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("backup written to %s\n", dest)
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}
