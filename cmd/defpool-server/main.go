// DefPool - profit-switching coordinator for a mining pool
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/defpool/defpool-server/internal/api"
	"github.com/defpool/defpool-server/internal/config"
	"github.com/defpool/defpool-server/internal/coordinator"
	"github.com/defpool/defpool-server/internal/metrics"
	"github.com/defpool/defpool-server/internal/newrelic"
	"github.com/defpool/defpool-server/internal/notify"
	"github.com/defpool/defpool-server/internal/policy"
	"github.com/defpool/defpool-server/internal/profiling"
	"github.com/defpool/defpool-server/internal/rpc"
	"github.com/defpool/defpool-server/internal/storage"
	"github.com/defpool/defpool-server/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "defpool-server",
		Short:         "Profit-switching coordinator for a mining pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("DefPool v%s (built %s)\n", version, buildTime)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, file, err := loadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
				return err
			}
			if file == "" {
				file = "defaults"
			}
			fmt.Printf("Configuration OK (%s): %d targets\n", file, len(cfg.Targets))
			return nil
		},
	})

	return root
}

func loadConfig(path string) (*config.Config, string, error) {
	if err := config.LoadEnvFiles(".env"); err != nil {
		return nil, "", err
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, "", err
	}
	return cfg, loader.File(), nil
}

func run(configPath string) error {
	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		return err
	}

	// Load configuration
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return err
	}
	defer util.Sync()

	util.Infof("DefPool v%s starting with %d targets", version, len(cfg.Targets))

	// Market data
	prices, err := rpc.NewPriceClient(cfg.Feed.PriceURL, cfg.Feed.Currency, cfg.Feed.PriceCacheTTL, cfg.Feed.Timeout)
	if err != nil {
		util.Fatalf("Failed to create price client: %v", err)
	}
	defer prices.Close()
	feed := rpc.NewFeed(prices, cfg.Feed.Timeout)

	// Connect to Redis
	var redis *storage.RedisClient
	if cfg.Redis.Enabled {
		redis, err = storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			util.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
	}

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("New Relic disabled: %v", err)
	}
	defer agent.Stop()

	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}
	defer profiler.Stop()

	// Initialize policy server for security
	var store policy.ListStore
	if redis != nil {
		store = redis
	}
	policyServer := policy.NewServer(cfg.Security, store)
	policyServer.Start()
	defer policyServer.Stop()

	coord, err := coordinator.New(cfg, coordinator.Deps{
		Feed:     feed,
		Redis:    redis,
		Notifier: notify.NewNotifier(cfg.Notify, cfg.Pool),
		Agent:    agent,
		Metrics:  metrics.New(),
	})
	if err != nil {
		util.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := coord.Start(); err != nil {
		util.Fatalf("Failed to start coordinator: %v", err)
	}

	apiServer := api.NewServer(cfg, coord, policyServer, agent)
	if err := apiServer.Start(); err != nil {
		coord.Stop()
		util.Fatalf("Failed to start API server: %v", err)
	}

	if file := loader.File(); file != "" {
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				util.Errorf("Config reload rejected: %v", err)
				return
			}
			if err := coord.Reload(next); err != nil {
				util.Errorf("Config reload rejected: %v", err)
			}
		})
		util.Infof("Watching %s for changes", file)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Coordinator started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	if err := apiServer.Stop(); err != nil {
		util.Warnf("API server shutdown: %v", err)
	}
	coord.Stop()

	util.Info("DefPool stopped")
	return nil
}
