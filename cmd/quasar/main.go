package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/logging"
)

var (
	configFile string
	dsnFlag    string
	tableFlag  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - durable Postgres-backed message queue",
		Long:  "Operate Quasar durable queues: inspect backlogs, manage dead letters, enqueue and purge messages",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "Postgres DSN (overrides config)")
	rootCmd.PersistentFlags().StringVar(&tableFlag, "table", "", "Shared queue table name (overrides config)")

	rootCmd.AddCommand(
		statCmd(),
		listCmd(),
		dlqCmd(),
		enqueueCmd(),
		resurrectCmd(),
		purgeCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if dsnFlag != "" {
		cfg.Postgres.DSN = dsnFlag
	}
	if tableFlag != "" {
		cfg.Queue.SharedQueueTableName = tableFlag
	}
	logging.Configure(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
