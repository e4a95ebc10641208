package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"titangrid/internal/config"
	"titangrid/internal/logging"
	"titangrid/pkg/store"
)

// cli holds the flags shared by every subcommand and the config they fall
// back to.
type cli struct {
	configPath string
	endpoints  []string
	timeout    time.Duration
	verbose    bool

	cfg *config.Config
}

// load reads the config file, if any. Endpoints given on the command line win
// over the file.
func (c *cli) load(cmd *cobra.Command) error {
	c.cfg = config.Default()
	if c.configPath == "" {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	if !cmd.Flags().Changed("etcd") && len(cfg.Etcd.Endpoints) > 0 {
		c.endpoints = cfg.Etcd.Endpoints
	}
	return nil
}

func (c *cli) connect() (*store.EtcdStore, error) {
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	log, err := logging.New(logging.Config{Level: level, Development: true})
	if err != nil {
		return nil, err
	}
	st, err := store.NewEtcdStore(c.endpoints, 5*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return st, nil
}

func (c *cli) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.timeout)
}

func main() {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:          "titan-cli",
		Short:        "Submit and inspect Titan tasks",
		Long:         "Submits tasks to a Titan cluster through etcd and reads back their status, logs and aggregated results.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (.yaml, .yml or .json) for etcd and aggregation defaults")
	rootCmd.PersistentFlags().StringSliceVar(&c.endpoints, "etcd", []string{"localhost:2379"}, "etcd endpoints")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Second, "timeout for each etcd request")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log etcd client activity")

	rootCmd.AddCommand(
		newSubmitCmd(c),
		newStatusCmd(c),
		newLogsCmd(c),
		newNodesCmd(c),
		newAggregateCmd(c),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
