package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"titangrid/internal/config"
	"titangrid/internal/logging"
	"titangrid/internal/worker"
	"titangrid/internal/worker/executor"
	"titangrid/pkg/store"
)

func main() {
	var (
		configPath string
		name       string
		address    string
		port       int
		endpoints  []string
	)

	rootCmd := &cobra.Command{
		Use:          "titan-worker",
		Short:        "Titan worker agent",
		Long:         "Announces this machine to the master and runs the tasks assigned to it in docker containers.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("name") {
				cfg.Worker.Name = name
			}
			if cmd.Flags().Changed("address") {
				cfg.Worker.Address = address
			}
			if cmd.Flags().Changed("port") {
				cfg.Worker.Port = port
			}
			if len(endpoints) > 0 {
				cfg.Etcd.Endpoints = endpoints
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (.yaml, .yml or .json)")
	rootCmd.Flags().StringVar(&name, "name", "", "agent name, defaults to the hostname")
	rootCmd.Flags().StringVar(&address, "address", "", "address announced to the master")
	rootCmd.Flags().IntVar(&port, "port", 0, "port announced to the master")
	rootCmd.Flags().StringSliceVar(&endpoints, "etcd", nil, "etcd endpoints, overrides the config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Etcd.Endpoints) == 0 {
		return fmt.Errorf("a worker needs at least one etcd endpoint")
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	caps, err := worker.DetectCapabilities(ctx, cfg.Worker.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to detect capabilities: %w", err)
	}
	cfg.Worker.Capabilities = caps

	st, err := store.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log)
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	defer st.Close()

	docker, err := executor.NewDockerExecutor(cfg.Worker.DockerHost, log)
	if err != nil {
		return fmt.Errorf("failed to create docker executor: %w", err)
	}

	agent := worker.NewAgent(cfg.Worker, st, docker,
		worker.WithLogger(log),
		worker.WithLeaseTTL(cfg.Registry.HeartbeatTimeout),
	)
	log.Info("starting worker", zap.String("agent", agent.Name()), zap.Strings("etcd", cfg.Etcd.Endpoints))
	return agent.Run(ctx)
}
