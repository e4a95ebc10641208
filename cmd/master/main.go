package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"titangrid/internal/config"
	"titangrid/internal/logging"
	"titangrid/internal/master/balancer"
	"titangrid/internal/master/dispatch"
	"titangrid/internal/master/registry"
	"titangrid/internal/master/scheduler"
	"titangrid/internal/metrics"
	"titangrid/pkg/store"
)

func main() {
	var (
		configPath string
		strategy   string
		endpoints  []string
	)

	rootCmd := &cobra.Command{
		Use:          "titan-master",
		Short:        "Titan scheduling master",
		Long:         "Tracks worker nodes, schedules submitted tasks onto them and collects their results.",
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
			if strategy != "" {
				s, err := balancer.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				cfg.Balancer.Strategy = s
			}
			if len(endpoints) > 0 {
				cfg.Etcd.Endpoints = endpoints
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (.yaml, .yml or .json)")
	rootCmd.Flags().StringVar(&strategy, "strategy", "", "load balancing strategy: round_robin, least_loaded, resource_based or adaptive")
	rootCmd.Flags().StringSliceVar(&endpoints, "etcd", nil, "etcd endpoints, overrides the config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	var st store.Store
	if len(cfg.Etcd.Endpoints) == 0 {
		log.Warn("no etcd endpoints configured, state stays in this process and no worker can join")
		st = store.NewMemoryStore(log)
	} else {
		etcd, err := store.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer etcd.Close()
		st = etcd
		log.Info("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	}

	reg := registry.New(cfg.Registry, registry.WithLogger(log), registry.WithMetrics(m))
	bal := balancer.New(cfg.Balancer, balancer.WithLogger(log))
	d := dispatch.New(st, reg, dispatch.WithLogger(log))
	sched := scheduler.New(reg, bal, d, cfg.Scheduler,
		scheduler.WithLogger(log),
		scheduler.WithMetrics(m),
		scheduler.WithObserver(d.Observe),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.Run(ctx)
		return nil
	})
	g.Go(func() error { return d.Run(ctx, sched) })
	g.Go(func() error {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		sched.Stop()
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, promReg, log) })
	}

	log.Info("master started", zap.Stringer("strategy", bal.Strategy()))
	err = g.Wait()
	log.Info("shutting down master")
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
