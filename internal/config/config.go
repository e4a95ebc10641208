// Package config loads the master and worker configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"titangrid/internal/logging"
	"titangrid/internal/master/balancer"
	"titangrid/internal/master/registry"
	"titangrid/internal/master/scheduler"
	"titangrid/pkg/aggregator"
	"titangrid/pkg/model"
)

// Config is the whole file. Durations are written as "10s" in YAML.
type Config struct {
	Etcd       EtcdConfig       `yaml:"etcd" json:"etcd"`
	Log        logging.Config   `yaml:"log" json:"log"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Registry   registry.Config  `yaml:"registry" json:"registry"`
	Scheduler  scheduler.Config `yaml:"scheduler" json:"scheduler"`
	Balancer   balancer.Config  `yaml:"balancer" json:"balancer"`
	Aggregator AggregatorConfig `yaml:"aggregator" json:"aggregator"`
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`
}

type EtcdConfig struct {
	// Endpoints empty means the master keeps its state in memory.
	Endpoints   []string      `yaml:"endpoints" json:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

type MetricsConfig struct {
	// Addr serves /metrics. Empty disables the endpoint.
	Addr string `yaml:"addr" json:"addr"`
}

// AggregatorConfig is the default method and options for result aggregation.
type AggregatorConfig struct {
	Method             aggregator.Method `yaml:"method" json:"method"`
	aggregator.Options `yaml:",inline"`
}

// WorkerConfig describes the node a worker process announces.
type WorkerConfig struct {
	Name              string          `yaml:"name" json:"name"`
	Address           string          `yaml:"address" json:"address"`
	Port              int             `yaml:"port" json:"port"`
	Capabilities      model.Resources `yaml:"capabilities" json:"capabilities"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	DockerHost        string          `yaml:"docker_host" json:"docker_host"`
}

func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Etcd:      EtcdConfig{Endpoints: []string{"localhost:2379"}, DialTimeout: 5 * time.Second},
		Log:       logging.Config{Level: "info"},
		Metrics:   MetricsConfig{Addr: ":9090"},
		Registry:  registry.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Balancer:  balancer.DefaultConfig(),
		Aggregator: AggregatorConfig{
			Method:  aggregator.Mean,
			Options: aggregator.DefaultOptions(),
		},
		Worker: WorkerConfig{
			Name:    host,
			Address: "127.0.0.1",
			Port:    7000,
			// cpu and memory are detected from the host unless configured
			Capabilities:      model.Resources{model.ResourceMaxTasks: 2},
			HeartbeatInterval: 3 * time.Second,
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml, .yml or .json.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.Registry.HeartbeatTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("registry.heartbeat_timeout must be positive"))
	}
	if c.Registry.SweepInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("registry.sweep_interval must be positive"))
	}
	if c.Scheduler.PollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.TimeoutMultiplier < 1 {
		err = multierr.Append(err, fmt.Errorf("scheduler.timeout_multiplier must be at least 1, got %g", c.Scheduler.TimeoutMultiplier))
	}
	if c.Scheduler.StarvationBound < 0 || c.Scheduler.DefaultTimeout < 0 || c.Scheduler.CancelGracePeriod < 0 {
		err = multierr.Append(err, fmt.Errorf("scheduler durations must not be negative"))
	}
	if c.Balancer.Alpha <= 0 || c.Balancer.Alpha > 1 {
		err = multierr.Append(err, fmt.Errorf("balancer.alpha must be in (0, 1], got %g", c.Balancer.Alpha))
	}
	if c.Balancer.FailurePenalty < 0 {
		err = multierr.Append(err, fmt.Errorf("balancer.failure_penalty must not be negative"))
	}
	if c.Aggregator.Method == aggregator.WeightedMean {
		err = multierr.Append(err, fmt.Errorf("aggregator.method weighted_mean needs per-call weights and cannot be the default"))
	}
	if c.Aggregator.Tolerance < 0 {
		err = multierr.Append(err, fmt.Errorf("aggregator.tolerance must not be negative"))
	}
	if c.Worker.HeartbeatInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("worker.heartbeat_interval must be positive"))
	} else if c.Worker.HeartbeatInterval >= c.Registry.HeartbeatTimeout {
		err = multierr.Append(err, fmt.Errorf("worker.heartbeat_interval %s must be shorter than registry.heartbeat_timeout %s",
			c.Worker.HeartbeatInterval, c.Registry.HeartbeatTimeout))
	}
	for _, kind := range c.Worker.Capabilities.Kinds() {
		if c.Worker.Capabilities[kind] < 0 {
			err = multierr.Append(err, fmt.Errorf("worker.capabilities.%s must not be negative", kind))
		}
	}
	if c.Log.Level != "" {
		if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
		}
	}
	return err
}
