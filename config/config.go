// Package config loads the daemon configuration from an optional YAML file
// overlaid with environment variables, applies defaults, and validates the
// result. Keys follow the names recognized by deployments (camelCase in
// YAML, SCREAMING_SNAKE in the environment).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the full daemon configuration.
	Config struct {
		// SystemDatabaseURL points at the Postgres database holding both the
		// execution rows and the workflow-runtime tables.
		SystemDatabaseURL string `yaml:"systemDatabaseUrl" validate:"required"`
		// ApplicationVersion pins dequeue: workers only pick up workflows
		// enqueued under the same version (or none).
		ApplicationVersion string `yaml:"applicationVersion"`

		Queue       Queue       `yaml:"queue"`
		AdminServer AdminServer `yaml:"adminServer"`
		Recovery    Recovery    `yaml:"recovery"`
		Engine      Engine      `yaml:"engine"`
		Flows       Flows       `yaml:"flows"`
	}

	// Queue bounds workflow-start intake.
	Queue struct {
		Name string `yaml:"name" validate:"required"`
		// Concurrency caps in-progress workflows from this queue across the
		// whole cluster.
		Concurrency int `yaml:"concurrency" validate:"min=1"`
		// WorkerConcurrency caps workflows executing in one process.
		WorkerConcurrency int `yaml:"workerConcurrency" validate:"min=1"`
	}

	// AdminServer configures the operator HTTP surface.
	AdminServer struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port" validate:"min=1,max=65535"`
	}

	// Recovery configures the legacy claim sweeper.
	Recovery struct {
		ScanIntervalMs  int `yaml:"scanIntervalMs" validate:"min=100"`
		MaxFailureCount int `yaml:"maxFailureCount" validate:"min=1"`
	}

	// Engine bounds a single flow run.
	Engine struct {
		MaxConcurrency int `yaml:"maxConcurrency" validate:"min=1"`
		NodeTimeoutMs  int `yaml:"nodeTimeoutMs" validate:"min=1"`
		FlowTimeoutMs  int `yaml:"flowTimeoutMs" validate:"min=1"`
	}

	// Flows locates flow definitions on disk.
	Flows struct {
		Dir   string `yaml:"dir" validate:"required"`
		Watch bool   `yaml:"watch"`
	}
)

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Queue: Queue{
			Name:              "executions",
			Concurrency:       100,
			WorkerConcurrency: 5,
		},
		AdminServer: AdminServer{
			Enabled: false,
			Port:    3001,
		},
		Recovery: Recovery{
			ScanIntervalMs:  30000,
			MaxFailureCount: 5,
		},
		Engine: Engine{
			MaxConcurrency: 10,
			NodeTimeoutMs:  60000,
			FlowTimeoutMs:  300000,
		},
		Flows: Flows{
			Dir:   "./flows",
			Watch: true,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), overlays
// environment variables, and validates. The returned config is ready to use.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ScanInterval returns the recovery scan period.
func (r Recovery) ScanInterval() time.Duration {
	return time.Duration(r.ScanIntervalMs) * time.Millisecond
}

// NodeTimeout returns the per-node execution bound.
func (e Engine) NodeTimeout() time.Duration {
	return time.Duration(e.NodeTimeoutMs) * time.Millisecond
}

// FlowTimeout returns the per-flow execution bound.
func (e Engine) FlowTimeout() time.Duration {
	return time.Duration(e.FlowTimeoutMs) * time.Millisecond
}

func (c *Config) applyEnv() error {
	var err error
	setString(&c.SystemDatabaseURL, "SYSTEM_DATABASE_URL")
	setString(&c.ApplicationVersion, "APPLICATION_VERSION")
	setString(&c.Queue.Name, "QUEUE_NAME")
	setInt(&c.Queue.Concurrency, "QUEUE_CONCURRENCY", &err)
	setInt(&c.Queue.WorkerConcurrency, "WORKER_CONCURRENCY", &err)
	setBool(&c.AdminServer.Enabled, "ADMIN_SERVER_ENABLED", &err)
	setInt(&c.AdminServer.Port, "ADMIN_SERVER_PORT", &err)
	setInt(&c.Recovery.ScanIntervalMs, "RECOVERY_SCAN_INTERVAL_MS", &err)
	setInt(&c.Recovery.MaxFailureCount, "RECOVERY_MAX_FAILURE_COUNT", &err)
	setInt(&c.Engine.MaxConcurrency, "ENGINE_MAX_CONCURRENCY", &err)
	setInt(&c.Engine.NodeTimeoutMs, "ENGINE_NODE_TIMEOUT_MS", &err)
	setInt(&c.Engine.FlowTimeoutMs, "ENGINE_FLOW_TIMEOUT_MS", &err)
	setString(&c.Flows.Dir, "FLOWS_DIR")
	setBool(&c.Flows.Watch, "FLOWS_WATCH", &err)
	return err
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string, errp *error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if *errp == nil {
			*errp = fmt.Errorf("env %s: %w", key, err)
		}
		return
	}
	*dst = n
}

func setBool(dst *bool, key string, errp *error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if *errp == nil {
			*errp = fmt.Errorf("env %s: %w", key, err)
		}
		return
	}
	*dst = b
}
