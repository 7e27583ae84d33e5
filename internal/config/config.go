// Package config assembles run configuration from an optional YAML file
// overridden by SEGTRAIN_* environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/example/segtrain/internal/sched"
)

type Config struct {
	Experiment      string        `yaml:"experiment"`
	Epochs          int           `yaml:"epochs"`
	BatchesPerEpoch int           `yaml:"batches_per_epoch"`
	RequestedBatch  int           `yaml:"requested_batch"`
	MaxRestarts     int           `yaml:"max_restarts"`
	Seed            int64         `yaml:"seed"`
	ClassWeights    []float64     `yaml:"class_weights"`
	InitialWorkers  int           `yaml:"initial_workers"`
	MaxWorkers      int           `yaml:"max_workers"`
	MemoryHighWater float64       `yaml:"memory_high_water"`
	ProgressEvery   time.Duration `yaml:"progress_every"`
	// MetricsDump prints the metrics registry in Prometheus text format
	// when the run finishes.
	MetricsDump bool `yaml:"metrics_dump"`

	Scheduler sched.Policy `yaml:"scheduler"`

	CheckpointBackend string `yaml:"checkpoint_backend"`
	CheckpointRoot    string `yaml:"checkpoint_root"`
	MinIOEndpoint     string `yaml:"minio_endpoint"`
	MinIOAccessKey    string `yaml:"minio_access_key"`
	MinIOSecretKey    string `yaml:"minio_secret_key"`
	MinIOBucket       string `yaml:"minio_bucket"`
	MinIOUseSSL       bool   `yaml:"minio_use_ssl"`
}

// Default returns the baseline configuration for a local run.
func Default() Config {
	return Config{
		Experiment:        "default",
		Epochs:            10,
		BatchesPerEpoch:   50,
		RequestedBatch:    64,
		MaxRestarts:       3,
		Seed:              1,
		InitialWorkers:    1,
		MemoryHighWater:   80,
		ProgressEvery:     10 * time.Second,
		Scheduler:         sched.DefaultPolicy(),
		CheckpointBackend: "local",
		CheckpointRoot:    "/tmp/segtrain-checkpoints",
		MinIOBucket:       "segtrain-checkpoints",
	}
}

// Load reads the YAML file when path is non-empty, then applies environment
// overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrap(err, "parse config file")
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Experiment = getenv("SEGTRAIN_EXPERIMENT", c.Experiment)
	c.Epochs = getenvInt("SEGTRAIN_EPOCHS", c.Epochs)
	c.BatchesPerEpoch = getenvInt("SEGTRAIN_BATCHES_PER_EPOCH", c.BatchesPerEpoch)
	c.RequestedBatch = getenvInt("SEGTRAIN_REQUESTED_BATCH", c.RequestedBatch)
	c.MaxRestarts = getenvInt("SEGTRAIN_MAX_RESTARTS", c.MaxRestarts)
	c.Seed = int64(getenvInt("SEGTRAIN_SEED", int(c.Seed)))
	c.InitialWorkers = getenvInt("SEGTRAIN_INITIAL_WORKERS", c.InitialWorkers)
	c.MaxWorkers = getenvInt("SEGTRAIN_MAX_WORKERS", c.MaxWorkers)
	c.MetricsDump = getenvBool("SEGTRAIN_METRICS", c.MetricsDump)
	c.CheckpointBackend = getenv("SEGTRAIN_CHECKPOINT_BACKEND", c.CheckpointBackend)
	c.CheckpointRoot = getenv("SEGTRAIN_CHECKPOINT_ROOT", c.CheckpointRoot)
	c.MinIOEndpoint = getenv("SEGTRAIN_MINIO_ENDPOINT", c.MinIOEndpoint)
	c.MinIOAccessKey = getenv("SEGTRAIN_MINIO_ACCESS_KEY", c.MinIOAccessKey)
	c.MinIOSecretKey = getenv("SEGTRAIN_MINIO_SECRET_KEY", c.MinIOSecretKey)
	c.MinIOBucket = getenv("SEGTRAIN_MINIO_BUCKET", c.MinIOBucket)
	c.MinIOUseSSL = getenvBool("SEGTRAIN_MINIO_USE_SSL", c.MinIOUseSSL)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
