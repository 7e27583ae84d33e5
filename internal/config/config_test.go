package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Epochs != 10 || cfg.CheckpointBackend != "local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Scheduler.TestProbability != 0.05 {
		t.Fatalf("scheduler defaults not applied: %+v", cfg.Scheduler)
	}
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segtrain.yaml")
	body := []byte(`
experiment: liver
epochs: 4
requested_batch: 16
scheduler:
  test_probability: 0.2
  time_stabilized: 2s
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SEGTRAIN_EPOCHS", "7")
	t.Setenv("SEGTRAIN_MINIO_USE_SSL", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Experiment != "liver" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Epochs != 7 {
		t.Fatalf("env must win over yaml, got epochs=%d", cfg.Epochs)
	}
	if cfg.RequestedBatch != 16 || !cfg.MinIOUseSSL {
		t.Fatalf("overrides incomplete: %+v", cfg)
	}
	if cfg.Scheduler.TestProbability != 0.2 || cfg.Scheduler.TimeStabilized != 2*time.Second {
		t.Fatalf("nested scheduler yaml not applied: %+v", cfg.Scheduler)
	}
}

func TestMetricsDumpEnvFlag(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsDump {
		t.Fatalf("metrics dump must default off")
	}
	t.Setenv("SEGTRAIN_METRICS", "1")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.MetricsDump {
		t.Fatalf("SEGTRAIN_METRICS=1 not applied")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/segtrain.yaml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
