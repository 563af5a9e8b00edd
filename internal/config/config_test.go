package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"millrace/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected missing config file")
	}
	if resolved != path {
		t.Fatalf("expected resolved path %q, got %q", path, resolved)
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Fatalf("expected default max_retries, got %d", cfg.Pipeline.MaxRetries)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"
raw_dir = "` + filepath.Join(dir, "raw") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"

[pipeline]
worker_count = 4
lease_ttl_seconds = 60
heartbeat_interval = 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if cfg.Pipeline.WorkerCount != 4 {
		t.Fatalf("expected worker_count 4, got %d", cfg.Pipeline.WorkerCount)
	}
	if cfg.Pipeline.LeaseTTLSeconds != 60 {
		t.Fatalf("expected lease_ttl 60, got %d", cfg.Pipeline.LeaseTTLSeconds)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero workers", func(c *config.Config) { c.Pipeline.WorkerCount = 0 }, "worker_count"},
		{"lease below heartbeat", func(c *config.Config) { c.Pipeline.LeaseTTLSeconds = 5 }, "lease_ttl_seconds"},
		{"overlap exceeds window", func(c *config.Config) { c.Chunking.OverlapRunes = c.Chunking.WindowRunes }, "overlap_runes"},
		{"drift above one", func(c *config.Config) { c.Validator.DriftAlertThreshold = 1.5 }, "drift_alert_threshold"},
		{"zero batch", func(c *config.Config) { c.Migration.BatchSize = 0 }, "batch_size"},
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSampleConfigMentionsEverySection(t *testing.T) {
	sample := config.SampleConfig()
	for _, section := range []string{"[paths]", "[pipeline]", "[chunking]", "[embedding]", "[validator]", "[migration]", "[logging]"} {
		if !strings.Contains(sample, section) {
			t.Fatalf("sample config missing section %s", section)
		}
	}
}
