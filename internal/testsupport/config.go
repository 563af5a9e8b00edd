package testsupport

import (
	"path/filepath"
	"testing"

	"millrace/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.RawDir = filepath.Join(base, "raw")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	// Tight timing keeps lease and poll driven tests fast.
	cfg.Pipeline.PollInterval = 1
	cfg.Pipeline.HeartbeatInterval = 1
	cfg.Pipeline.LeaseTTLSeconds = 5

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxRetries overrides the retry budget on the test config.
func WithMaxRetries(n int) ConfigOption {
	return func(c *config.Config) {
		c.Pipeline.MaxRetries = n
	}
}

// WithLeaseTTL overrides the lease duration (seconds) on the test config.
func WithLeaseTTL(seconds int) ConfigOption {
	return func(c *config.Config) {
		c.Pipeline.LeaseTTLSeconds = seconds
	}
}
