package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	RawDir   string `toml:"raw_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Pipeline contains worker dispatcher and stage settings.
type Pipeline struct {
	WorkerCount        int `toml:"worker_count"`
	MaxRetries         int `toml:"max_retries"`
	LeaseTTLSeconds    int `toml:"lease_ttl_seconds"`
	PollInterval       int `toml:"poll_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	ClaimBatchLimit    int `toml:"claim_batch_limit"`
	TransientBackoffMS int `toml:"transient_backoff_ms"`
}

// Chunking controls the built-in chunker.
type Chunking struct {
	ChunkerName    string `toml:"chunker_name"`
	ChunkerVersion string `toml:"chunker_version"`
	WindowRunes    int    `toml:"window_runes"`
	OverlapRunes   int    `toml:"overlap_runes"`
}

// Embedding controls vector generation for stored chunks.
type Embedding struct {
	Model           string `toml:"model"`
	VectorDimension int    `toml:"vector_dimension"`
}

// Validator controls the consistency audit loop.
type Validator struct {
	IntervalSeconds      int     `toml:"interval_seconds"`
	WindowLimit          int     `toml:"window_limit"`
	DriftAlertThreshold  float64 `toml:"drift_alert_threshold"`
	OrphanAlertThreshold int     `toml:"orphan_alert_threshold"`
}

// Migration controls the identity backfill engine.
type Migration struct {
	BatchSize int `toml:"batch_size"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Millrace.
//
// Sections by subsystem:
//   - Paths: data/raw-store/log directories and API bind address
//   - Pipeline: worker counts, retries, lease and poll timing
//   - Chunking: built-in chunker identity and window geometry
//   - Embedding: embedding model label and vector dimension
//   - Validator: audit interval and alert thresholds
//   - Migration: backfill batch sizing
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Pipeline  Pipeline  `toml:"pipeline"`
	Chunking  Chunking  `toml:"chunking"`
	Embedding Embedding `toml:"embedding"`
	Validator Validator `toml:"validator"`
	Migration Migration `toml:"migration"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/millrace/config.toml")
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// ExpandPath resolves ~ and returns an absolute, cleaned path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was actually found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("millrace.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	for name, field := range map[string]*string{
		"paths.data_dir": &c.Paths.DataDir,
		"paths.raw_dir":  &c.Paths.RawDir,
		"paths.log_dir":  &c.Paths.LogDir,
	} {
		expanded, err := expandPath(*field)
		if err != nil {
			return fmt.Errorf("normalize %s: %w", name, err)
		}
		*field = expanded
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Chunking.ChunkerName = strings.TrimSpace(c.Chunking.ChunkerName)
	c.Chunking.ChunkerVersion = strings.TrimSpace(c.Chunking.ChunkerVersion)
	return nil
}

// EnsureDirectories creates the directories the daemon needs to operate.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.RawDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "pipeline.db")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
