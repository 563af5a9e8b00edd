package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateChunking(); err != nil {
		return err
	}
	if err := c.validateEmbedding(); err != nil {
		return err
	}
	if err := c.validateValidator(); err != nil {
		return err
	}
	if err := c.validateMigration(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.RawDir) == "" {
		return errors.New("paths.raw_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.worker_count":      c.Pipeline.WorkerCount,
		"pipeline.max_retries":       c.Pipeline.MaxRetries,
		"pipeline.lease_ttl_seconds": c.Pipeline.LeaseTTLSeconds,
		"pipeline.poll_interval":     c.Pipeline.PollInterval,
		"pipeline.claim_batch_limit": c.Pipeline.ClaimBatchLimit,
	}); err != nil {
		return err
	}
	if c.Pipeline.HeartbeatInterval <= 0 {
		return errors.New("pipeline.heartbeat_interval must be positive")
	}
	if c.Pipeline.LeaseTTLSeconds <= c.Pipeline.HeartbeatInterval {
		return errors.New("pipeline.lease_ttl_seconds must be greater than pipeline.heartbeat_interval")
	}
	if c.Pipeline.TransientBackoffMS < 0 {
		return errors.New("pipeline.transient_backoff_ms must not be negative")
	}
	return nil
}

func (c *Config) validateChunking() error {
	if c.Chunking.ChunkerName == "" {
		return errors.New("chunking.chunker_name must be set")
	}
	if c.Chunking.ChunkerVersion == "" {
		return errors.New("chunking.chunker_version must be set")
	}
	if c.Chunking.WindowRunes <= 0 {
		return errors.New("chunking.window_runes must be positive")
	}
	if c.Chunking.OverlapRunes < 0 || c.Chunking.OverlapRunes >= c.Chunking.WindowRunes {
		return errors.New("chunking.overlap_runes must be non-negative and smaller than chunking.window_runes")
	}
	return nil
}

func (c *Config) validateEmbedding() error {
	if strings.TrimSpace(c.Embedding.Model) == "" {
		return errors.New("embedding.model must be set")
	}
	if c.Embedding.VectorDimension <= 0 {
		return errors.New("embedding.vector_dimension must be positive")
	}
	return nil
}

func (c *Config) validateValidator() error {
	if c.Validator.IntervalSeconds <= 0 {
		return errors.New("validator.interval_seconds must be positive")
	}
	if c.Validator.WindowLimit < 0 {
		return errors.New("validator.window_limit must not be negative")
	}
	if c.Validator.DriftAlertThreshold < 0 || c.Validator.DriftAlertThreshold > 1 {
		return errors.New("validator.drift_alert_threshold must be between 0 and 1")
	}
	if c.Validator.OrphanAlertThreshold < 0 {
		return errors.New("validator.orphan_alert_threshold must not be negative")
	}
	return nil
}

func (c *Config) validateMigration() error {
	if c.Migration.BatchSize <= 0 {
		return errors.New("migration.batch_size must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
