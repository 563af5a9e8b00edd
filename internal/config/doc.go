// Package config loads, normalizes, and validates Millrace configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob
// the daemon and CLI need: directories, worker and lease timing, chunker
// geometry, validator thresholds, and migration batch sizing.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
