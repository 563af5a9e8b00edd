// Package logging builds the slog loggers used across the daemon and CLI
// and standardizes structured field names (document_id, job_id, stage,
// worker_id) so log lines from different components correlate cleanly.
package logging
