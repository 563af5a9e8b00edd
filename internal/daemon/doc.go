// Package daemon ties the long-running services together: it enforces
// single-instance execution with a file lock, owns the dispatcher and
// validator lifecycles, and serves the HTTP API.
package daemon
