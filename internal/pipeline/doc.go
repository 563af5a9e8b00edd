// Package pipeline persists documents, jobs, chunks, and the append-only
// event log in SQLite, and enforces the job state machine at the
// data-access layer.
//
// The store is the sole shared mutable resource between dispatcher
// instances. Claiming, completing, and failing stages are atomic
// conditional updates guarded by lease ownership, so concurrent workers
// coordinate entirely through this package with no shared memory.
// Terminal statuses (complete, deadletter) are absorbing: the SQL
// predicates reject further status writes, not just the Go callers.
package pipeline
