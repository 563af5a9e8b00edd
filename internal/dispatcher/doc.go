// Package dispatcher runs the worker pool. Workers claim jobs through the
// store's lease protocol, route them to stage handlers by status, and
// record completions and failures back through the store. Crash recovery
// is entirely lease-driven: a worker that dies simply stops heartbeating
// and its job becomes claimable once the lease expires.
package dispatcher
