// Package stages implements the pipeline stage handlers: parse,
// parse-validation, chunking, embedding, and finalize. Handlers are pure
// workers; status transitions, leases, and retries belong to the
// dispatcher and store.
package stages
