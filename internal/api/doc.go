// Package api defines wire-format types and converters for the HTTP API
// layer. It translates internal pipeline models into transport-friendly
// DTOs so API consumers and the CLI never couple to storage types.
//
// DTOs use camelCase JSON tags. Internal enums (pipeline.Status,
// pipeline.State) are exposed as lowercase strings. Timestamps use RFC3339
// with milliseconds.
package api
