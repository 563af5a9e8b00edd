// Package faults defines the error taxonomy shared by the dispatcher,
// stage handlers, and store. Stage errors are tagged with one of the
// sentinel markers below so failure handling can decide between retry,
// dead-letter, and abandon without inspecting message text.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks recoverable conditions: network timeouts, storage
	// briefly unavailable, a file not yet visible after upload. Retried
	// with a bounded budget.
	ErrTransient = errors.New("transient failure")
	// ErrValidation marks malformed input or unsupported content. Never
	// retried; routes straight to dead-letter.
	ErrValidation = errors.New("validation failure")
	// ErrLeaseLost marks a lease that expired or was reassigned. Not a job
	// failure; the worker abandons the job and leaves it claimable.
	ErrLeaseLost = errors.New("lease lost")
	// ErrIdentity marks deterministic-ID conflicts that are not the
	// well-formed idempotent re-upload case. Surfaced, never auto-resolved.
	ErrIdentity = errors.New("identity conflict")
	// ErrMigration marks a failed rewrite during backfill. Rolled back for
	// the single item; the run continues.
	ErrMigration = errors.New("migration failure")
	// ErrInvariant marks programming errors such as an illegal transition
	// requested by code. These indicate bugs, not operational conditions.
	ErrInvariant = errors.New("invariant violation")
)

// Kind is the string classification attached to events and metrics.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindValidation Kind = "validation"
	KindLease      Kind = "lease"
	KindIdentity   Kind = "identity"
	KindMigration  Kind = "migration"
	KindInvariant  Kind = "invariant"
	KindUnknown    Kind = "unknown"
)

// Wrap tags an error with a marker and stage/operation context. A nil
// marker defaults to ErrTransient so unclassified failures stay retryable.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies an error by its marker.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrLeaseLost):
		return KindLease
	case errors.Is(err, ErrIdentity):
		return KindIdentity
	case errors.Is(err, ErrMigration):
		return KindMigration
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether a stage failure should consume a retry and
// re-enter the stage rather than dead-letter immediately. Unclassified
// errors are treated as transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindIdentity, KindInvariant:
		return false
	default:
		return true
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "stage failure"
	}
	return strings.Join(parts, ": ")
}
