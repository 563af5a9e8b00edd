package pipeline

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a requested status change is not an
// edge of the transition graph. Callers receive it wrapped with the
// offending edge; attempts are recorded as transition_rejected events.
var ErrIllegalTransition = errors.New("illegal status transition")

// forwardEdges is the linear happy path.
var forwardEdges = map[Status]Status{
	StatusUploaded:            StatusParseQueued,
	StatusParseQueued:         StatusParsed,
	StatusParsed:              StatusParseValidated,
	StatusParseValidated:      StatusChunking,
	StatusChunking:            StatusChunksStored,
	StatusChunksStored:        StatusEmbeddingQueued,
	StatusEmbeddingQueued:     StatusEmbeddingInProgress,
	StatusEmbeddingInProgress: StatusEmbeddingsStored,
	StatusEmbeddingsStored:    StatusComplete,
}

// failureEdges maps each status a worker can hold a claim at to the
// failure state of the stage it feeds. Rest statuses route to the failure
// state of the stage ahead of them: a job can fail before its first
// in-stage transition (corrupt payload, vanished document) and still
// needs a recordable failure edge.
var failureEdges = map[Status]Status{
	StatusUploaded:            StatusFailedParse,
	StatusParseQueued:         StatusFailedParse,
	StatusParsed:              StatusFailedValidation,
	StatusParseValidated:      StatusFailedChunking,
	StatusChunking:            StatusFailedChunking,
	StatusChunksStored:        StatusFailedEmbedding,
	StatusEmbeddingQueued:     StatusFailedEmbedding,
	StatusEmbeddingInProgress: StatusFailedEmbedding,
	StatusEmbeddingsStored:    StatusFailedFinalize,
}

// retryEdges re-enter the forward stage a failure state guards. The target
// is the claimable rest status the stage starts from, so a retried job runs
// the whole stage again.
var retryEdges = map[Status]Status{
	StatusFailedParse:      StatusUploaded,
	StatusFailedValidation: StatusParsed,
	StatusFailedChunking:   StatusParseValidated,
	StatusFailedEmbedding:  StatusChunksStored,
	StatusFailedFinalize:   StatusEmbeddingsStored,
}

// CanTransition reports whether from → to is an edge of the graph.
// Terminal states are absorbing: nothing leaves complete or deadletter.
func CanTransition(from, to Status) bool {
	if IsTerminalStatus(from) {
		return false
	}
	if forwardEdges[from] == to {
		return true
	}
	if failureEdges[from] == to {
		return true
	}
	if retryEdges[from] == to {
		return true
	}
	// Exhausted or non-retryable failures move onward to deadletter.
	if IsFailureStatus(from) && to == StatusDeadletter {
		return true
	}
	return false
}

// CheckTransition returns a descriptive error for an illegal edge.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// NextForward returns the forward successor of a status, if any.
func NextForward(from Status) (Status, bool) {
	next, ok := forwardEdges[from]
	return next, ok
}

// FailureFor returns the failure state matching a stage, if any.
func FailureFor(from Status) (Status, bool) {
	failure, ok := failureEdges[from]
	return failure, ok
}

// RetryTarget returns the forward stage a failure state re-enters on retry.
func RetryTarget(failure Status) (Status, bool) {
	target, ok := retryEdges[failure]
	return target, ok
}
