package pipeline

import (
	"strings"
	"time"
)

// Status is the fine-grained pipeline stage of a job.
type Status string

const (
	StatusUploaded            Status = "uploaded"
	StatusParseQueued         Status = "parse_queued"
	StatusParsed              Status = "parsed"
	StatusParseValidated      Status = "parse_validated"
	StatusChunking            Status = "chunking"
	StatusChunksStored        Status = "chunks_stored"
	StatusEmbeddingQueued     Status = "embedding_queued"
	StatusEmbeddingInProgress Status = "embedding_in_progress"
	StatusEmbeddingsStored    Status = "embeddings_stored"
	StatusComplete            Status = "complete"

	StatusFailedParse      Status = "failed_parse"
	StatusFailedValidation Status = "failed_validation"
	StatusFailedChunking   Status = "failed_chunking"
	StatusFailedEmbedding  Status = "failed_embedding"
	StatusFailedFinalize   Status = "failed_finalize"

	StatusDeadletter Status = "deadletter"
)

// State is the coarse lifecycle of a job, derived from Status on every
// transition and never written independently.
type State string

const (
	StateQueued     State = "queued"
	StateActive     State = "active"
	StateDone       State = "done"
	StateDeadletter State = "deadletter"
)

var allStatuses = []Status{
	StatusUploaded,
	StatusParseQueued,
	StatusParsed,
	StatusParseValidated,
	StatusChunking,
	StatusChunksStored,
	StatusEmbeddingQueued,
	StatusEmbeddingInProgress,
	StatusEmbeddingsStored,
	StatusComplete,
	StatusFailedParse,
	StatusFailedValidation,
	StatusFailedChunking,
	StatusFailedEmbedding,
	StatusFailedFinalize,
	StatusDeadletter,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// processingStatuses are held by a worker mid-stage; a job in one of these
// is only claimable again once its lease expires.
var processingStatuses = map[Status]struct{}{
	StatusParseQueued:         {},
	StatusChunking:            {},
	StatusEmbeddingQueued:     {},
	StatusEmbeddingInProgress: {},
}

var failureStatuses = map[Status]struct{}{
	StatusFailedParse:      {},
	StatusFailedValidation: {},
	StatusFailedChunking:   {},
	StatusFailedEmbedding:  {},
	StatusFailedFinalize:   {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsFailureStatus reports whether a status is a (retryable) failure state.
func IsFailureStatus(status Status) bool {
	_, ok := failureStatuses[status]
	return ok
}

// IsTerminalStatus reports whether a status is absorbing.
func IsTerminalStatus(status Status) bool {
	return status == StatusComplete || status == StatusDeadletter
}

// StateFor derives the coarse state from a fine-grained status.
func StateFor(status Status) State {
	switch {
	case status == StatusComplete:
		return StateDone
	case status == StatusDeadletter:
		return StateDeadletter
	case IsProcessingStatus(status):
		return StateActive
	default:
		return StateQueued
	}
}

// Document represents one uploaded source file. Immutable after
// registration except for the denormalized processing status mirror.
type Document struct {
	DocumentID       string
	OwnerID          string
	ContentHash      string
	Filename         string
	MimeType         string
	ByteLength       int64
	RawStoragePath   string
	ProcessingStatus Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Job is one unit of pipeline work per document.
type Job struct {
	JobID          int64
	DocumentID     string
	State          State
	Status         Status
	PayloadJSON    string
	RetryCount     int
	MaxRetries     int
	LastError      string
	LeaseOwner     string
	LeaseToken     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaseHeldBy reports whether worker currently holds an unexpired lease.
func (j *Job) LeaseHeldBy(worker string, now time.Time) bool {
	if j == nil || j.LeaseOwner != worker || j.LeaseExpiresAt == nil {
		return false
	}
	return j.LeaseExpiresAt.After(now)
}

// Chunk is a derived unit of parsed content, optionally embedded.
type Chunk struct {
	ChunkID         string
	DocumentID      string
	ChunkerName     string
	ChunkerVersion  string
	Ordinal         int
	Text            string
	ContentHash     string
	EmbeddingModel  string
	Embedding       []float32
	VectorDimension int
	Retired         bool
	CreatedAt       time.Time
}

// Event is an append-only record of a state transition.
type Event struct {
	EventID    string
	DocumentID string
	JobID      int64
	FromStatus Status
	ToStatus   Status
	Detail     string
	CreatedAt  time.Time
}

// Stats aggregates job counts per coarse state.
type Stats struct {
	Total      int
	Queued     int
	Active     int
	Done       int
	Deadletter int
}
