package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Document describes a registered document in a transport-friendly format.
type Document struct {
	DocumentID     string `json:"documentId"`
	OwnerID        string `json:"ownerId"`
	ContentHash    string `json:"contentHash"`
	Filename       string `json:"filename"`
	MimeType       string `json:"mimeType"`
	ByteLength     int64  `json:"byteLength"`
	RawStoragePath string `json:"rawStoragePath,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// Job describes a document's pipeline job.
type Job struct {
	JobID          int64  `json:"jobId"`
	DocumentID     string `json:"documentId"`
	State          string `json:"state"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retryCount"`
	MaxRetries     int    `json:"maxRetries"`
	LastError      string `json:"lastError,omitempty"`
	LeaseOwner     string `json:"leaseOwner,omitempty"`
	LeaseExpiresAt string `json:"leaseExpiresAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// Event is one status-transition audit record.
type Event struct {
	EventID    string `json:"eventId"`
	DocumentID string `json:"documentId"`
	JobID      int64  `json:"jobId"`
	FromStatus string `json:"fromStatus"`
	ToStatus   string `json:"toStatus"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// JobStats summarizes job counts per coarse state.
type JobStats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Active     int `json:"active"`
	Done       int `json:"done"`
	Deadletter int `json:"deadletter"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running          bool     `json:"running"`
	PID              int      `json:"pid"`
	DatabasePath     string   `json:"databasePath"`
	LockFilePath     string   `json:"lockFilePath"`
	DispatcherActive bool     `json:"dispatcherActive"`
	DispatcherError  string   `json:"dispatcherError,omitempty"`
	Jobs             JobStats `json:"jobs"`
}

// IngestRequest asks the daemon to pull a local file into the pipeline.
type IngestRequest struct {
	OwnerID    string `json:"ownerId"`
	SourcePath string `json:"sourcePath"`
}

// IngestResponse reports the outcome of an ingest call.
type IngestResponse struct {
	Document Document `json:"document"`
	Job      *Job     `json:"job,omitempty"`
	Created  bool     `json:"created"`
}

// DocumentListResponse wraps a collection of documents.
type DocumentListResponse struct {
	Documents []Document `json:"documents"`
}

// DocumentDetailResponse carries one document with its job, live chunk
// count, and transition history.
type DocumentDetailResponse struct {
	Document   Document `json:"document"`
	Job        *Job     `json:"job,omitempty"`
	ChunkCount int      `json:"chunkCount"`
	Events     []Event  `json:"events,omitempty"`
}

// EventListResponse wraps a page of the global event feed.
type EventListResponse struct {
	Events []Event `json:"events"`
	// Next and NextID form the cursor of the last event, for resuming.
	// Both must be passed back: sibling events written in one transaction
	// share a created-at, so the timestamp alone is not a position.
	Next   string `json:"next,omitempty"`
	NextID string `json:"nextId,omitempty"`
}

// RequeueRequest names deadletter jobs to return to the queue. An empty
// list requeues every deadletter job.
type RequeueRequest struct {
	JobIDs []int64 `json:"jobIds,omitempty"`
}

// RequeueResponse reports how many jobs were requeued.
type RequeueResponse struct {
	Requeued int64 `json:"requeued"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
