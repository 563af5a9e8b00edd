package api

import (
	"context"
	"time"

	"millrace/internal/pipeline"
)

// PipelineReader abstracts the store operations the API layer queries.
type PipelineReader interface {
	ListDocuments(ctx context.Context, statuses ...pipeline.Status) ([]*pipeline.Document, error)
	GetDocument(ctx context.Context, documentID string) (*pipeline.Document, error)
	JobByDocument(ctx context.Context, documentID string) (*pipeline.Job, error)
	CountChunks(ctx context.Context, documentID string) (int, error)
	EventsByDocument(ctx context.Context, documentID string) ([]*pipeline.Event, error)
	EventsAfter(ctx context.Context, after time.Time, afterID string, limit int) ([]*pipeline.Event, error)
	JobStats(ctx context.Context) (pipeline.Stats, error)
	RequeueDeadletter(ctx context.Context, jobIDs ...int64) (int64, error)
}

// PipelineService exposes pipeline queries returning API DTOs.
type PipelineService struct {
	store PipelineReader
}

// NewPipelineService constructs a PipelineService around the provided reader.
func NewPipelineService(store PipelineReader) *PipelineService {
	if store == nil {
		return nil
	}
	return &PipelineService{store: store}
}

// List returns documents filtered by status.
func (s *PipelineService) List(ctx context.Context, statuses ...pipeline.Status) ([]Document, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	docs, err := s.store.ListDocuments(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromDocuments(docs), nil
}

// Describe fetches one document with its job, live chunk count, and
// transition history. A nil response means the document does not exist.
func (s *PipelineService) Describe(ctx context.Context, documentID string) (*DocumentDetailResponse, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil || doc == nil {
		return nil, err
	}
	job, err := s.store.JobByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	chunkCount, err := s.store.CountChunks(ctx, documentID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.EventsByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &DocumentDetailResponse{
		Document:   FromDocument(doc),
		Job:        FromJob(job),
		ChunkCount: chunkCount,
		Events:     FromEvents(events),
	}, nil
}

// Events returns the global transition feed after the given cursor. The
// cursor is the (timestamp, event id) pair of the last event consumed.
func (s *PipelineService) Events(ctx context.Context, after time.Time, afterID string, limit int) (*EventListResponse, error) {
	if s == nil || s.store == nil {
		return &EventListResponse{}, nil
	}
	events, err := s.store.EventsAfter(ctx, after, afterID, limit)
	if err != nil {
		return nil, err
	}
	resp := &EventListResponse{Events: FromEvents(events)}
	if len(events) > 0 {
		last := events[len(events)-1]
		resp.Next = last.CreatedAt.UTC().Format(time.RFC3339Nano)
		resp.NextID = last.EventID
	}
	return resp, nil
}

// Stats returns aggregate job counts.
func (s *PipelineService) Stats(ctx context.Context) (JobStats, error) {
	if s == nil || s.store == nil {
		return JobStats{}, nil
	}
	stats, err := s.store.JobStats(ctx)
	if err != nil {
		return JobStats{}, err
	}
	return FromStats(stats), nil
}

// Requeue returns deadletter jobs to the queue with a fresh retry budget.
// An empty id list requeues all of them.
func (s *PipelineService) Requeue(ctx context.Context, jobIDs ...int64) (int64, error) {
	if s == nil || s.store == nil {
		return 0, nil
	}
	return s.store.RequeueDeadletter(ctx, jobIDs...)
}
