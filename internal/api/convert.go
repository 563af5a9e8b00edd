package api

import (
	"time"

	"millrace/internal/pipeline"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// FromDocument converts a stored document into its DTO.
func FromDocument(doc *pipeline.Document) Document {
	if doc == nil {
		return Document{}
	}
	return Document{
		DocumentID:     doc.DocumentID,
		OwnerID:        doc.OwnerID,
		ContentHash:    doc.ContentHash,
		Filename:       doc.Filename,
		MimeType:       doc.MimeType,
		ByteLength:     doc.ByteLength,
		RawStoragePath: doc.RawStoragePath,
		Status:         string(doc.ProcessingStatus),
		CreatedAt:      formatTime(doc.CreatedAt),
		UpdatedAt:      formatTime(doc.UpdatedAt),
	}
}

// FromDocuments converts a document slice, preserving order.
func FromDocuments(docs []*pipeline.Document) []Document {
	if len(docs) == 0 {
		return nil
	}
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, FromDocument(doc))
	}
	return out
}

// FromJob converts a stored job into its DTO.
func FromJob(job *pipeline.Job) *Job {
	if job == nil {
		return nil
	}
	converted := &Job{
		JobID:      job.JobID,
		DocumentID: job.DocumentID,
		State:      string(job.State),
		Status:     string(job.Status),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		LastError:  job.LastError,
		LeaseOwner: job.LeaseOwner,
		UpdatedAt:  formatTime(job.UpdatedAt),
	}
	if job.LeaseExpiresAt != nil {
		converted.LeaseExpiresAt = formatTime(*job.LeaseExpiresAt)
	}
	return converted
}

// FromEvent converts one audit event into its DTO.
func FromEvent(event *pipeline.Event) Event {
	if event == nil {
		return Event{}
	}
	return Event{
		EventID:    event.EventID,
		DocumentID: event.DocumentID,
		JobID:      event.JobID,
		FromStatus: string(event.FromStatus),
		ToStatus:   string(event.ToStatus),
		Detail:     event.Detail,
		CreatedAt:  formatTime(event.CreatedAt),
	}
}

// FromEvents converts an event slice, preserving order.
func FromEvents(events []*pipeline.Event) []Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(events))
	for _, event := range events {
		out = append(out, FromEvent(event))
	}
	return out
}

// FromStats converts aggregate job counts.
func FromStats(stats pipeline.Stats) JobStats {
	return JobStats{
		Total:      stats.Total,
		Queued:     stats.Queued,
		Active:     stats.Active,
		Done:       stats.Done,
		Deadletter: stats.Deadletter,
	}
}
