package pipeline_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"millrace/internal/faults"
	"millrace/internal/pipeline"
	"millrace/internal/testsupport"
)

func TestEventsAfterCursor(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("watched closely"))

	job := claimJob(t, store, "worker-a", time.Minute)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseQueued)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParsed)

	all, err := store.EventsAfter(context.Background(), time.Time{}, "", 100)
	if err != nil {
		t.Fatalf("events after zero time: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("event count = %d, want 3 (register + 2 transitions)", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatal("events must be ordered oldest first")
		}
	}

	// Resuming from the last seen event yields only strictly newer events.
	cursor := all[len(all)-1].CreatedAt
	cursorID := all[len(all)-1].EventID
	rest, err := store.EventsAfter(context.Background(), cursor, cursorID, 100)
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("events after final cursor = %d, want 0", len(rest))
	}

	time.Sleep(5 * time.Millisecond)
	if err := store.AppendEvent(context.Background(), reg.Document.DocumentID, job.JobID,
		pipeline.StatusParsed, pipeline.StatusParsed, "operator note"); err != nil {
		t.Fatalf("append event: %v", err)
	}
	rest, err = store.EventsAfter(context.Background(), cursor, cursorID, 100)
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].Detail != "operator note" {
		t.Fatalf("resumed feed = %+v, want the single new event", rest)
	}
}

func TestEventsAfterSplitsSharedTimestamps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("rejected payload"))

	// A non-retryable failure writes the failure event and the deadletter
	// event in one transaction, stamped with the same created_at.
	job := claimJob(t, store, "worker-a", time.Minute)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseQueued)
	if _, err := store.FailStage(context.Background(), job.JobID, "worker-a",
		fmt.Errorf("%w: unsupported mime type", faults.ErrValidation)); err != nil {
		t.Fatalf("fail stage: %v", err)
	}

	all, err := store.EventsAfter(context.Background(), time.Time{}, "", 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("event count = %d, want 4 (register, transition, failure, deadletter)", len(all))
	}
	// Event ids are random, so which sibling sorts first within the shared
	// timestamp varies; both statuses must be present either way.
	prev, last := all[2], all[3]
	siblings := map[pipeline.Status]bool{prev.ToStatus: true, last.ToStatus: true}
	if !siblings[pipeline.StatusFailedParse] || !siblings[pipeline.StatusDeadletter] {
		t.Fatalf("tail events = %s, %s, want failure and deadletter", prev.ToStatus, last.ToStatus)
	}
	if !prev.CreatedAt.Equal(last.CreatedAt) {
		t.Fatalf("sibling events landed on distinct timestamps: %s vs %s", prev.CreatedAt, last.CreatedAt)
	}

	// Resuming at the first sibling must still surface the second even
	// though both share a timestamp.
	rest, err := store.EventsAfter(context.Background(), prev.CreatedAt, prev.EventID, 100)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(rest) != 1 || rest[0].EventID != last.EventID {
		t.Fatalf("resumed feed = %+v, want the second sibling", rest)
	}

	// Resuming at the last event is the end of the feed.
	rest, err = store.EventsAfter(context.Background(), last.CreatedAt, last.EventID, 100)
	if err != nil {
		t.Fatalf("resume past end: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("feed past final event = %d events, want 0", len(rest))
	}
}

func TestEventsAfterLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("a"))
	testsupport.RegisterDocument(t, store, "owner-2", []byte("b"))
	testsupport.RegisterDocument(t, store, "owner-3", []byte("c"))

	limited, err := store.EventsAfter(context.Background(), time.Time{}, "", 2)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited feed = %d events, want 2", len(limited))
	}
}
