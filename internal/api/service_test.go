package api_test

import (
	"context"
	"testing"
	"time"

	"millrace/internal/api"
	"millrace/internal/pipeline"
	"millrace/internal/testsupport"
)

func TestListAndDescribe(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	svc := api.NewPipelineService(store)

	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("api visible"))

	docs, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("documents = %d, want 1", len(docs))
	}
	if docs[0].DocumentID != reg.Document.DocumentID {
		t.Fatalf("document id = %s", docs[0].DocumentID)
	}
	if docs[0].Status != string(pipeline.StatusUploaded) {
		t.Fatalf("status = %s", docs[0].Status)
	}

	detail, err := svc.Describe(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if detail == nil {
		t.Fatal("describe returned nil for an existing document")
	}
	if detail.Job == nil || detail.Job.JobID != reg.Job.JobID {
		t.Fatalf("job = %+v", detail.Job)
	}
	if len(detail.Events) != 1 {
		t.Fatalf("events = %d, want the registration event", len(detail.Events))
	}

	missing, err := svc.Describe(context.Background(), "no-such-document")
	if err != nil {
		t.Fatalf("describe missing: %v", err)
	}
	if missing != nil {
		t.Fatal("missing document must describe as nil")
	}
}

func TestStatsAndEvents(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	svc := api.NewPipelineService(store)

	testsupport.RegisterDocument(t, store, "owner-1", []byte("first"))
	testsupport.RegisterDocument(t, store, "owner-1", []byte("second"))

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Queued != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	feed, err := svc.Events(context.Background(), time.Time{}, "", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(feed.Events) != 2 {
		t.Fatalf("events = %d, want 2 registrations", len(feed.Events))
	}
	if feed.Next == "" || feed.NextID == "" {
		t.Fatalf("feed cursor incomplete: next=%q nextId=%q", feed.Next, feed.NextID)
	}
	if feed.NextID != feed.Events[1].EventID {
		t.Fatalf("nextId = %s, want the last event's id", feed.NextID)
	}

	cursor, err := time.Parse(time.RFC3339Nano, feed.Next)
	if err != nil {
		t.Fatalf("parse cursor: %v", err)
	}
	rest, err := svc.Events(context.Background(), cursor, feed.NextID, 10)
	if err != nil {
		t.Fatalf("resume events: %v", err)
	}
	if len(rest.Events) != 0 {
		t.Fatalf("resumed feed = %d events, want none past the cursor", len(rest.Events))
	}
}

func TestNilServiceIsSafe(t *testing.T) {
	var svc *api.PipelineService
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("nil list: %v", err)
	}
	if _, err := svc.Stats(context.Background()); err != nil {
		t.Fatalf("nil stats: %v", err)
	}
	if api.NewPipelineService(nil) != nil {
		t.Fatal("nil reader must produce a nil service")
	}
}
