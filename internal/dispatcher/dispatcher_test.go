package dispatcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"millrace/internal/config"
	"millrace/internal/dispatcher"
	"millrace/internal/logging"
	"millrace/internal/metrics"
	"millrace/internal/pipeline"
	"millrace/internal/testsupport"
)

func newDispatcher(t *testing.T, cfg *config.Config, store *pipeline.Store) *dispatcher.Dispatcher {
	t.Helper()
	return dispatcher.New(cfg, store, logging.NewNop(), metrics.NewCollector())
}

func registerWithFile(t *testing.T, store *pipeline.Store, cfg *config.Config, owner string, content []byte) *pipeline.RegisterResult {
	t.Helper()
	path := filepath.Join(cfg.Paths.RawDir, owner+"-raw.txt")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write raw file: %v", err)
	}
	result, err := store.RegisterDocument(context.Background(), pipeline.Registration{
		OwnerID:        owner,
		ContentHash:    testsupport.HashBytes(content),
		Filename:       "raw.txt",
		MimeType:       "text/plain",
		ByteLength:     int64(len(content)),
		RawStoragePath: path,
		MaxRetries:     cfg.Pipeline.MaxRetries,
	})
	if err != nil {
		t.Fatalf("register document: %v", err)
	}
	return result
}

// drain processes claims until the queue is empty.
func drain(t *testing.T, d *dispatcher.Dispatcher, worker string) int {
	t.Helper()
	processed := 0
	for {
		ok, err := d.ProcessOne(context.Background(), worker)
		if err != nil {
			t.Fatalf("process one: %v", err)
		}
		if !ok {
			return processed
		}
		processed++
		if processed > 100 {
			t.Fatal("dispatcher did not drain; jobs are looping")
		}
	}
}

func TestDispatcherDrivesDocumentToComplete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Chunking.WindowRunes = 16
	cfg.Chunking.OverlapRunes = 4
	cfg.Embedding.VectorDimension = 8
	store := testsupport.MustOpenStore(t, cfg)
	reg := registerWithFile(t, store, cfg, "owner-1",
		[]byte("a document long enough to produce several chunks of text for the pipeline"))

	d := newDispatcher(t, cfg, store)
	drain(t, d, "worker-a")

	doc, err := store.GetDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.ProcessingStatus != pipeline.StatusComplete {
		job, _ := store.JobByDocument(context.Background(), doc.DocumentID)
		t.Fatalf("document status = %s, want complete (job: %+v)", doc.ProcessingStatus, job)
	}

	chunks, err := store.ChunksByDocument(context.Background(), doc.DocumentID, false)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("completed document has no chunks")
	}
	for _, chunk := range chunks {
		if len(chunk.Embedding) != 8 {
			t.Fatalf("chunk %s embedding dimension = %d, want 8", chunk.ChunkID, len(chunk.Embedding))
		}
	}

	if d.LastError() != nil {
		t.Fatalf("clean run recorded error: %v", d.LastError())
	}
}

func TestDispatcherRetriesTransientThenDeadletters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.TransientBackoffMS = 1
	store := testsupport.MustOpenStore(t, cfg)

	// Raw file never written: every parse attempt fails transiently.
	reg, err := store.RegisterDocument(context.Background(), pipeline.Registration{
		OwnerID:        "owner-1",
		ContentHash:    testsupport.HashBytes([]byte("phantom")),
		Filename:       "phantom.txt",
		MimeType:       "text/plain",
		ByteLength:     7,
		RawStoragePath: filepath.Join(cfg.Paths.RawDir, "never-uploaded.txt"),
		MaxRetries:     3,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	d := newDispatcher(t, cfg, store)
	drain(t, d, "worker-a")

	job, err := store.JobByDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != pipeline.StatusDeadletter {
		t.Fatalf("job status = %s, want deadletter", job.Status)
	}
	if job.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", job.RetryCount)
	}

	events, err := store.EventsByDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var failures, deadletters int
	for _, event := range events {
		switch event.ToStatus {
		case pipeline.StatusFailedParse:
			failures++
		case pipeline.StatusDeadletter:
			deadletters++
		}
	}
	if failures != 3 || deadletters != 1 {
		t.Fatalf("failure events = %d, deadletter events = %d, want 3 and 1", failures, deadletters)
	}
}

func TestDispatcherDeadlettersValidationFailureImmediately(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.TransientBackoffMS = 1
	store := testsupport.MustOpenStore(t, cfg)
	reg := registerWithFile(t, store, cfg, "owner-1", []byte{0xff, 0xfe, 0x01})

	d := newDispatcher(t, cfg, store)
	processed := drain(t, d, "worker-a")
	if processed != 1 {
		t.Fatalf("processed = %d claims, validation failure should need exactly 1", processed)
	}

	job, err := store.JobByDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != pipeline.StatusDeadletter {
		t.Fatalf("job status = %s, want deadletter", job.Status)
	}
	if job.RetryCount != 0 {
		t.Fatalf("retry count = %d, validation failures burn no retries", job.RetryCount)
	}
}

func TestDispatcherResumesCrashedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	content := []byte("interrupted mid-parse but recoverable")
	registerWithFile(t, store, cfg, "owner-1", content)

	// Simulate a worker that claimed the job, entered parse_queued, and
	// died. The lease is expired, so the job is claimable at a processing
	// status.
	stale, err := store.ClaimNext(context.Background(), "dead-worker", time.Minute)
	if err != nil || stale == nil {
		t.Fatalf("stale claim: job=%v err=%v", stale, err)
	}
	if _, err := store.CompleteStage(context.Background(), stale.JobID, "dead-worker", pipeline.StatusParseQueued); err != nil {
		t.Fatalf("enter processing: %v", err)
	}
	testsupport.Exec(t, store.Path(),
		`UPDATE jobs SET lease_expires_at = '2000-01-01T00:00:00.000000000Z' WHERE job_id = ?`, stale.JobID)

	d := newDispatcher(t, cfg, store)
	drain(t, d, "worker-b")

	job, err := store.GetJob(context.Background(), stale.JobID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != pipeline.StatusComplete {
		t.Fatalf("resumed job status = %s, want complete", job.Status)
	}
}

func TestDispatcherStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	d := newDispatcher(t, cfg, store)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.Running() {
		t.Fatal("dispatcher should report running")
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("double start must fail")
	}
	d.Stop()
	if d.Running() {
		t.Fatal("dispatcher should report stopped")
	}
	// Stop is idempotent.
	d.Stop()
}
