package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"millrace/internal/faults"
	"millrace/internal/identity"
	"millrace/internal/pipeline"
	"millrace/internal/testsupport"
)

func claimJob(t *testing.T, store *pipeline.Store, worker string, ttl time.Duration) *pipeline.Job {
	t.Helper()
	job, err := store.ClaimNext(context.Background(), worker, ttl)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if job == nil {
		t.Fatal("expected a claimable job, got none")
	}
	return job
}

func completeStage(t *testing.T, store *pipeline.Store, jobID int64, worker string, next pipeline.Status) *pipeline.Job {
	t.Helper()
	job, err := store.CompleteStage(context.Background(), jobID, worker, next)
	if err != nil {
		t.Fatalf("complete stage to %s: %v", next, err)
	}
	return job
}

func TestRegisterDocumentIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	content := []byte("the same bytes twice")

	first := testsupport.RegisterDocument(t, store, "owner-1", content)
	if !first.Created {
		t.Fatal("first registration should create the document")
	}
	if first.Document.ProcessingStatus != pipeline.StatusUploaded {
		t.Fatalf("new document status = %s, want uploaded", first.Document.ProcessingStatus)
	}
	if first.Job == nil || first.Job.Status != pipeline.StatusUploaded {
		t.Fatal("registration should enqueue a job at uploaded")
	}

	wantID := identity.DocumentID("owner-1", testsupport.HashBytes(content))
	if first.Document.DocumentID != wantID {
		t.Fatalf("document id = %s, want deterministic %s", first.Document.DocumentID, wantID)
	}

	second := testsupport.RegisterDocument(t, store, "owner-1", content)
	if second.Created {
		t.Fatal("re-registration must not create a second document")
	}
	if second.Document.DocumentID != first.Document.DocumentID {
		t.Fatalf("re-registration returned %s, want %s", second.Document.DocumentID, first.Document.DocumentID)
	}
	if second.Job == nil || second.Job.JobID != first.Job.JobID {
		t.Fatal("re-registration should return the existing job")
	}

	docs, err := store.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("document count = %d, want 1", len(docs))
	}
}

func TestDifferentOwnersGetDistinctDocuments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	content := []byte("shared bytes")

	a := testsupport.RegisterDocument(t, store, "owner-a", content)
	b := testsupport.RegisterDocument(t, store, "owner-b", content)
	if !a.Created || !b.Created {
		t.Fatal("both registrations should create documents")
	}
	if a.Document.DocumentID == b.Document.DocumentID {
		t.Fatal("owners must not share document identity for identical content")
	}
}

func TestClaimNextIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("one job"))

	job := claimJob(t, store, "worker-a", time.Minute)
	if job.LeaseOwner != "worker-a" {
		t.Fatalf("lease owner = %s, want worker-a", job.LeaseOwner)
	}
	if job.LeaseToken == "" {
		t.Fatal("claim must mint a lease token")
	}

	other, err := store.ClaimNext(context.Background(), "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if other != nil {
		t.Fatalf("worker-b claimed job %d while worker-a holds the lease", other.JobID)
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	job, err := store.ClaimNext(context.Background(), "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if job != nil {
		t.Fatalf("claimed job %d from an empty queue", job.JobID)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("crashy"))

	// Negative TTL stamps a lease that is already expired, simulating a
	// worker that died mid-stage.
	stale := claimJob(t, store, "worker-a", -time.Second)

	job := claimJob(t, store, "worker-b", time.Minute)
	if job.JobID != stale.JobID {
		t.Fatalf("worker-b claimed job %d, want abandoned job %d", job.JobID, stale.JobID)
	}
	if job.LeaseOwner != "worker-b" {
		t.Fatalf("lease owner = %s, want worker-b", job.LeaseOwner)
	}
	if job.LeaseToken == stale.LeaseToken {
		t.Fatal("reclaim must mint a fresh lease token")
	}

	// The original worker's writes are dead on arrival.
	if _, err := store.CompleteStage(context.Background(), stale.JobID, "worker-a", pipeline.StatusParseQueued); !errors.Is(err, faults.ErrLeaseLost) {
		t.Fatalf("stale worker complete = %v, want lease lost", err)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("long stage"))

	job := claimJob(t, store, "worker-a", time.Minute)
	before := *job.LeaseExpiresAt

	if err := store.Heartbeat(context.Background(), job.JobID, "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	reloaded, err := store.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.LeaseExpiresAt == nil || !reloaded.LeaseExpiresAt.After(before) {
		t.Fatal("heartbeat should push the lease expiry forward")
	}
}

func TestHeartbeatAfterExpiryReturnsLeaseLost(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("doomed lease"))

	job := claimJob(t, store, "worker-a", -time.Second)
	err := store.Heartbeat(context.Background(), job.JobID, "worker-a", time.Minute)
	if !errors.Is(err, faults.ErrLeaseLost) {
		t.Fatalf("heartbeat on expired lease = %v, want lease lost", err)
	}
	if faults.KindOf(err) != faults.KindLease {
		t.Fatalf("kind = %s, want lease", faults.KindOf(err))
	}
}

func TestCompleteStageAdvancesAndManagesLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("forward march"))

	job := claimJob(t, store, "worker-a", time.Minute)

	// uploaded -> parse_queued is an intermediate stage entry; the lease
	// survives so the same worker drives the stage to its rest status.
	job = completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseQueued)
	if job.State != pipeline.StateActive {
		t.Fatalf("state = %s, want active while processing", job.State)
	}
	if job.LeaseOwner != "worker-a" {
		t.Fatal("lease must be retained across intermediate transitions")
	}

	job = completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParsed)
	if job.State != pipeline.StateQueued {
		t.Fatalf("state = %s, want queued at rest status", job.State)
	}
	if job.LeaseOwner != "" || job.LeaseToken != "" || job.LeaseExpiresAt != nil {
		t.Fatal("lease must be released at a rest status")
	}

	doc, err := store.GetDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.ProcessingStatus != pipeline.StatusParsed {
		t.Fatalf("document mirror = %s, want parsed", doc.ProcessingStatus)
	}

	events, err := store.EventsByDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// registration + two transitions
	if len(events) != 3 {
		t.Fatalf("event count = %d, want 3", len(events))
	}
}

func TestCompleteStageRejectsIllegalTransition(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("no skipping"))

	job := claimJob(t, store, "worker-a", time.Minute)
	_, err := store.CompleteStage(context.Background(), job.JobID, "worker-a", pipeline.StatusChunksStored)
	if !errors.Is(err, faults.ErrInvariant) {
		t.Fatalf("skip-ahead transition = %v, want invariant violation", err)
	}
	if !errors.Is(err, pipeline.ErrIllegalTransition) {
		t.Fatalf("error should carry the illegal-transition cause, got %v", err)
	}

	reloaded, getErr := store.GetJob(context.Background(), job.JobID)
	if getErr != nil {
		t.Fatalf("get job: %v", getErr)
	}
	if reloaded.Status != pipeline.StatusUploaded {
		t.Fatalf("status = %s, rejection must not move the job", reloaded.Status)
	}
	if reloaded.LeaseOwner != "worker-a" {
		t.Fatal("rejection must not release the lease")
	}

	events, err := store.EventsByDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var rejected int
	for _, event := range events {
		if event.Detail == "transition_rejected" {
			rejected++
			if event.FromStatus != pipeline.StatusUploaded || event.ToStatus != pipeline.StatusChunksStored {
				t.Fatalf("rejected event edge = %s -> %s", event.FromStatus, event.ToStatus)
			}
		}
	}
	if rejected != 1 {
		t.Fatalf("transition_rejected events = %d, want 1", rejected)
	}
}

func TestFailStageRetriesThenDeadletters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("flaky storage"))
	transient := faults.Wrap(faults.ErrTransient, "parse", "fetch raw bytes", "storage timeout", nil)

	var final *pipeline.Job
	for attempt := 1; attempt <= 3; attempt++ {
		job := claimJob(t, store, "worker-a", time.Minute)
		if job.Status == pipeline.StatusFailedParse {
			// Retry edge back to the start of the parse stage.
			completeStage(t, store, job.JobID, "worker-a", pipeline.StatusUploaded)
			job = claimJob(t, store, "worker-a", time.Minute)
		}
		completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseQueued)

		failed, err := store.FailStage(context.Background(), job.JobID, "worker-a", transient)
		if err != nil {
			t.Fatalf("fail stage attempt %d: %v", attempt, err)
		}
		if failed.RetryCount != attempt {
			t.Fatalf("retry count after attempt %d = %d", attempt, failed.RetryCount)
		}
		if failed.LeaseOwner != "" {
			t.Fatal("failure must release the lease")
		}
		final = failed
	}

	if final.Status != pipeline.StatusDeadletter {
		t.Fatalf("status after exhausting retries = %s, want deadletter", final.Status)
	}
	if final.State != pipeline.StateDeadletter {
		t.Fatalf("state = %s, want deadletter", final.State)
	}
	if final.LastError == "" {
		t.Fatal("last error should record the failure message")
	}

	doc, err := store.GetDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.ProcessingStatus != pipeline.StatusDeadletter {
		t.Fatalf("document mirror = %s, want deadletter", doc.ProcessingStatus)
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
	if failures != 3 {
		t.Fatalf("failure events = %d, want exactly 3", failures)
	}
	if deadletters != 1 {
		t.Fatalf("deadletter events = %d, want exactly 1", deadletters)
	}

	if job, err := store.ClaimNext(context.Background(), "worker-b", time.Minute); err != nil || job != nil {
		t.Fatalf("deadletter job must not be claimable, got job=%v err=%v", job, err)
	}
}

func TestFailStageValidationSkipsRetries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("not really a pdf"))

	job := claimJob(t, store, "worker-a", time.Minute)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseQueued)

	invalid := faults.Wrap(faults.ErrValidation, "parse", "decode", "unsupported container", nil)
	failed, err := store.FailStage(context.Background(), job.JobID, "worker-a", invalid)
	if err != nil {
		t.Fatalf("fail stage: %v", err)
	}
	if failed.Status != pipeline.StatusDeadletter {
		t.Fatalf("status = %s, validation failures must dead-letter immediately", failed.Status)
	}
	if failed.RetryCount != 0 {
		t.Fatalf("retry count = %d, validation failures consume no retries", failed.RetryCount)
	}

	events, err := store.EventsByDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var sawKind bool
	for _, event := range events {
		if event.ToStatus == pipeline.StatusFailedParse && event.Detail != "" {
			sawKind = true
			if want := "kind=validation"; len(event.Detail) < len(want) || event.Detail[:len(want)] != want {
				t.Fatalf("failure event detail = %q, want kind=validation prefix", event.Detail)
			}
		}
	}
	if !sawKind {
		t.Fatal("failure event with classified kind not found")
	}
	var sawReason bool
	for _, event := range events {
		if event.ToStatus == pipeline.StatusDeadletter {
			sawReason = true
			if want := "non-retryable validation failure"; event.Detail != want {
				t.Fatalf("deadletter event detail = %q, want %q", event.Detail, want)
			}
		}
	}
	if !sawReason {
		t.Fatal("deadletter event not found")
	}
}

func TestFailStageAtRestStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("corrupt before first step"))

	// A worker can fail while the job still sits at its claimed rest
	// status, before any in-stage transition: the failure routes to the
	// failure state of the stage ahead and the lease is released.
	job := claimJob(t, store, "worker-a", time.Minute)
	if job.Status != pipeline.StatusUploaded {
		t.Fatalf("claimed status = %s, want uploaded", job.Status)
	}
	transient := faults.Wrap(faults.ErrTransient, "parse", "load document", "raw object missing", nil)
	failed, err := store.FailStage(context.Background(), job.JobID, "worker-a", transient)
	if err != nil {
		t.Fatalf("fail stage at uploaded: %v", err)
	}
	if failed.Status != pipeline.StatusFailedParse {
		t.Fatalf("status = %s, want failed_parse", failed.Status)
	}
	if failed.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", failed.RetryCount)
	}
	if failed.LeaseOwner != "" {
		t.Fatal("failure must release the lease")
	}

	// Advance past parsing, then fail validation-style while resting at
	// parse_validated: the job must reach deadletter, not wedge.
	job = claimJob(t, store, "worker-a", time.Minute)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusUploaded)
	job = claimJob(t, store, "worker-a", time.Minute)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseQueued)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParsed)
	job = claimJob(t, store, "worker-a", time.Minute)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseValidated)
	job = claimJob(t, store, "worker-a", time.Minute)

	invalid := faults.Wrap(faults.ErrValidation, "chunk", "decode payload", "payload is not json", nil)
	failed, err = store.FailStage(context.Background(), job.JobID, "worker-a", invalid)
	if err != nil {
		t.Fatalf("fail stage at parse_validated: %v", err)
	}
	if failed.Status != pipeline.StatusDeadletter {
		t.Fatalf("status = %s, want deadletter", failed.Status)
	}

	events, err := store.EventsByDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var sawChunkFailure bool
	for _, event := range events {
		if event.ToStatus == pipeline.StatusFailedChunking {
			sawChunkFailure = true
		}
	}
	if !sawChunkFailure {
		t.Fatal("failure at parse_validated must record a failed_chunking event")
	}
}

func TestRequeueDeadletter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("second chance"))

	job := claimJob(t, store, "worker-a", time.Minute)
	completeStage(t, store, job.JobID, "worker-a", pipeline.StatusParseQueued)
	invalid := faults.Wrap(faults.ErrValidation, "parse", "decode", "bad input", nil)
	if _, err := store.FailStage(context.Background(), job.JobID, "worker-a", invalid); err != nil {
		t.Fatalf("fail stage: %v", err)
	}

	requeued, err := store.RequeueDeadletter(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	reloaded, err := store.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != pipeline.StatusUploaded || reloaded.State != pipeline.StateQueued {
		t.Fatalf("requeued job = %s/%s, want uploaded/queued", reloaded.Status, reloaded.State)
	}
	if reloaded.RetryCount != 0 || reloaded.LastError != "" {
		t.Fatal("requeue must grant a fresh retry budget")
	}

	doc, err := store.GetDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.ProcessingStatus != pipeline.StatusUploaded {
		t.Fatalf("document mirror = %s, want uploaded", doc.ProcessingStatus)
	}

	if claimed := claimJob(t, store, "worker-b", time.Minute); claimed.JobID != job.JobID {
		t.Fatalf("claimed job %d, want requeued job %d", claimed.JobID, job.JobID)
	}
}

func TestFullPipelineRunReachesComplete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("clean run"))

	for {
		job, err := store.ClaimNext(context.Background(), "worker-a", time.Minute)
		if err != nil {
			t.Fatalf("claim next: %v", err)
		}
		if job == nil {
			break
		}
		for {
			next, ok := pipeline.NextForward(job.Status)
			if !ok {
				t.Fatalf("no forward edge from %s", job.Status)
			}
			job = completeStage(t, store, job.JobID, "worker-a", next)
			if !pipeline.IsProcessingStatus(job.Status) {
				break
			}
		}
		if pipeline.IsTerminalStatus(job.Status) {
			break
		}
	}

	doc, err := store.GetDocument(context.Background(), reg.Document.DocumentID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.ProcessingStatus != pipeline.StatusComplete {
		t.Fatalf("document mirror = %s, want complete", doc.ProcessingStatus)
	}

	stats, err := store.JobStats(context.Background())
	if err != nil {
		t.Fatalf("job stats: %v", err)
	}
	if stats.Done != 1 || stats.Total != 1 {
		t.Fatalf("stats = %+v, want one done job", stats)
	}

	if job, err := store.ClaimNext(context.Background(), "worker-b", time.Minute); err != nil || job != nil {
		t.Fatalf("complete job must not be claimable, got job=%v err=%v", job, err)
	}
}
