package pipeline_test

import (
	"context"
	"testing"

	"millrace/internal/pipeline"
	"millrace/internal/testsupport"
)

func TestDuplicateDocumentsDetection(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("clean"))

	// The store's registration path refuses duplicates; plant one the way a
	// buggy legacy writer would have.
	reg := testsupport.RegisterDocument(t, store, "owner-2", []byte("duped"))
	testsupport.InsertLegacyDocument(t, store.Path(), "legacy-duplicate-row",
		reg.Document.OwnerID, reg.Document.ContentHash, string(pipeline.StatusUploaded))

	dups, err := store.DuplicateDocuments(context.Background())
	if err != nil {
		t.Fatalf("duplicate documents: %v", err)
	}
	if len(dups) != 1 {
		t.Fatalf("duplicate groups = %d, want 1", len(dups))
	}
	if dups[0].OwnerID != "owner-2" || dups[0].Count != 2 {
		t.Fatalf("duplicate group = %+v", dups[0])
	}
}

func TestCountOrphans(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.RegisterDocument(t, store, "owner-1", []byte("intact"))

	testsupport.InsertLegacyChunk(t, store.Path(), "orphan-chunk-1", "ghost-document", "simple_chunker", "1", 0)
	testsupport.InsertLegacyChunk(t, store.Path(), "orphan-chunk-2", "ghost-document", "simple_chunker", "1", 1)
	testsupport.Exec(t, store.Path(),
		`INSERT INTO jobs (document_id, state, status, retry_count, max_retries, created_at, updated_at)
         VALUES ('ghost-document', 'queued', 'uploaded', 0, 3,
                 strftime('%Y-%m-%dT%H:%M:%fZ','now'), strftime('%Y-%m-%dT%H:%M:%fZ','now'))`)
	testsupport.Exec(t, store.Path(),
		`INSERT INTO events (event_id, document_id, job_id, from_status, to_status, created_at)
         VALUES ('orphan-event', 'ghost-document', NULL, '', 'uploaded',
                 strftime('%Y-%m-%dT%H:%M:%fZ','now'))`)

	counts, err := store.CountOrphans(context.Background())
	if err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if counts.Chunks != 2 {
		t.Fatalf("orphan chunks = %d, want 2", counts.Chunks)
	}
	if counts.Jobs != 1 {
		t.Fatalf("orphan jobs = %d, want 1", counts.Jobs)
	}
	if counts.Events != 1 {
		t.Fatalf("orphan events = %d, want 1", counts.Events)
	}
}

func TestCountCompleteWithoutChunks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	testsupport.InsertLegacyDocument(t, store.Path(), "complete-but-empty", "owner-1",
		"deadbeef01", string(pipeline.StatusComplete))
	testsupport.InsertLegacyDocument(t, store.Path(), "complete-with-chunks", "owner-1",
		"deadbeef02", string(pipeline.StatusComplete))
	testsupport.InsertLegacyChunk(t, store.Path(), "present-chunk", "complete-with-chunks", "simple_chunker", "1", 0)

	count, err := store.CountCompleteWithoutChunks(context.Background())
	if err != nil {
		t.Fatalf("count complete without chunks: %v", err)
	}
	if count != 1 {
		t.Fatalf("complete-without-chunks = %d, want 1", count)
	}
}

func TestDocumentIdentityRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("counted"))
	docID := reg.Document.DocumentID

	chunks := buildChunks(docID, "simple_chunker", "1", 3)
	if err := store.StoreChunks(context.Background(), docID, chunks); err != nil {
		t.Fatalf("store chunks: %v", err)
	}
	// A retired generation must not inflate the live count.
	v2 := buildChunks(docID, "simple_chunker", "2", 2)
	if err := store.StoreChunks(context.Background(), docID, v2); err != nil {
		t.Fatalf("store v2 chunks: %v", err)
	}

	rows, err := store.DocumentIdentityRows(context.Background(), 0)
	if err != nil {
		t.Fatalf("document identity rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("row count = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.DocumentID != docID || row.OwnerID != "owner-1" {
		t.Fatalf("row = %+v", row)
	}
	if row.ChunkCount != 2 {
		t.Fatalf("live chunk count = %d, want 2", row.ChunkCount)
	}

	chunkRows, err := store.ChunkIdentityRows(context.Background(), docID)
	if err != nil {
		t.Fatalf("chunk identity rows: %v", err)
	}
	if len(chunkRows) != 2 {
		t.Fatalf("chunk identity rows = %d, want 2 live", len(chunkRows))
	}
	for i, cr := range chunkRows {
		if cr.Ordinal != i || cr.ChunkerVersion != "2" {
			t.Fatalf("chunk identity row %d = %+v", i, cr)
		}
	}
}
