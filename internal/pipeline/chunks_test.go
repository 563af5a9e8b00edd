package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"millrace/internal/identity"
	"millrace/internal/pipeline"
	"millrace/internal/testsupport"
)

func buildChunks(documentID, chunkerName, chunkerVersion string, count int) []*pipeline.Chunk {
	chunks := make([]*pipeline.Chunk, 0, count)
	for i := 0; i < count; i++ {
		text := fmt.Sprintf("chunk %d of %s", i, documentID)
		chunks = append(chunks, &pipeline.Chunk{
			ChunkID:        identity.ChunkID(documentID, chunkerName, chunkerVersion, i),
			DocumentID:     documentID,
			ChunkerName:    chunkerName,
			ChunkerVersion: chunkerVersion,
			Ordinal:        i,
			Text:           text,
			ContentHash:    testsupport.HashBytes([]byte(text)),
		})
	}
	return chunks
}

func TestStoreChunksIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("chunk me"))
	docID := reg.Document.DocumentID

	chunks := buildChunks(docID, "simple_chunker", "1", 4)
	if err := store.StoreChunks(context.Background(), docID, chunks); err != nil {
		t.Fatalf("store chunks: %v", err)
	}
	// Re-running the same chunker generation must not duplicate rows.
	if err := store.StoreChunks(context.Background(), docID, chunks); err != nil {
		t.Fatalf("store chunks again: %v", err)
	}

	count, err := store.CountChunks(context.Background(), docID)
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if count != 4 {
		t.Fatalf("live chunk count = %d, want 4", count)
	}

	stored, err := store.ChunksByDocument(context.Background(), docID, false)
	if err != nil {
		t.Fatalf("chunks by document: %v", err)
	}
	for i, chunk := range stored {
		if chunk.Ordinal != i {
			t.Fatalf("chunk %d has ordinal %d", i, chunk.Ordinal)
		}
		if chunk.ChunkID != chunks[i].ChunkID {
			t.Fatalf("chunk %d id drifted: %s != %s", i, chunk.ChunkID, chunks[i].ChunkID)
		}
	}
}

func TestNewChunkerVersionRetiresOldGeneration(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("re-chunk me"))
	docID := reg.Document.DocumentID

	v1 := buildChunks(docID, "simple_chunker", "1", 3)
	if err := store.StoreChunks(context.Background(), docID, v1); err != nil {
		t.Fatalf("store v1 chunks: %v", err)
	}
	v2 := buildChunks(docID, "simple_chunker", "2", 5)
	if err := store.StoreChunks(context.Background(), docID, v2); err != nil {
		t.Fatalf("store v2 chunks: %v", err)
	}

	// Version change must mint new identity, not overwrite.
	if v1[0].ChunkID == v2[0].ChunkID {
		t.Fatal("chunk ids must differ across chunker versions")
	}

	live, err := store.ChunksByDocument(context.Background(), docID, false)
	if err != nil {
		t.Fatalf("live chunks: %v", err)
	}
	if len(live) != 5 {
		t.Fatalf("live chunks = %d, want 5 from v2", len(live))
	}
	for _, chunk := range live {
		if chunk.ChunkerVersion != "2" {
			t.Fatalf("live chunk %s has version %s", chunk.ChunkID, chunk.ChunkerVersion)
		}
	}

	all, err := store.ChunksByDocument(context.Background(), docID, true)
	if err != nil {
		t.Fatalf("all chunks: %v", err)
	}
	if len(all) != 8 {
		t.Fatalf("total chunks = %d, want 8 (3 retired + 5 live)", len(all))
	}
	var retired int
	for _, chunk := range all {
		if chunk.Retired {
			retired++
		}
	}
	if retired != 3 {
		t.Fatalf("retired chunks = %d, want 3", retired)
	}
}

func TestSetChunkEmbedding(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.RegisterDocument(t, store, "owner-1", []byte("embed me"))
	docID := reg.Document.DocumentID

	chunks := buildChunks(docID, "simple_chunker", "1", 1)
	if err := store.StoreChunks(context.Background(), docID, chunks); err != nil {
		t.Fatalf("store chunks: %v", err)
	}

	vector := []float32{0.25, -0.5, 0.125}
	if err := store.SetChunkEmbedding(context.Background(), chunks[0].ChunkID, "hash-embedder-v1", vector); err != nil {
		t.Fatalf("set embedding: %v", err)
	}

	stored, err := store.ChunksByDocument(context.Background(), docID, false)
	if err != nil {
		t.Fatalf("chunks by document: %v", err)
	}
	chunk := stored[0]
	if chunk.EmbeddingModel != "hash-embedder-v1" {
		t.Fatalf("embedding model = %s", chunk.EmbeddingModel)
	}
	if chunk.VectorDimension != 3 || len(chunk.Embedding) != 3 {
		t.Fatalf("vector dimension = %d, embedding len = %d, want 3", chunk.VectorDimension, len(chunk.Embedding))
	}
	if chunk.Embedding[1] != -0.5 {
		t.Fatalf("embedding round-trip drifted: %v", chunk.Embedding)
	}

	if err := store.SetChunkEmbedding(context.Background(), "no-such-chunk", "hash-embedder-v1", vector); err == nil {
		t.Fatal("embedding an unknown chunk should fail")
	}
}
