package testsupport

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// Exec runs one statement against the database file directly, bypassing the
// store. Used to plant legacy or inconsistent fixture rows that the public
// store API refuses to create.
func Exec(t testing.TB, dbPath, query string, args ...any) {
	t.Helper()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("fixture exec %q: %v", query, err)
	}
}

// InsertLegacyDocument plants a document row with an arbitrary (typically
// non-deterministic) identifier, the shape migration runs operate on.
func InsertLegacyDocument(t testing.TB, dbPath, documentID, ownerID, contentHash string, status string) {
	t.Helper()
	Exec(t, dbPath,
		`INSERT INTO documents (
            document_id, owner_id, content_hash, filename, mime_type,
            byte_length, raw_storage_path, processing_status, created_at, updated_at
        ) VALUES (?, ?, ?, 'legacy.txt', 'text/plain', 42, '/tmp/legacy', ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'), strftime('%Y-%m-%dT%H:%M:%fZ','now'))`,
		documentID, ownerID, contentHash, status)
}

// InsertLegacyChunk plants a chunk row bound to a document, with an
// arbitrary chunk identifier.
func InsertLegacyChunk(t testing.TB, dbPath, chunkID, documentID, chunkerName, chunkerVersion string, ordinal int) {
	t.Helper()
	Exec(t, dbPath,
		`INSERT INTO chunks (
            chunk_id, document_id, chunker_name, chunker_version, ordinal,
            text, content_hash, vector_dimension, retired, created_at
        ) VALUES (?, ?, ?, ?, ?, 'legacy chunk text', 'cafebabe', 0, 0, strftime('%Y-%m-%dT%H:%M:%fZ','now'))`,
		chunkID, documentID, chunkerName, chunkerVersion, ordinal)
}
