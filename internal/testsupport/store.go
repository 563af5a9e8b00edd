package testsupport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"millrace/internal/config"
	"millrace/internal/pipeline"
)

// MustOpenStore opens a pipeline store against the test config and
// registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *pipeline.Store {
	t.Helper()

	store, err := pipeline.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

// WriteFile places content in a fresh temp directory and returns the path.
func WriteFile(t testing.TB, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// HashBytes returns the hex sha256 digest used as a content hash in tests.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RegisterDocument registers a document built from the given owner and
// content, failing the test on error.
func RegisterDocument(t testing.TB, store *pipeline.Store, owner string, content []byte) *pipeline.RegisterResult {
	t.Helper()

	result, err := store.RegisterDocument(context.Background(), pipeline.Registration{
		OwnerID:        owner,
		ContentHash:    HashBytes(content),
		Filename:       "sample.txt",
		MimeType:       "text/plain",
		ByteLength:     int64(len(content)),
		RawStoragePath: "/tmp/unused",
		MaxRetries:     3,
	})
	if err != nil {
		t.Fatalf("register document: %v", err)
	}
	return result
}
