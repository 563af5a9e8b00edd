package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileMatchesHashReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	if err := os.WriteFile(path, []byte("stable bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	digest, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if size != int64(len("stable bytes")) {
		t.Fatalf("size = %d", size)
	}

	again, _, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if digest != again {
		t.Fatal("hashing is not deterministic")
	}
}

func TestCopyVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	content := []byte("bytes worth keeping")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	digest, size, err := CopyVerified(src, dst)
	if err != nil {
		t.Fatalf("copy verified: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("size = %d, want %d", size, len(content))
	}
	wantDigest, _, err := HashFile(src)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if digest != wantDigest {
		t.Fatalf("digest = %s, want %s", digest, wantDigest)
	}

	copied, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(copied) != string(content) {
		t.Fatal("copy differs from source")
	}
}

func TestCopyVerifiedMissingSource(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := CopyVerified(filepath.Join(dir, "absent"), filepath.Join(dir, "dst")); err == nil {
		t.Fatal("copying a missing source must fail")
	}
}
