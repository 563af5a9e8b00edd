// Package intake accepts raw document files: it hashes content, copies the
// bytes into the content-addressed raw store, and registers the document
// so the pipeline picks it up. Intake is idempotent end to end; handing it
// the same file twice lands on the same document.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"millrace/internal/config"
	"millrace/internal/faults"
	"millrace/internal/fileutil"
	"millrace/internal/logging"
	"millrace/internal/pipeline"
)

// Service ingests files into the pipeline.
type Service struct {
	cfg    *config.Config
	store  *pipeline.Store
	logger *slog.Logger
}

// New constructs an intake service.
func New(cfg *config.Config, store *pipeline.Store, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "intake")}
}

// Result reports an ingestion outcome.
type Result struct {
	Document *pipeline.Document
	Job      *pipeline.Job
	Created  bool
}

// Ingest copies the file at sourcePath into the raw store under its
// content hash and registers it for ownerID.
func (s *Service) Ingest(ctx context.Context, ownerID, sourcePath string) (*Result, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, faults.Wrap(faults.ErrValidation, "intake", "validate inputs", "owner id is required", nil)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "intake", "stat source",
			fmt.Sprintf("source file %s", sourcePath), err)
	}
	if info.IsDir() {
		return nil, faults.Wrap(faults.ErrValidation, "intake", "stat source",
			fmt.Sprintf("%s is a directory", sourcePath), nil)
	}

	filename := NormalizeFilename(filepath.Base(sourcePath))
	rawPath, hash, size, err := s.placeRaw(sourcePath)
	if err != nil {
		return nil, err
	}

	result, err := s.store.RegisterDocument(ctx, pipeline.Registration{
		OwnerID:        ownerID,
		ContentHash:    hash,
		Filename:       filename,
		MimeType:       detectMime(filename),
		ByteLength:     size,
		RawStoragePath: rawPath,
		MaxRetries:     s.cfg.Pipeline.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	logger := logging.WithContext(logging.WithDocumentID(ctx, result.Document.DocumentID), s.logger)
	if result.Created {
		logger.Info("document ingested",
			logging.String("filename", filename),
			logging.String("content_hash", hash),
			logging.Int64("byte_length", size))
	} else {
		logger.Info("duplicate upload resolved to existing document",
			logging.String("filename", filename),
			logging.String("content_hash", hash))
	}
	return &Result{Document: result.Document, Job: result.Job, Created: result.Created}, nil
}

// placeRaw copies the source into the content-addressed raw store. An
// existing raw file for the same hash is trusted: content addressing makes
// re-copying the same bytes a no-op.
func (s *Service) placeRaw(sourcePath string) (string, string, int64, error) {
	hash, size, err := fileutil.HashFile(sourcePath)
	if err != nil {
		return "", "", 0, faults.Wrap(faults.ErrTransient, "intake", "hash source", "", err)
	}

	rawPath := filepath.Join(s.cfg.Paths.RawDir, rawFileName(hash))
	if _, err := os.Stat(rawPath); err == nil {
		return rawPath, hash, size, nil
	}

	copied, copiedSize, err := fileutil.CopyVerified(sourcePath, rawPath)
	if err != nil {
		return "", "", 0, faults.Wrap(faults.ErrTransient, "intake", "copy to raw store", "", err)
	}
	if copied != hash || copiedSize != size {
		// The source changed between hashing and copying.
		_ = os.Remove(rawPath)
		return "", "", 0, faults.Wrap(faults.ErrTransient, "intake", "copy to raw store",
			"source file changed during ingestion", nil)
	}
	return rawPath, hash, size, nil
}

// NormalizeFilename applies Unicode NFC so the same visual name uploaded
// from different platforms (notably macOS NFD) records identically.
func NormalizeFilename(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func rawFileName(hash string) string {
	return hash + ".raw"
}

func detectMime(filename string) string {
	if ext := filepath.Ext(filename); ext != "" {
		if detected := mime.TypeByExtension(ext); detected != "" {
			return detected
		}
	}
	return "application/octet-stream"
}
