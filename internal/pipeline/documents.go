package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"millrace/internal/faults"
	"millrace/internal/identity"
)

// Registration describes a document to be registered.
type Registration struct {
	OwnerID        string
	ContentHash    string
	Filename       string
	MimeType       string
	ByteLength     int64
	RawStoragePath string
	MaxRetries     int
}

// RegisterResult is the outcome of an idempotent registration.
type RegisterResult struct {
	Document *Document
	Job      *Job
	Created  bool
}

// RegisterDocument registers a document and enqueues its job. Re-registering
// the same (owner, content hash) returns the existing document and job
// without creating a second row. The document ID is deterministic; an ID
// collision against a row with a different owner or hash is an identity
// conflict, never silently merged.
func (s *Store) RegisterDocument(ctx context.Context, reg Registration) (*RegisterResult, error) {
	if reg.OwnerID == "" || reg.ContentHash == "" {
		return nil, errors.New("owner id and content hash are required")
	}
	if reg.MaxRetries <= 0 {
		reg.MaxRetries = 3
	}

	docID := identity.DocumentID(reg.OwnerID, reg.ContentHash)
	now := time.Now().UTC()
	result := &RegisterResult{}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanDocumentRow(tx.QueryRowContext(ctx,
			`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? AND content_hash = ? ORDER BY created_at LIMIT 1`,
			reg.OwnerID, reg.ContentHash))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup existing document: %w", err)
		}
		if existing != nil {
			job, err := scanJobRow(tx.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE document_id = ? ORDER BY job_id DESC LIMIT 1`,
				existing.DocumentID))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup existing job: %w", err)
			}
			result.Document = existing
			result.Job = job
			result.Created = false
			return nil
		}

		collided, err := scanDocumentRow(tx.QueryRowContext(ctx,
			`SELECT `+documentColumns+` FROM documents WHERE document_id = ?`, docID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup colliding document: %w", err)
		}
		if collided != nil {
			return faults.Wrap(faults.ErrIdentity, "register", "insert document",
				fmt.Sprintf("document id %s already bound to owner %s", docID, collided.OwnerID), nil)
		}

		timestamp := formatTime(now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (
                document_id, owner_id, content_hash, filename, mime_type,
                byte_length, raw_storage_path, processing_status, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			docID, reg.OwnerID, reg.ContentHash, reg.Filename, reg.MimeType,
			reg.ByteLength, reg.RawStoragePath, StatusUploaded, timestamp, timestamp,
		); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (
                document_id, state, status, retry_count, max_retries, created_at, updated_at
            ) VALUES (?, ?, ?, 0, ?, ?, ?)`,
			docID, StateQueued, StatusUploaded, reg.MaxRetries, timestamp, timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		jobID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		if err := appendEventTx(ctx, tx, docID, jobID, "", StatusUploaded, "document registered", now); err != nil {
			return err
		}

		doc, err := scanDocumentRow(tx.QueryRowContext(ctx,
			`SELECT `+documentColumns+` FROM documents WHERE document_id = ?`, docID))
		if err != nil {
			return fmt.Errorf("reload document: %w", err)
		}
		job, err := scanJobRow(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		result.Document = doc
		result.Job = job
		result.Created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetDocument fetches a document by identifier. Returns nil when absent.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	doc, err := scanDocumentRow(s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+documentColumns+` FROM documents WHERE document_id = ?`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// FindDocumentByContent returns the first document matching an owner and
// content hash.
func (s *Store) FindDocumentByContent(ctx context.Context, ownerID, contentHash string) (*Document, error) {
	doc, err := scanDocumentRow(s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? AND content_hash = ? ORDER BY created_at LIMIT 1`,
		ownerID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document by content: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents ordered by creation time, optionally
// filtered by processing status.
func (s *Store) ListDocuments(ctx context.Context, statuses ...Status) ([]*Document, error) {
	baseQuery := `SELECT ` + documentColumns + ` FROM documents`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ensureContext(ctx), baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ensureContext(ctx),
			baseQuery+` WHERE processing_status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and cascades to its chunks, jobs, and
// events. Reserved for explicit reset tooling; the pipeline itself never
// deletes documents.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"chunks", "jobs", "events"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE document_id = ?`, documentID); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE document_id = ?`, documentID)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		removed = affected > 0
		return nil
	})
	return removed, err
}

const documentColumns = "document_id, owner_id, content_hash, filename, mime_type, byte_length, raw_storage_path, processing_status, created_at, updated_at"

func scanDocumentRow(scanner interface{ Scan(dest ...any) error }) (*Document, error) {
	var (
		doc        Document
		statusStr  string
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&doc.DocumentID,
		&doc.OwnerID,
		&doc.ContentHash,
		&doc.Filename,
		&doc.MimeType,
		&doc.ByteLength,
		&doc.RawStoragePath,
		&statusStr,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	doc.ProcessingStatus = Status(statusStr)
	if created, err := parseTimeString(createdRaw); err == nil {
		doc.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		doc.UpdatedAt = updated
	}
	return &doc, nil
}
