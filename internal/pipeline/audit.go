package pipeline

import (
	"context"
	"fmt"
)

// DocumentIdentityRow is the minimal projection the consistency validator
// and migration engine need to re-derive a document's identity.
type DocumentIdentityRow struct {
	DocumentID       string
	OwnerID          string
	ContentHash      string
	ProcessingStatus Status
	UpdatedAt        string
	ChunkCount       int
}

// ChunkIdentityRow is the projection needed to re-derive a chunk's identity.
type ChunkIdentityRow struct {
	ChunkID        string
	DocumentID     string
	ChunkerName    string
	ChunkerVersion string
	Ordinal        int
}

// DuplicateDocument describes an owner+hash pair bound to multiple rows.
type DuplicateDocument struct {
	OwnerID     string
	ContentHash string
	Count       int
}

// OrphanCounts tallies rows that reference a non-existent document.
type OrphanCounts struct {
	Chunks int
	Jobs   int
	Events int
}

// DocumentIdentityRows returns document identity projections with live
// chunk counts, newest first. A limit of 0 scans the full store.
func (s *Store) DocumentIdentityRows(ctx context.Context, limit int) ([]DocumentIdentityRow, error) {
	query := `SELECT d.document_id, d.owner_id, d.content_hash, d.processing_status, d.updated_at,
                 (SELECT COUNT(1) FROM chunks c WHERE c.document_id = d.document_id AND c.retired = 0)
          FROM documents d
          ORDER BY d.updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("document identity rows: %w", err)
	}
	defer rows.Close()

	var out []DocumentIdentityRow
	for rows.Next() {
		var row DocumentIdentityRow
		var statusStr string
		if err := rows.Scan(&row.DocumentID, &row.OwnerID, &row.ContentHash, &statusStr, &row.UpdatedAt, &row.ChunkCount); err != nil {
			return nil, err
		}
		row.ProcessingStatus = Status(statusStr)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ChunkIdentityRows returns chunk identity projections for a document,
// live generations only.
func (s *Store) ChunkIdentityRows(ctx context.Context, documentID string) ([]ChunkIdentityRow, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT chunk_id, document_id, chunker_name, chunker_version, ordinal
         FROM chunks WHERE document_id = ? AND retired = 0 ORDER BY ordinal`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("chunk identity rows: %w", err)
	}
	defer rows.Close()

	var out []ChunkIdentityRow
	for rows.Next() {
		var row ChunkIdentityRow
		if err := rows.Scan(&row.ChunkID, &row.DocumentID, &row.ChunkerName, &row.ChunkerVersion, &row.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountOrphans tallies chunks, jobs, and events referencing documents that
// no longer exist.
func (s *Store) CountOrphans(ctx context.Context) (OrphanCounts, error) {
	counts := OrphanCounts{}
	queries := []struct {
		table string
		dest  *int
	}{
		{"chunks", &counts.Chunks},
		{"jobs", &counts.Jobs},
		{"events", &counts.Events},
	}
	for _, q := range queries {
		err := s.db.QueryRowContext(ensureContext(ctx),
			`SELECT COUNT(1) FROM `+q.table+` t
             LEFT JOIN documents d ON t.document_id = d.document_id
             WHERE d.document_id IS NULL`).Scan(q.dest)
		if err != nil {
			return OrphanCounts{}, fmt.Errorf("count orphan %s: %w", q.table, err)
		}
	}
	return counts, nil
}

// DuplicateDocuments returns owner+hash pairs resolving to more than one
// document row. Any result is a correctness violation: identity must be
// unique per (owner, content hash).
func (s *Store) DuplicateDocuments(ctx context.Context) ([]DuplicateDocument, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT owner_id, content_hash, COUNT(1)
         FROM documents
         GROUP BY owner_id, content_hash
         HAVING COUNT(1) > 1`)
	if err != nil {
		return nil, fmt.Errorf("duplicate documents: %w", err)
	}
	defer rows.Close()

	var out []DuplicateDocument
	for rows.Next() {
		var dup DuplicateDocument
		if err := rows.Scan(&dup.OwnerID, &dup.ContentHash, &dup.Count); err != nil {
			return nil, err
		}
		out = append(out, dup)
	}
	return out, rows.Err()
}

// CountCompleteWithoutChunks returns documents marked complete that have
// no live chunks, a pipeline/store inconsistency.
func (s *Store) CountCompleteWithoutChunks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM documents d
         WHERE d.processing_status = ?
           AND NOT EXISTS (
               SELECT 1 FROM chunks c WHERE c.document_id = d.document_id AND c.retired = 0
           )`, StatusComplete).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count complete without chunks: %w", err)
	}
	return count, nil
}
