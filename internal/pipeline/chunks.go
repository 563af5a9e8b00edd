package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StoreChunks persists a chunk generation for a document. Chunks from a
// different chunker name/version are retired, never deleted; re-running
// the same chunker version upserts by deterministic chunk ID so
// re-processing cannot duplicate rows.
func (s *Store) StoreChunks(ctx context.Context, documentID string, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return errors.New("no chunks to store")
	}
	now := time.Now().UTC()
	chunkerName := chunks[0].ChunkerName
	chunkerVersion := chunks[0].ChunkerVersion

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET retired = 1
             WHERE document_id = ? AND retired = 0
               AND (chunker_name != ? OR chunker_version != ?)`,
			documentID, chunkerName, chunkerVersion); err != nil {
			return fmt.Errorf("retire superseded chunks: %w", err)
		}

		for _, chunk := range chunks {
			embedding, err := marshalEmbedding(chunk.Embedding)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (
                    chunk_id, document_id, chunker_name, chunker_version, ordinal,
                    text, content_hash, embedding_model, embedding_json,
                    vector_dimension, retired, created_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
                ON CONFLICT(chunk_id) DO UPDATE SET
                    text = excluded.text,
                    content_hash = excluded.content_hash,
                    retired = 0`,
				chunk.ChunkID, documentID, chunk.ChunkerName, chunk.ChunkerVersion, chunk.Ordinal,
				chunk.Text, chunk.ContentHash, nullableString(chunk.EmbeddingModel), embedding,
				chunk.VectorDimension, formatTime(now),
			); err != nil {
				return fmt.Errorf("store chunk %s: %w", chunk.ChunkID, err)
			}
		}
		return nil
	})
}

// SetChunkEmbedding records the embedding vector for a chunk.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID, model string, vector []float32) error {
	embedding, err := marshalEmbedding(vector)
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE chunks
         SET embedding_model = ?, embedding_json = ?, vector_dimension = ?
         WHERE chunk_id = ?`,
		model, embedding, len(vector), chunkID)
	if err != nil {
		return fmt.Errorf("set chunk embedding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("chunk %s not found", chunkID)
	}
	return nil
}

// ChunksByDocument returns a document's chunks ordered by ordinal. Retired
// generations are excluded unless includeRetired is set.
func (s *Store) ChunksByDocument(ctx context.Context, documentID string, includeRetired bool) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE document_id = ?`
	if !includeRetired {
		query += ` AND retired = 0`
	}
	query += ` ORDER BY ordinal`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, documentID)
	if err != nil {
		return nil, fmt.Errorf("chunks by document: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		chunk, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of live chunks for a document.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM chunks WHERE document_id = ? AND retired = 0`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

const chunkColumns = "chunk_id, document_id, chunker_name, chunker_version, ordinal, text, content_hash, embedding_model, embedding_json, vector_dimension, retired, created_at"

func scanChunkRow(scanner interface{ Scan(dest ...any) error }) (*Chunk, error) {
	var (
		chunk      Chunk
		model      sql.NullString
		embedding  sql.NullString
		retired    int
		createdRaw string
	)
	if err := scanner.Scan(
		&chunk.ChunkID,
		&chunk.DocumentID,
		&chunk.ChunkerName,
		&chunk.ChunkerVersion,
		&chunk.Ordinal,
		&chunk.Text,
		&chunk.ContentHash,
		&model,
		&embedding,
		&chunk.VectorDimension,
		&retired,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	chunk.EmbeddingModel = model.String
	chunk.Retired = retired != 0
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &chunk.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for chunk %s: %w", chunk.ChunkID, err)
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		chunk.CreatedAt = created
	}
	return &chunk, nil
}

func marshalEmbedding(vector []float32) (any, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	return string(encoded), nil
}
