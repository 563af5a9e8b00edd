package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"millrace/internal/faults"
)

// ChunkRemap pairs a chunk's legacy identifier with its deterministic
// replacement.
type ChunkRemap struct {
	OldID string
	NewID string
}

// IdentityRewrite is the full plan for migrating one document from a
// legacy identifier to its deterministic one.
type IdentityRewrite struct {
	OldDocumentID string
	NewDocumentID string
	Chunks        []ChunkRemap
}

// RewriteIdentity applies one migration plan in a single transaction.
// Order matters: the prior IDs are persisted to id_remap before anything
// is touched, dependents (chunks, jobs, events) are rewritten next, and
// the document's own primary identifier is rewritten last so no committed
// state ever has a document whose dependents dangle.
func (s *Store) RewriteIdentity(ctx context.Context, plan IdentityRewrite) error {
	if plan.OldDocumentID == "" || plan.NewDocumentID == "" {
		return faults.Wrap(faults.ErrMigration, "migrate", "rewrite identity", "empty document id in plan", nil)
	}
	now := formatTime(time.Now().UTC())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertRemapTx(ctx, tx, "document", plan.OldDocumentID, plan.NewDocumentID, now); err != nil {
			return err
		}
		for _, remap := range plan.Chunks {
			if err := insertRemapTx(ctx, tx, "chunk", remap.OldID, remap.NewID, now); err != nil {
				return err
			}
		}

		for _, remap := range plan.Chunks {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chunks SET chunk_id = ?, document_id = ? WHERE chunk_id = ?`,
				remap.NewID, plan.NewDocumentID, remap.OldID); err != nil {
				return fmt.Errorf("rewrite chunk %s: %w", remap.OldID, err)
			}
		}
		// Retired generations carry no remap entries but still follow their
		// document.
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET document_id = ? WHERE document_id = ?`,
			plan.NewDocumentID, plan.OldDocumentID); err != nil {
			return fmt.Errorf("rewrite retired chunk references: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET document_id = ? WHERE document_id = ?`,
			plan.NewDocumentID, plan.OldDocumentID); err != nil {
			return fmt.Errorf("rewrite job references: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET document_id = ? WHERE document_id = ?`,
			plan.NewDocumentID, plan.OldDocumentID); err != nil {
			return fmt.Errorf("rewrite event references: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET document_id = ?, updated_at = ? WHERE document_id = ?`,
			plan.NewDocumentID, now, plan.OldDocumentID)
		if err != nil {
			return fmt.Errorf("rewrite document id: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("document %s vanished during migration", plan.OldDocumentID)
		}
		return nil
	})
	if err != nil {
		return faults.Wrap(faults.ErrMigration, "migrate", "rewrite identity", plan.OldDocumentID, err)
	}
	return nil
}

// RemapFor returns the recorded new identifier for a legacy one, if the
// entity was ever migrated.
func (s *Store) RemapFor(ctx context.Context, entity, oldID string) (string, bool, error) {
	var newID string
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT new_id FROM id_remap WHERE entity = ? AND old_id = ?`, entity, oldID).Scan(&newID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("remap lookup: %w", err)
	}
	return newID, true, nil
}

func insertRemapTx(ctx context.Context, tx *sql.Tx, entity, oldID, newID, now string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO id_remap (entity, old_id, new_id, migrated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(entity, old_id) DO UPDATE SET new_id = excluded.new_id, migrated_at = excluded.migrated_at`,
		entity, oldID, newID, now); err != nil {
		return fmt.Errorf("record %s remap %s: %w", entity, oldID, err)
	}
	return nil
}
