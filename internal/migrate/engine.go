// Package migrate backfills deterministic identity onto legacy rows. Each
// document migrates in its own transaction; one failed item is rolled
// back and reported while the run continues with the rest.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"millrace/internal/config"
	"millrace/internal/faults"
	"millrace/internal/identity"
	"millrace/internal/logging"
	"millrace/internal/pipeline"
)

// Candidate is a legacy document selected for migration, with the
// replacement identity already derived.
type Candidate struct {
	OldDocumentID string
	NewDocumentID string
	OwnerID       string
	ContentHash   string
	ChunkCount    int
	Status        pipeline.Status
	UpdatedAt     string
	priority      float64
}

// ItemResult records the outcome of migrating one document.
type ItemResult struct {
	OldDocumentID string `json:"old_document_id"`
	NewDocumentID string `json:"new_document_id"`
	ChunksMoved   int    `json:"chunks_moved"`
	Error         string `json:"error,omitempty"`
}

// RunResult summarizes a migration run.
type RunResult struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Scanned    int          `json:"scanned"`
	Candidates int          `json:"candidates"`
	Migrated   int          `json:"migrated"`
	Failed     int          `json:"failed"`
	DryRun     bool         `json:"dry_run"`
	Items      []ItemResult `json:"items,omitempty"`
}

// Engine plans and executes identity backfill runs.
type Engine struct {
	cfg    *config.Config
	store  *pipeline.Store
	logger *slog.Logger
}

// New constructs a migration engine.
func New(cfg *config.Config, store *pipeline.Store, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "migrate")}
}

// Plan scans the store and returns migration candidates ordered by
// priority: recently touched, further along the pipeline, and chunk-heavy
// documents migrate first so the highest-value rows converge early.
func (e *Engine) Plan(ctx context.Context) ([]Candidate, error) {
	rows, err := e.store.DocumentIdentityRows(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}

	var candidates []Candidate
	for _, row := range rows {
		want := identity.DocumentID(row.OwnerID, row.ContentHash)
		if row.DocumentID == want {
			continue
		}
		candidates = append(candidates, Candidate{
			OldDocumentID: row.DocumentID,
			NewDocumentID: want,
			OwnerID:       row.OwnerID,
			ContentHash:   row.ContentHash,
			ChunkCount:    row.ChunkCount,
			Status:        row.ProcessingStatus,
			UpdatedAt:     row.UpdatedAt,
			priority:      scoreCandidate(row),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority > candidates[j].priority
	})
	return candidates, nil
}

// scoreCandidate weighs recency, completeness, and chunk volume.
func scoreCandidate(row pipeline.DocumentIdentityRow) float64 {
	score := float64(row.ChunkCount)
	if row.ProcessingStatus == pipeline.StatusComplete {
		score += 100
	} else if pipeline.IsFailureStatus(row.ProcessingStatus) || row.ProcessingStatus == pipeline.StatusDeadletter {
		score -= 50
	}
	if updated, err := time.Parse(time.RFC3339Nano, row.UpdatedAt); err == nil {
		age := time.Since(updated)
		if age < 24*time.Hour {
			score += 25
		} else if age < 7*24*time.Hour {
			score += 10
		}
	}
	return score
}

// Run migrates up to limit candidates in batches. A limit of 0 migrates
// everything. With dryRun set, the plan is returned without touching the
// store.
func (e *Engine) Run(ctx context.Context, limit int, dryRun bool) (*RunResult, error) {
	result := &RunResult{StartedAt: time.Now().UTC(), DryRun: dryRun}

	rows, err := e.store.DocumentIdentityRows(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	result.Scanned = len(rows)

	candidates, err := e.Plan(ctx)
	if err != nil {
		return nil, err
	}
	result.Candidates = len(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	if dryRun {
		for _, candidate := range candidates {
			result.Items = append(result.Items, ItemResult{
				OldDocumentID: candidate.OldDocumentID,
				NewDocumentID: candidate.NewDocumentID,
				ChunksMoved:   candidate.ChunkCount,
			})
		}
		result.FinishedAt = time.Now().UTC()
		return result, nil
	}

	batchSize := e.cfg.Migration.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		for _, candidate := range candidates[start:end] {
			if ctx.Err() != nil {
				result.FinishedAt = time.Now().UTC()
				return result, ctx.Err()
			}
			item := e.migrateOne(ctx, candidate)
			result.Items = append(result.Items, item)
			if item.Error == "" {
				result.Migrated++
			} else {
				result.Failed++
			}
		}
	}

	result.FinishedAt = time.Now().UTC()
	e.logger.Info("migration run finished",
		logging.Int("scanned", result.Scanned),
		logging.Int("candidates", result.Candidates),
		logging.Int("migrated", result.Migrated),
		logging.Int("failed", result.Failed))
	return result, nil
}

// migrateOne rewrites a single document and verifies the result. Failures
// roll back inside the store and are reported on the item.
func (e *Engine) migrateOne(ctx context.Context, candidate Candidate) ItemResult {
	item := ItemResult{
		OldDocumentID: candidate.OldDocumentID,
		NewDocumentID: candidate.NewDocumentID,
	}
	logger := e.logger.With(
		logging.String("old_document_id", candidate.OldDocumentID),
		logging.String(logging.FieldDocumentID, candidate.NewDocumentID))

	chunks, err := e.store.ChunkIdentityRows(ctx, candidate.OldDocumentID)
	if err != nil {
		item.Error = err.Error()
		return item
	}

	plan := pipeline.IdentityRewrite{
		OldDocumentID: candidate.OldDocumentID,
		NewDocumentID: candidate.NewDocumentID,
	}
	for _, chunk := range chunks {
		plan.Chunks = append(plan.Chunks, pipeline.ChunkRemap{
			OldID: chunk.ChunkID,
			NewID: identity.ChunkID(candidate.NewDocumentID, chunk.ChunkerName, chunk.ChunkerVersion, chunk.Ordinal),
		})
	}

	if err := e.store.RewriteIdentity(ctx, plan); err != nil {
		item.Error = err.Error()
		logger.Error("migration item failed",
			logging.String(logging.FieldErrorKind, string(faults.KindOf(err))),
			logging.Error(err))
		return item
	}

	// Post-verify: the migrated document and every moved chunk must carry
	// identity that re-derives from their stored fields, not just the right
	// row counts.
	doc, err := e.store.GetDocument(ctx, candidate.NewDocumentID)
	if err != nil {
		item.Error = fmt.Sprintf("verify migrated document: %v", err)
		return item
	}
	if doc == nil {
		item.Error = "verification found no document under the new id"
		return item
	}
	if want := identity.DocumentID(doc.OwnerID, doc.ContentHash); doc.DocumentID != want {
		item.Error = fmt.Sprintf("migrated document id %s does not re-derive (want %s)", doc.DocumentID, want)
		return item
	}

	moved, err := e.store.ChunkIdentityRows(ctx, candidate.NewDocumentID)
	if err != nil {
		item.Error = fmt.Sprintf("verify migrated chunks: %v", err)
		return item
	}
	if len(moved) != len(plan.Chunks) {
		item.Error = fmt.Sprintf("verification found %d chunks, plan moved %d", len(moved), len(plan.Chunks))
		return item
	}
	for _, chunk := range moved {
		want := identity.ChunkID(candidate.NewDocumentID, chunk.ChunkerName, chunk.ChunkerVersion, chunk.Ordinal)
		if chunk.ChunkID != want {
			item.Error = fmt.Sprintf("migrated chunk id %s does not re-derive (want %s)", chunk.ChunkID, want)
			return item
		}
	}
	item.ChunksMoved = len(moved)

	logger.Info("document migrated", logging.Int("chunks_moved", item.ChunksMoved))
	return item
}
