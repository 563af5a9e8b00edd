package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"millrace/internal/config"
	"millrace/internal/identity"
	"millrace/internal/logging"
	"millrace/internal/metrics"
	"millrace/internal/pipeline"
)

// DriftRecord describes one row whose stored identifier differs from its
// re-derivation.
type DriftRecord struct {
	Entity   string `json:"entity"`
	StoredID string `json:"stored_id"`
	WantID   string `json:"want_id"`
	Migrated bool   `json:"migrated"`
}

// Report is one audit pass over the store. The validator only reads; every
// finding is surfaced here and in logs, never auto-repaired.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`

	DocumentsAudited int `json:"documents_audited"`
	ChunksAudited    int `json:"chunks_audited"`

	DocumentDrift []DriftRecord `json:"document_drift,omitempty"`
	ChunkDrift    []DriftRecord `json:"chunk_drift,omitempty"`
	DriftRatio    float64       `json:"drift_ratio"`

	Duplicates            []pipeline.DuplicateDocument `json:"duplicates,omitempty"`
	Orphans               pipeline.OrphanCounts        `json:"orphans"`
	CompleteWithoutChunks int                          `json:"complete_without_chunks"`

	Alerts []string `json:"alerts,omitempty"`
}

// Healthy reports whether the audit found nothing wrong.
func (r *Report) Healthy() bool {
	return r != nil &&
		len(r.DocumentDrift) == 0 &&
		len(r.ChunkDrift) == 0 &&
		len(r.Duplicates) == 0 &&
		r.Orphans.Chunks == 0 && r.Orphans.Jobs == 0 && r.Orphans.Events == 0 &&
		r.CompleteWithoutChunks == 0
}

// Validator audits stored identity and referential consistency on an
// interval.
type Validator struct {
	cfg       *config.Config
	store     *pipeline.Store
	logger    *slog.Logger
	collector *metrics.Collector

	mu      sync.RWMutex
	last    *Report
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a validator.
func New(cfg *config.Config, store *pipeline.Store, logger *slog.Logger, collector *metrics.Collector) *Validator {
	return &Validator{
		cfg:       cfg,
		store:     store,
		logger:    logging.NewComponentLogger(logger, "validator"),
		collector: collector,
	}
}

// Run executes one audit pass.
func (v *Validator) Run(ctx context.Context) (*Report, error) {
	report := &Report{GeneratedAt: time.Now().UTC()}

	docs, err := v.store.DocumentIdentityRows(ctx, v.cfg.Validator.WindowLimit)
	if err != nil {
		return nil, fmt.Errorf("load document identity rows: %w", err)
	}
	report.DocumentsAudited = len(docs)

	for _, doc := range docs {
		want := identity.DocumentID(doc.OwnerID, doc.ContentHash)
		if doc.DocumentID != want {
			report.DocumentDrift = append(report.DocumentDrift, v.driftRecord(ctx, "document", doc.DocumentID, want))
		}

		chunks, err := v.store.ChunkIdentityRows(ctx, doc.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("load chunk identity rows for %s: %w", doc.DocumentID, err)
		}
		report.ChunksAudited += len(chunks)
		for _, chunk := range chunks {
			want := identity.ChunkID(chunk.DocumentID, chunk.ChunkerName, chunk.ChunkerVersion, chunk.Ordinal)
			if chunk.ChunkID != want {
				report.ChunkDrift = append(report.ChunkDrift, v.driftRecord(ctx, "chunk", chunk.ChunkID, want))
			}
		}
	}

	if audited := report.DocumentsAudited + report.ChunksAudited; audited > 0 {
		report.DriftRatio = float64(len(report.DocumentDrift)+len(report.ChunkDrift)) / float64(audited)
	}

	report.Duplicates, err = v.store.DuplicateDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect duplicates: %w", err)
	}
	report.Orphans, err = v.store.CountOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orphans: %w", err)
	}
	report.CompleteWithoutChunks, err = v.store.CountCompleteWithoutChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("count complete without chunks: %w", err)
	}

	v.applyThresholds(report)
	v.publish(report)
	v.logReport(ctx, report)
	return report, nil
}

// driftRecord annotates a drifted row with whether a recorded migration
// explains it.
func (v *Validator) driftRecord(ctx context.Context, entity, stored, want string) DriftRecord {
	record := DriftRecord{Entity: entity, StoredID: stored, WantID: want}
	if mapped, ok, err := v.store.RemapFor(ctx, entity, stored); err == nil && ok && mapped == want {
		record.Migrated = true
	}
	return record
}

func (v *Validator) applyThresholds(report *Report) {
	if threshold := v.cfg.Validator.DriftAlertThreshold; threshold > 0 && report.DriftRatio > threshold {
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("identity drift ratio %.4f exceeds threshold %.4f", report.DriftRatio, threshold))
	}
	orphanTotal := report.Orphans.Chunks + report.Orphans.Jobs + report.Orphans.Events
	if orphanTotal > v.cfg.Validator.OrphanAlertThreshold {
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("%d orphan rows exceed threshold %d", orphanTotal, v.cfg.Validator.OrphanAlertThreshold))
	}
	if len(report.Duplicates) > 0 {
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("%d duplicate (owner, content hash) groups", len(report.Duplicates)))
	}
	if report.CompleteWithoutChunks > 0 {
		report.Alerts = append(report.Alerts,
			fmt.Sprintf("%d complete documents have no live chunks", report.CompleteWithoutChunks))
	}
}

func (v *Validator) publish(report *Report) {
	orphanTotal := report.Orphans.Chunks + report.Orphans.Jobs + report.Orphans.Events
	v.collector.UpdateValidator(report.DriftRatio, orphanTotal)

	v.mu.Lock()
	v.last = report
	v.mu.Unlock()
}

func (v *Validator) logReport(ctx context.Context, report *Report) {
	logger := logging.WithContext(ctx, v.logger)
	if report.Healthy() {
		logger.Info("audit pass clean",
			logging.Int("documents_audited", report.DocumentsAudited),
			logging.Int("chunks_audited", report.ChunksAudited))
		return
	}
	for _, alert := range report.Alerts {
		logger.Warn("audit alert",
			logging.String(logging.FieldAlert, alert),
			logging.Float64("drift_ratio", report.DriftRatio))
	}
	logger.Warn("audit pass found inconsistencies",
		logging.Int("document_drift", len(report.DocumentDrift)),
		logging.Int("chunk_drift", len(report.ChunkDrift)),
		logging.Int("duplicates", len(report.Duplicates)),
		logging.Int("orphan_chunks", report.Orphans.Chunks),
		logging.Int("orphan_jobs", report.Orphans.Jobs),
		logging.Int("orphan_events", report.Orphans.Events),
		logging.Int("complete_without_chunks", report.CompleteWithoutChunks))
}

// LastReport returns the most recent audit result, if any.
func (v *Validator) LastReport() *Report {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.last
}

// Start launches the interval audit loop.
func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return fmt.Errorf("validator already running")
	}
	interval := time.Duration(v.cfg.Validator.IntervalSeconds) * time.Second
	if interval <= 0 {
		return fmt.Errorf("validator interval must be positive")
	}

	runCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.running = true

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := v.Run(runCtx); err != nil && runCtx.Err() == nil {
					v.logger.Error("audit pass failed", logging.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts the audit loop.
func (v *Validator) Stop() {
	v.mu.Lock()
	cancel := v.cancel
	v.running = false
	v.cancel = nil
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	v.wg.Wait()
}
