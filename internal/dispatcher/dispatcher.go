package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"millrace/internal/config"
	"millrace/internal/faults"
	"millrace/internal/logging"
	"millrace/internal/metrics"
	"millrace/internal/pipeline"
	"millrace/internal/stages"
)

// route binds a claimable status to the stage that advances it.
type route struct {
	name    string
	entry   []pipeline.Status
	done    pipeline.Status
	handler stages.Handler
}

// Dispatcher runs the worker pool that claims jobs and drives them through
// their stages. All coordination between workers goes through the store's
// lease protocol; dispatchers on separate processes are safe against the
// same database.
type Dispatcher struct {
	cfg       *config.Config
	store     *pipeline.Store
	logger    *slog.Logger
	collector *metrics.Collector

	routes       map[pipeline.Status]route
	pollInterval time.Duration
	leaseTTL     time.Duration
	backoff      time.Duration
	heartbeat    *HeartbeatLoop

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New constructs a dispatcher with the built-in stage handlers.
func New(cfg *config.Config, store *pipeline.Store, logger *slog.Logger, collector *metrics.Collector) *Dispatcher {
	logger = logging.NewComponentLogger(logger, "dispatcher")
	leaseTTL := time.Duration(cfg.Pipeline.LeaseTTLSeconds) * time.Second

	parser := stages.NewParser(cfg, store, logger)
	validator := stages.NewValidator(cfg, logger)
	chunker := stages.NewChunker(cfg, store, logger)
	embedder := stages.NewEmbedStage(cfg, store, logger)
	finalizer := stages.NewFinalizer(cfg, store, logger)

	// Processing statuses route to the same stage so a job claimed after a
	// crash resumes from where its previous worker died.
	routes := map[pipeline.Status]route{
		pipeline.StatusUploaded: {
			name:    "parse",
			entry:   []pipeline.Status{pipeline.StatusParseQueued},
			done:    pipeline.StatusParsed,
			handler: parser,
		},
		pipeline.StatusParseQueued: {
			name:    "parse",
			done:    pipeline.StatusParsed,
			handler: parser,
		},
		pipeline.StatusParsed: {
			name:    "validate",
			done:    pipeline.StatusParseValidated,
			handler: validator,
		},
		pipeline.StatusParseValidated: {
			name:    "chunk",
			entry:   []pipeline.Status{pipeline.StatusChunking},
			done:    pipeline.StatusChunksStored,
			handler: chunker,
		},
		pipeline.StatusChunking: {
			name:    "chunk",
			done:    pipeline.StatusChunksStored,
			handler: chunker,
		},
		pipeline.StatusChunksStored: {
			name:    "embed",
			entry:   []pipeline.Status{pipeline.StatusEmbeddingQueued, pipeline.StatusEmbeddingInProgress},
			done:    pipeline.StatusEmbeddingsStored,
			handler: embedder,
		},
		pipeline.StatusEmbeddingQueued: {
			name:    "embed",
			entry:   []pipeline.Status{pipeline.StatusEmbeddingInProgress},
			done:    pipeline.StatusEmbeddingsStored,
			handler: embedder,
		},
		pipeline.StatusEmbeddingInProgress: {
			name:    "embed",
			done:    pipeline.StatusEmbeddingsStored,
			handler: embedder,
		},
		pipeline.StatusEmbeddingsStored: {
			name:    "finalize",
			done:    pipeline.StatusComplete,
			handler: finalizer,
		},
	}

	return &Dispatcher{
		cfg:          cfg,
		store:        store,
		logger:       logger,
		collector:    collector,
		routes:       routes,
		pollInterval: time.Duration(cfg.Pipeline.PollInterval) * time.Second,
		leaseTTL:     leaseTTL,
		backoff:      time.Duration(cfg.Pipeline.TransientBackoffMS) * time.Millisecond,
		heartbeat: NewHeartbeatLoop(store, logger,
			time.Duration(cfg.Pipeline.HeartbeatInterval)*time.Second, leaseTTL),
	}
}

// Start launches the worker pool. Returns an error if already running.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatcher already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	workers := d.cfg.Pipeline.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "millrace"
	}

	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", hostname, i)
		d.wg.Add(1)
		go d.runWorker(runCtx, workerID)
	}
	d.wg.Add(1)
	go d.runStatsRefresh(runCtx)

	d.logger.Info("dispatcher started", logging.Int("worker_count", workers))
	return nil
}

// Stop cancels all workers and waits for in-flight stages to wind down.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Running reports whether the worker pool is active.
func (d *Dispatcher) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// LastError returns the most recent stage failure observed by any worker.
func (d *Dispatcher) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

func (d *Dispatcher) setLastError(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	defer d.wg.Done()
	logger := d.logger.With(logging.String(logging.FieldWorkerID, workerID))

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := d.store.ClaimNext(ctx, workerID, d.leaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", logging.Error(err))
			d.sleep(ctx, d.pollInterval)
			continue
		}
		if job == nil {
			d.sleep(ctx, d.pollInterval)
			continue
		}
		d.collector.RecordClaim()
		d.processJob(ctx, workerID, job)
	}
}

// ProcessOne claims and processes a single job synchronously. Returns false
// when no job was claimable. Used by drain tooling and tests.
func (d *Dispatcher) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	job, err := d.store.ClaimNext(ctx, workerID, d.leaseTTL)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	d.collector.RecordClaim()
	d.processJob(ctx, workerID, job)
	return true, nil
}

func (d *Dispatcher) processJob(ctx context.Context, workerID string, job *pipeline.Job) {
	jobCtx := logging.WithWorkerID(logging.WithJobID(logging.WithDocumentID(ctx, job.DocumentID), job.JobID), workerID)
	logger := logging.WithContext(jobCtx, d.logger)

	if pipeline.IsFailureStatus(job.Status) {
		d.retryFailedJob(jobCtx, workerID, job, logger)
		return
	}

	rt, ok := d.routes[job.Status]
	if !ok {
		logger.Error("claimed job has no route", logging.String("status", string(job.Status)))
		if _, err := d.store.FailStage(jobCtx, job.JobID, workerID,
			faults.Wrap(faults.ErrInvariant, string(job.Status), "route", "no stage handles this status", nil)); err != nil {
			logger.Error("failed to fail unroutable job", logging.Error(err))
		}
		return
	}

	stageCtx, cancelStage := context.WithCancel(logging.WithStage(jobCtx, rt.name))
	defer cancelStage()
	stageLogger := logging.WithContext(stageCtx, d.logger)

	// Heartbeats keep the lease alive for the duration of the stage; a lost
	// lease cancels the stage context so the handler aborts promptly.
	stopHeartbeat := d.heartbeat.Start(stageCtx, job.JobID, workerID, cancelStage)
	defer stopHeartbeat()

	start := time.Now()
	stageLogger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("status", string(job.Status)))

	if err := d.runStage(stageCtx, workerID, job, rt); err != nil {
		d.handleStageError(stageCtx, workerID, job, rt, err, stageLogger)
		return
	}

	d.collector.RecordStageComplete(rt.name, time.Since(start))
	stageLogger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_status", string(rt.done)),
		logging.Duration("elapsed", time.Since(start)))
}

func (d *Dispatcher) runStage(ctx context.Context, workerID string, job *pipeline.Job, rt route) error {
	payload, err := stages.DecodePayload(job.PayloadJSON)
	if err != nil {
		return err
	}
	doc, err := d.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return faults.Wrap(faults.ErrTransient, rt.name, "load document", "", err)
	}
	if doc == nil {
		return faults.Wrap(faults.ErrValidation, rt.name, "load document",
			fmt.Sprintf("document %s not found", job.DocumentID), nil)
	}

	current := job
	for _, status := range rt.entry {
		if current.Status == status {
			continue
		}
		advanced, err := d.store.CompleteStage(ctx, current.JobID, workerID, status)
		if err != nil {
			return err
		}
		current = advanced
	}

	req := &stages.Request{Job: current, Document: doc, Payload: payload}
	if err := rt.handler.Prepare(ctx, req); err != nil {
		return err
	}
	if err := rt.handler.Execute(ctx, req); err != nil {
		return err
	}

	encoded, err := stages.EncodePayload(payload)
	if err != nil {
		return err
	}
	if encoded != job.PayloadJSON {
		if err := d.store.SetJobPayload(ctx, current.JobID, workerID, encoded); err != nil {
			return err
		}
	}

	if _, err := d.store.CompleteStage(ctx, current.JobID, workerID, rt.done); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) handleStageError(ctx context.Context, workerID string, job *pipeline.Job, rt route, stageErr error, logger *slog.Logger) {
	if errors.Is(stageErr, faults.ErrLeaseLost) {
		d.collector.RecordLeaseLost()
		logger.Warn("lease lost mid-stage, abandoning job",
			logging.String(logging.FieldEventType, "lease_lost"),
			logging.Error(stageErr))
		return
	}

	kind := faults.KindOf(stageErr)
	d.collector.RecordStageFailure(rt.name, kind)
	d.setLastError(stageErr)
	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.Error(stageErr))

	failed, err := d.store.FailStage(ctx, job.JobID, workerID, stageErr)
	if err != nil {
		if errors.Is(err, faults.ErrLeaseLost) {
			d.collector.RecordLeaseLost()
			logger.Warn("lease lost recording failure", logging.Error(err))
			return
		}
		logger.Error("failed to record stage failure", logging.Error(err))
		return
	}
	if failed.Status == pipeline.StatusDeadletter {
		d.collector.RecordDeadletter()
		logger.Error("job dead-lettered",
			logging.String(logging.FieldEventType, "deadletter"),
			logging.Int("retry_count", failed.RetryCount))
	}
}

// retryFailedJob consumes a claim on a failure-status job by moving it back
// to the stage it failed in. The stage itself reruns on a later claim.
func (d *Dispatcher) retryFailedJob(ctx context.Context, workerID string, job *pipeline.Job, logger *slog.Logger) {
	target, ok := pipeline.RetryTarget(job.Status)
	if !ok {
		logger.Error("failure status has no retry target", logging.String("status", string(job.Status)))
		return
	}

	// Give transient conditions a moment to clear before re-entering the
	// stage.
	d.sleep(ctx, d.backoff)
	if ctx.Err() != nil {
		return
	}

	if _, err := d.store.CompleteStage(ctx, job.JobID, workerID, target); err != nil {
		if errors.Is(err, faults.ErrLeaseLost) {
			d.collector.RecordLeaseLost()
			return
		}
		logger.Error("retry transition failed", logging.Error(err))
		return
	}
	logger.Info("job requeued for retry",
		logging.String(logging.FieldEventType, "retry"),
		logging.String("from", string(job.Status)),
		logging.String("to", string(target)),
		logging.Int("retry_count", job.RetryCount))
}

func (d *Dispatcher) runStatsRefresh(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := d.store.JobStats(ctx)
			if err != nil {
				continue
			}
			d.collector.UpdateJobStats(stats)
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) {
	if duration <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}
}
