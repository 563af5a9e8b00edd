package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"millrace/internal/config"
	"millrace/internal/dispatcher"
	"millrace/internal/intake"
	"millrace/internal/logging"
	"millrace/internal/metrics"
	"millrace/internal/pipeline"
	"millrace/internal/validator"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *pipeline.Store
	dispatcher *dispatcher.Dispatcher
	validator  *validator.Validator
	intake     *intake.Service
	collector  *metrics.Collector

	lockPath string
	lock     *flock.Flock

	api *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running          bool
	PID              int
	DatabasePath     string
	LockFilePath     string
	DispatcherActive bool
	DispatcherError  string
	Jobs             pipeline.Stats
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *pipeline.Store, logger *slog.Logger, disp *dispatcher.Dispatcher, val *validator.Validator, collector *metrics.Collector) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil || disp == nil {
		return nil, errors.New("daemon requires config, store, logger, and dispatcher")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "millraced.lock")
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		dispatcher: disp,
		validator:  val,
		intake:     intake.New(cfg, store, logger),
		collector:  collector,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}

	server, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = server
	return d, nil
}

// Start acquires the daemon lock and launches the dispatcher, the
// validator loop, and the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another millrace daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.dispatcher.Start(d.ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if d.validator != nil {
		if err := d.validator.Start(d.ctx); err != nil {
			d.dispatcher.Stop()
			d.teardown()
			return fmt.Errorf("start validator: %w", err)
		}
	}
	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			if d.validator != nil {
				d.validator.Stop()
			}
			d.dispatcher.Stop()
			d.teardown()
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("millrace daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.cfg.DatabasePath()))
	return nil
}

func (d *Daemon) teardown() {
	_ = d.lock.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	if d.validator != nil {
		d.validator.Stop()
	}
	d.dispatcher.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("millrace daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Ingest registers a local file through the intake service.
func (d *Daemon) Ingest(ctx context.Context, ownerID, sourcePath string) (*intake.Result, error) {
	if d.intake == nil {
		return nil, errors.New("intake service unavailable")
	}
	result, err := d.intake.Ingest(ctx, ownerID, sourcePath)
	if err != nil {
		return nil, err
	}
	if result.Created && d.collector != nil {
		d.collector.RecordRegistration()
	}
	return result, nil
}

// LastReport returns the most recent consistency audit, if any.
func (d *Daemon) LastReport() *validator.Report {
	if d.validator == nil {
		return nil
	}
	return d.validator.LastReport()
}

// APIAddr reports the address the HTTP API is bound to, empty when the
// API is disabled or not started.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:          d.running.Load(),
		PID:              os.Getpid(),
		DatabasePath:     d.cfg.DatabasePath(),
		LockFilePath:     d.lockPath,
		DispatcherActive: d.dispatcher.Running(),
	}
	if err := d.dispatcher.LastError(); err != nil {
		status.DispatcherError = err.Error()
	}
	if stats, err := d.store.JobStats(ctx); err == nil {
		status.Jobs = stats
	}
	return status
}
