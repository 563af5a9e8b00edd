package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"millrace/internal/faults"
)

// ClaimNext atomically claims one claimable job for a worker and returns
// it, or nil when no claimable job exists. Claimable means: not terminal,
// and the lease is absent or expired. The claim is one conditional UPDATE
// tagged with a per-claim token, never read-then-write, so two workers can
// never claim the same job concurrently.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	now := time.Now().UTC()
	token := uuid.NewString()

	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET lease_owner = ?, lease_token = ?, lease_expires_at = ?, updated_at = ?
         WHERE job_id = (
             SELECT job_id FROM jobs
             WHERE state IN (?, ?)
               AND (lease_expires_at IS NULL OR lease_expires_at < ?)
             ORDER BY created_at, job_id
             LIMIT 1
         )`,
		workerID,
		token,
		formatTime(now.Add(leaseTTL)),
		formatTime(now),
		StateQueued,
		StateActive,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	job, err := scanJobRow(s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE lease_token = ?`, token))
	if err != nil {
		return nil, fmt.Errorf("load claimed job: %w", err)
	}
	return job, nil
}

// Heartbeat extends the lease on a claimed job. Returns ErrLeaseLost when
// the lease has expired or been reassigned; the worker must abandon the
// job immediately in that case.
func (s *Store) Heartbeat(ctx context.Context, jobID int64, workerID string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET lease_expires_at = ?, updated_at = ?
         WHERE job_id = ? AND lease_owner = ? AND lease_expires_at >= ?`,
		formatTime(now.Add(leaseTTL)),
		formatTime(now),
		jobID,
		workerID,
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return faults.Wrap(faults.ErrLeaseLost, "", "heartbeat",
			fmt.Sprintf("job %d no longer leased to %s", jobID, workerID), nil)
	}
	return nil
}

// CompleteStage validates that the caller still holds the lease and that
// nextStatus is a legal transition from the job's current status, then
// atomically updates status, mirrors it onto the document, and appends an
// Event. The lease is released when nextStatus is a rest or terminal
// status and kept across intermediate stage transitions.
//
// Illegal transition attempts are rejected, recorded as
// transition_rejected events, and returned as invariant faults: they
// indicate a bug in the caller, not an operational condition.
func (s *Store) CompleteStage(ctx context.Context, jobID int64, workerID string, nextStatus Status) (*Job, error) {
	now := time.Now().UTC()
	var (
		updated  *Job
		rejected *Event
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJobRow(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		if !job.LeaseHeldBy(workerID, now) {
			return faults.Wrap(faults.ErrLeaseLost, string(job.Status), "complete stage",
				fmt.Sprintf("job %d no longer leased to %s", jobID, workerID), nil)
		}

		if err := CheckTransition(job.Status, nextStatus); err != nil {
			// Recorded after rollback; an event written here would vanish
			// with the transaction.
			rejected = &Event{DocumentID: job.DocumentID, JobID: job.JobID, FromStatus: job.Status, ToStatus: nextStatus}
			return faults.Wrap(faults.ErrInvariant, string(job.Status), "complete stage", "", err)
		}

		releaseLease := !IsProcessingStatus(nextStatus)
		leaseOwner := job.LeaseOwner
		leaseToken := job.LeaseToken
		leaseExpires := nullableTime(job.LeaseExpiresAt)
		if releaseLease {
			leaseOwner = ""
			leaseToken = ""
			leaseExpires = nil
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, state = ?, lease_owner = ?, lease_token = ?, lease_expires_at = ?,
                 last_error = CASE WHEN ? THEN NULL ELSE last_error END, updated_at = ?
             WHERE job_id = ? AND status = ? AND lease_owner = ? AND status NOT IN (?, ?)`,
			nextStatus,
			StateFor(nextStatus),
			nullableString(leaseOwner),
			nullableString(leaseToken),
			leaseExpires,
			nextStatus == StatusComplete,
			formatTime(now),
			jobID,
			job.Status,
			workerID,
			StatusComplete,
			StatusDeadletter,
		)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return faults.Wrap(faults.ErrLeaseLost, string(job.Status), "complete stage",
				fmt.Sprintf("job %d changed under worker %s", jobID, workerID), nil)
		}

		if err := mirrorDocumentStatusTx(ctx, tx, job.DocumentID, nextStatus, now); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, job.DocumentID, job.JobID, job.Status, nextStatus, "", now); err != nil {
			return err
		}

		reloaded, err := scanJobRow(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		updated = reloaded
		return nil
	})
	if err != nil {
		if rejected != nil {
			_ = s.AppendEvent(ctx, rejected.DocumentID, rejected.JobID,
				rejected.FromStatus, rejected.ToStatus, "transition_rejected")
		}
		return nil, err
	}
	return updated, nil
}

// FailStage transitions a job to the failure state matching its current
// stage and releases the lease. Transient failures consume one retry;
// once retry_count reaches max_retries the job moves onward to deadletter
// and is never retried automatically. Validation and identity failures
// route directly to deadletter without consuming retries.
func (s *Store) FailStage(ctx context.Context, jobID int64, workerID string, stageErr error) (*Job, error) {
	now := time.Now().UTC()
	var (
		updated  *Job
		rejected *Event
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJobRow(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		if !job.LeaseHeldBy(workerID, now) {
			return faults.Wrap(faults.ErrLeaseLost, string(job.Status), "fail stage",
				fmt.Sprintf("job %d no longer leased to %s", jobID, workerID), nil)
		}

		failure, ok := FailureFor(job.Status)
		if !ok {
			rejected = &Event{DocumentID: job.DocumentID, JobID: job.JobID, FromStatus: job.Status}
			return faults.Wrap(faults.ErrInvariant, string(job.Status), "fail stage",
				fmt.Sprintf("status %s has no failure state", job.Status), nil)
		}

		message := "stage failed"
		if stageErr != nil {
			message = stageErr.Error()
		}
		kind := faults.KindOf(stageErr)
		retryable := faults.Retryable(stageErr)

		retryCount := job.RetryCount
		if retryable {
			retryCount++
		}
		toDeadletter := !retryable || retryCount >= job.MaxRetries

		finalStatus := failure
		finalState := StateQueued
		if toDeadletter {
			finalStatus = StatusDeadletter
			finalState = StateDeadletter
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, state = ?, retry_count = ?, last_error = ?,
                 lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
             WHERE job_id = ? AND status = ? AND lease_owner = ? AND status NOT IN (?, ?)`,
			finalStatus,
			finalState,
			retryCount,
			message,
			formatTime(now),
			jobID,
			job.Status,
			workerID,
			StatusComplete,
			StatusDeadletter,
		)
		if err != nil {
			return fmt.Errorf("update job failure: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return faults.Wrap(faults.ErrLeaseLost, string(job.Status), "fail stage",
				fmt.Sprintf("job %d changed under worker %s", jobID, workerID), nil)
		}

		detail := fmt.Sprintf("kind=%s: %s", kind, message)
		if err := appendEventTx(ctx, tx, job.DocumentID, job.JobID, job.Status, failure, detail, now); err != nil {
			return err
		}
		if toDeadletter {
			reason := fmt.Sprintf("retry budget exhausted after %d attempts", retryCount)
			if !retryable {
				reason = fmt.Sprintf("non-retryable %s failure", kind)
			}
			if err := appendEventTx(ctx, tx, job.DocumentID, job.JobID, failure, StatusDeadletter,
				reason, now); err != nil {
				return err
			}
		}

		if err := mirrorDocumentStatusTx(ctx, tx, job.DocumentID, finalStatus, now); err != nil {
			return err
		}

		reloaded, err := scanJobRow(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		updated = reloaded
		return nil
	})
	if err != nil {
		if rejected != nil {
			_ = s.AppendEvent(ctx, rejected.DocumentID, rejected.JobID,
				rejected.FromStatus, rejected.ToStatus, "transition_rejected")
		}
		return nil, err
	}
	return updated, nil
}

// SetJobPayload persists stage output on a job, guarded by the lease. A
// worker whose lease expired mid-stage gets ErrLeaseLost instead of
// silently clobbering the payload written by the job's new owner.
func (s *Store) SetJobPayload(ctx context.Context, jobID int64, workerID, payloadJSON string) error {
	now := time.Now().UTC()
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET payload_json = ?, updated_at = ?
         WHERE job_id = ? AND lease_owner = ? AND lease_expires_at >= ?`,
		nullableString(payloadJSON),
		formatTime(now),
		jobID,
		workerID,
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("set job payload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return faults.Wrap(faults.ErrLeaseLost, "", "set job payload",
			fmt.Sprintf("job %d no longer leased to %s", jobID, workerID), nil)
	}
	return nil
}

// FetchClaimable returns up to limit currently claimable jobs, oldest
// first. Read-only feed for dispatcher instances and monitoring; claiming
// still goes through ClaimNext.
func (s *Store) FetchClaimable(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}
	now := formatTime(time.Now().UTC())
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs
         WHERE state IN (?, ?)
           AND (lease_expires_at IS NULL OR lease_expires_at < ?)
         ORDER BY created_at, job_id
         LIMIT ?`,
		StateQueued, StateActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch claimable: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJob fetches a job by identifier. Returns nil when absent.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	job, err := scanJobRow(s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobByDocument returns the most recent job for a document.
func (s *Store) JobByDocument(ctx context.Context, documentID string) (*Job, error) {
	job, err := scanJobRow(s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = ? ORDER BY job_id DESC LIMIT 1`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job by document: %w", err)
	}
	return job, nil
}

// RequeueDeadletter moves dead-lettered jobs back to the retry target of
// their failing stage with a fresh retry budget. Operator tooling only;
// the dispatcher never resurrects deadletter jobs on its own.
func (s *Store) RequeueDeadletter(ctx context.Context, jobIDs ...int64) (int64, error) {
	now := time.Now().UTC()
	var requeued int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
		args := []any{StatusDeadletter}
		if len(jobIDs) > 0 {
			query += ` AND job_id IN (` + makePlaceholders(len(jobIDs)) + `)`
			for _, id := range jobIDs {
				args = append(args, id)
			}
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list deadletter jobs: %w", err)
		}
		jobs, err := collectJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			// Restart the document from the beginning of the pipeline; the
			// failing stage is not recoverable from the deadletter row alone.
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs
                 SET status = ?, state = ?, retry_count = 0, last_error = NULL,
                     lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
                 WHERE job_id = ? AND status = ?`,
				StatusUploaded, StateQueued, formatTime(now), job.JobID, StatusDeadletter,
			); err != nil {
				return fmt.Errorf("requeue job %d: %w", job.JobID, err)
			}
			if err := appendEventTx(ctx, tx, job.DocumentID, job.JobID, StatusDeadletter, StatusUploaded,
				"operator requeue", now); err != nil {
				return err
			}
			if err := mirrorDocumentStatusTx(ctx, tx, job.DocumentID, StatusUploaded, now); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

// JobStats returns job counts grouped by coarse state.
func (s *Store) JobStats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, err
		}
		stats.Total += count
		switch state {
		case StateQueued:
			stats.Queued += count
		case StateActive:
			stats.Active += count
		case StateDone:
			stats.Done += count
		case StateDeadletter:
			stats.Deadletter += count
		}
	}
	return stats, rows.Err()
}

func mirrorDocumentStatusTx(ctx context.Context, tx *sql.Tx, documentID string, status Status, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET processing_status = ?, updated_at = ? WHERE document_id = ?`,
		status, formatTime(now), documentID); err != nil {
		return fmt.Errorf("mirror document status: %w", err)
	}
	return nil
}

const jobColumns = "job_id, document_id, state, status, payload_json, retry_count, max_retries, last_error, lease_owner, lease_token, lease_expires_at, created_at, updated_at"

func scanJobRow(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		stateStr     string
		statusStr    string
		payload      sql.NullString
		lastError    sql.NullString
		leaseOwner   sql.NullString
		leaseToken   sql.NullString
		leaseExpires sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&job.JobID,
		&job.DocumentID,
		&stateStr,
		&statusStr,
		&payload,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&leaseOwner,
		&leaseToken,
		&leaseExpires,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	job.State = State(stateStr)
	job.Status = Status(statusStr)
	job.PayloadJSON = payload.String
	job.LastError = lastError.String
	job.LeaseOwner = leaseOwner.String
	job.LeaseToken = leaseToken.String
	if leaseExpires.Valid {
		if expires, err := parseTimeString(leaseExpires.String); err == nil {
			job.LeaseExpiresAt = &expires
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
