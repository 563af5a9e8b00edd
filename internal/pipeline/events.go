package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendEvent records a transition outside a store transaction. Most
// events are appended transactionally by the claim/complete/fail paths;
// this entry point exists for rejected-transition audit records raised by
// callers that never reached an update.
func (s *Store) AppendEvent(ctx context.Context, documentID string, jobID int64, from, to Status, detail string) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO events (event_id, document_id, job_id, from_status, to_status, detail, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), documentID, jobID, string(from), string(to),
			nullableString(detail), formatTime(time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return nil
	})
}

// EventsByDocument returns a document's transition history, oldest first.
func (s *Store) EventsByDocument(ctx context.Context, documentID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+eventColumns+` FROM events WHERE document_id = ? ORDER BY created_at, event_id`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("events by document: %w", err)
	}
	return collectEvents(rows)
}

// EventsAfter returns up to limit events strictly newer than the cursor,
// oldest first. The cursor is the (created_at, event_id) pair of the last
// event already consumed: transactional writers stamp sibling events with
// a shared created_at, so a timestamp alone cannot split them. Passing a
// zero time starts from the beginning; an empty afterID means strictly
// after the timestamp.
func (s *Store) EventsAfter(ctx context.Context, after time.Time, afterID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	cursor := formatTime(after.UTC())
	var (
		rows *sql.Rows
		err  error
	)
	if afterID == "" {
		rows, err = s.db.QueryContext(ensureContext(ctx),
			`SELECT `+eventColumns+` FROM events WHERE created_at > ? ORDER BY created_at, event_id LIMIT ?`,
			cursor, limit)
	} else {
		rows, err = s.db.QueryContext(ensureContext(ctx),
			`SELECT `+eventColumns+` FROM events
             WHERE created_at > ? OR (created_at = ? AND event_id > ?)
             ORDER BY created_at, event_id LIMIT ?`,
			cursor, cursor, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	return collectEvents(rows)
}

func appendEventTx(ctx context.Context, tx *sql.Tx, documentID string, jobID int64, from, to Status, detail string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, document_id, job_id, from_status, to_status, detail, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), documentID, jobID, string(from), string(to),
		nullableString(detail), formatTime(now)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

const eventColumns = "event_id, document_id, job_id, from_status, to_status, detail, created_at"

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (*Event, error) {
	var (
		event      Event
		jobID      sql.NullInt64
		fromStatus string
		toStatus   string
		detail     sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(
		&event.EventID,
		&event.DocumentID,
		&jobID,
		&fromStatus,
		&toStatus,
		&detail,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	event.JobID = jobID.Int64
	event.FromStatus = Status(fromStatus)
	event.ToStatus = Status(toStatus)
	event.Detail = detail.String
	if created, err := parseTimeString(createdRaw); err == nil {
		event.CreatedAt = created
	}
	return &event, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
