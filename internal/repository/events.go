package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// EventRepository stores idempotency records for ingested events and the
// dead-letter table.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Claim inserts the idempotency record. It reports false, without error, when
// the event id is already known.
func (r *EventRepository) Claim(ctx context.Context, ev model.WebhookEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, type, payload, status, claim_token, claimed_at, retry_count)
		VALUES ($1, $2, $3, 'CLAIMED', $4, $5, 0)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, []byte(ev.Payload), ev.ClaimToken, ev.ClaimedAt)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return affected(res)
}

// Get returns the idempotency record for id.
func (r *EventRepository) Get(ctx context.Context, id string) (*model.WebhookEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, type, payload, status, claim_token, claimed_at, processed_at, retry_count, COALESCE(error, '')
		FROM webhook_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err, "event "+id)
	}
	return ev, nil
}

// Reclaim hands a stale CLAIMED/PROCESSING record to a new claim token and
// bumps its retry count.
func (r *EventRepository) Reclaim(ctx context.Context, id, token string, staleBefore, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'CLAIMED', claim_token = $2, claimed_at = $3, retry_count = retry_count + 1
		WHERE id = $1 AND status IN ('CLAIMED', 'PROCESSING') AND claimed_at < $4`,
		id, token, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("reclaim event: %w", err)
	}
	return affected(res)
}

// MarkProcessing moves a record held by token to PROCESSING.
func (r *EventRepository) MarkProcessing(ctx context.Context, id, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'PROCESSING'
		WHERE id = $1 AND claim_token = $2 AND status IN ('CLAIMED', 'PROCESSING')`, id, token)
	if err != nil {
		return false, fmt.Errorf("mark event processing: %w", err)
	}
	return affected(res)
}

// MarkCompleted completes the record. It reports false when another run
// completed it first.
func (r *EventRepository) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'COMPLETED', processed_at = $2, error = NULL
		WHERE id = $1 AND status <> 'COMPLETED'`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark event completed: %w", err)
	}
	return affected(res)
}

// DeadLetter marks the record FAILED and stores the failed event with its
// audit record.
func (r *EventRepository) DeadLetter(ctx context.Context, fe model.FailedEvent, audit model.AuditEvent) error {
	ensureID(&fe.ID)
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_events SET status = 'FAILED', error = $2
			WHERE id = $1 AND status <> 'COMPLETED'`, fe.EventID, fe.Error); err != nil {
			return fmt.Errorf("mark event failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failed_events (id, event_id, event_type, payload, error, retry_count, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			fe.ID, fe.EventID, fe.EventType, []byte(fe.Payload), fe.Error, fe.RetryCount, fe.FailedAt); err != nil {
			return fmt.Errorf("insert failed event: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// ListStuck returns CLAIMED/PROCESSING records claimed before cutoff that
// have been retried fewer than maxRetries times.
func (r *EventRepository) ListStuck(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]model.WebhookEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, payload, status, claim_token, claimed_at, processed_at, retry_count, COALESCE(error, '')
		FROM webhook_events
		WHERE status IN ('CLAIMED', 'PROCESSING') AND claimed_at < $1 AND retry_count < $2
		ORDER BY claimed_at LIMIT $3`, cutoff, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	var out []model.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// ListFailed returns unresolved dead letters, oldest first.
func (r *EventRepository) ListFailed(ctx context.Context, limit int) ([]model.FailedEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, payload, error, retry_count, failed_at, resolved_at
		FROM failed_events
		WHERE resolved_at IS NULL
		ORDER BY failed_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	var out []model.FailedEvent
	for rows.Next() {
		var (
			fe       model.FailedEvent
			payload  []byte
			resolved sql.NullTime
		)
		if err := rows.Scan(&fe.ID, &fe.EventID, &fe.EventType, &payload, &fe.Error, &fe.RetryCount, &fe.FailedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		fe.Payload = json.RawMessage(payload)
		if resolved.Valid {
			t := resolved.Time
			fe.ResolvedAt = &t
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

// Reopen hands a FAILED record to token for a replay and resolves its dead
// letters.
func (r *EventRepository) Reopen(ctx context.Context, id, token string, now time.Time) (bool, error) {
	var ok bool
	err := WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE webhook_events
			SET status = 'CLAIMED', claim_token = $2, claimed_at = $3, error = NULL
			WHERE id = $1 AND status = 'FAILED'`, id, token, now)
		if err != nil {
			return fmt.Errorf("reopen event: %w", err)
		}
		if ok, err = affected(res); err != nil || !ok {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE failed_events SET resolved_at = $2
			WHERE event_id = $1 AND resolved_at IS NULL`, id, now); err != nil {
			return fmt.Errorf("resolve failed events: %w", err)
		}
		return nil
	})
	return ok, err
}

func scanEvent(row rowScanner) (*model.WebhookEvent, error) {
	var (
		ev        model.WebhookEvent
		payload   []byte
		processed sql.NullTime
	)
	if err := row.Scan(&ev.ID, &ev.Type, &payload, &ev.Status, &ev.ClaimToken, &ev.ClaimedAt, &processed, &ev.RetryCount, &ev.Error); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	if processed.Valid {
		t := processed.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}
