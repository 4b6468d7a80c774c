package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// AuditRepository reads and appends audit events.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository constructs a repository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit event.
func (r *AuditRepository) Append(ctx context.Context, ev model.AuditEvent) error {
	return insertAudit(ctx, r.db, ev)
}

// ListForUser returns the most recent events for a user.
func (r *AuditRepository) ListForUser(ctx context.Context, userID string, limit int) ([]model.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id, ''), type, data, created_at
		FROM audit_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			ev   model.AuditEvent
			data []byte
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, tx DBTX, ev model.AuditEvent) error {
	ensureID(&ev.ID)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data := []byte(ev.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, user_id, type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, nullString(ev.UserID), ev.Type, data, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
