package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// LetterRepository persists letters.
type LetterRepository struct {
	db *sql.DB
}

// NewLetterRepository constructs a repository.
func NewLetterRepository(db *sql.DB) *LetterRepository {
	return &LetterRepository{db: db}
}

// Create inserts a draft letter and its audit record.
func (r *LetterRepository) Create(ctx context.Context, l *model.Letter, audit model.AuditEvent) error {
	ensureID(&l.ID)
	now := time.Now().UTC()
	l.Status = model.LetterDraft
	l.CreatedAt = now
	l.UpdatedAt = now
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO letters (id, user_id, title, ciphertext, nonce, key_version, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			l.ID, l.UserID, l.Title, l.Ciphertext, l.Nonce, l.KeyVersion, l.Status, l.CreatedAt, l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert letter: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// Get returns a letter that has not been soft-deleted.
func (r *LetterRepository) Get(ctx context.Context, id string) (*model.Letter, error) {
	var (
		l        model.Letter
		lockedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, ciphertext, nonce, key_version, status, locked_at, created_at, updated_at
		FROM letters
		WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&l.ID, &l.UserID, &l.Title, &l.Ciphertext, &l.Nonce, &l.KeyVersion, &l.Status, &lockedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "letter "+id)
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		l.LockedAt = &t
	}
	return &l, nil
}

// UpdateContent replaces the sealed content of a draft. A letter that is no
// longer a draft reports model.ErrConflict.
func (r *LetterRepository) UpdateContent(ctx context.Context, l *model.Letter, audit model.AuditEvent) error {
	l.UpdatedAt = time.Now().UTC()
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE letters
			SET title = $2, ciphertext = $3, nonce = $4, key_version = $5, updated_at = $6
			WHERE id = $1 AND user_id = $7 AND status = 'DRAFT' AND deleted_at IS NULL`,
			l.ID, l.Title, l.Ciphertext, l.Nonce, l.KeyVersion, l.UpdatedAt, l.UserID)
		if err != nil {
			return fmt.Errorf("update letter: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("letter %s is not an editable draft: %w", l.ID, model.ErrConflict)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// Lock moves the letter to LOCKED and stamps locked_at once. It reports false
// when another caller already locked it.
func (r *LetterRepository) Lock(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE letters
		SET status = 'LOCKED', locked_at = $2, updated_at = $2
		WHERE id = $1 AND status <> 'LOCKED' AND locked_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("lock letter: %w", err)
	}
	return affected(res)
}
