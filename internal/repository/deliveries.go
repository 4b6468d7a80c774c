package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

const deliveryColumns = `id, user_id, letter_id, channel, deliver_at, timezone, status, attempt_count,
	last_error, provider_ref, run_ref, email_target, mail_target, created_at, updated_at`

// sendAtExpr is the instant a scheduled delivery is due: the computed ship
// date for arrive-by mail, deliver_at otherwise.
const sendAtExpr = `COALESCE((mail_target->>'sendDate')::timestamptz, deliver_at)`

// DeliveryRepository persists deliveries, their sealed snapshots and attempt
// trail.
type DeliveryRepository struct {
	db *sql.DB
}

// NewDeliveryRepository constructs a repository.
func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Create inserts a scheduled delivery together with its sealed snapshot and
// audit record.
func (r *DeliveryRepository) Create(ctx context.Context, d *model.Delivery, snap *model.SealedSnapshot, audit model.AuditEvent) error {
	ensureID(&d.ID)
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DeliveryScheduled
	}
	email, err := marshalPtr(d.Email)
	if err != nil {
		return fmt.Errorf("encode email target: %w", err)
	}
	mail, err := marshalPtr(d.Mail)
	if err != nil {
		return fmt.Errorf("encode mail target: %w", err)
	}
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (id, user_id, letter_id, channel, deliver_at, timezone, status, attempt_count,
				provider_ref, email_target, mail_target, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $12)`,
			d.ID, d.UserID, d.LetterID, d.Channel, d.DeliverAt, d.Timezone, d.Status,
			d.ProviderRef, email, mail, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
		if snap != nil {
			snap.DeliveryID = d.ID
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sealed_snapshots (delivery_id, title, ciphertext, nonce, key_version, sealed_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				snap.DeliveryID, snap.Title, snap.Ciphertext, snap.Nonce, snap.KeyVersion, snap.SealedAt)
			if err != nil {
				return fmt.Errorf("insert sealed snapshot: %w", err)
			}
		}
		return insertAudit(ctx, tx, audit)
	})
}

// Get returns a delivery by id.
func (r *DeliveryRepository) Get(ctx context.Context, id string) (*model.Delivery, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, notFound(err, "delivery "+id)
	}
	return d, nil
}

// ListForLetter returns every delivery of a letter owned by userID.
func (r *DeliveryRepository) ListForLetter(ctx context.Context, userID, letterID string) ([]model.Delivery, error) {
	return r.list(ctx, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE user_id = $1 AND letter_id = $2 ORDER BY deliver_at`, userID, letterID)
}

// ListOverdue returns scheduled deliveries whose send instant passed before
// cutoff.
func (r *DeliveryRepository) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]model.Delivery, error) {
	return r.list(ctx, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE status = 'scheduled' AND `+sendAtExpr+` < $1
		ORDER BY deliver_at LIMIT $2`, cutoff, limit)
}

// ListStuckProcessing returns deliveries left in processing since before
// cutoff.
func (r *DeliveryRepository) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]model.Delivery, error) {
	return r.list(ctx, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, cutoff, limit)
}

func (r *DeliveryRepository) list(ctx context.Context, query string, args ...any) ([]model.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Snapshot returns the sealed snapshot of a delivery, or model.ErrNotFound for
// records that predate snapshot sealing.
func (r *DeliveryRepository) Snapshot(ctx context.Context, deliveryID string) (*model.SealedSnapshot, error) {
	var s model.SealedSnapshot
	err := r.db.QueryRowContext(ctx, `
		SELECT delivery_id, title, ciphertext, nonce, key_version, sealed_at
		FROM sealed_snapshots WHERE delivery_id = $1`, deliveryID).
		Scan(&s.DeliveryID, &s.Title, &s.Ciphertext, &s.Nonce, &s.KeyVersion, &s.SealedAt)
	if err != nil {
		return nil, notFound(err, "snapshot "+deliveryID)
	}
	return &s, nil
}

// MarkProcessing moves a scheduled delivery to processing and records the run
// that owns it. A delivery already processing is re-owned by the new run.
func (r *DeliveryRepository) MarkProcessing(ctx context.Context, id, runRef string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'processing', run_ref = $2, updated_at = $3
		WHERE id = $1 AND status IN ('scheduled', 'processing')`, id, runRef, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return affected(res)
}

// MarkSent records a successful send: status, attempt count, provider ref,
// the letter's SENT status, the attempt row and the audit event, atomically.
func (r *DeliveryRepository) MarkSent(ctx context.Context, out model.SendOutcome) error {
	now := time.Now().UTC()
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deliveries
			SET status = 'sent', attempt_count = attempt_count + 1, provider_ref = $2, last_error = NULL, updated_at = $3
			WHERE id = $1 AND status = 'processing'`, out.DeliveryID, out.ProviderRef, now)
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("delivery %s is not processing: %w", out.DeliveryID, model.ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE letters SET status = 'SENT', updated_at = $2
			WHERE id = $1 AND status <> 'SENT'`, out.Attempt.LetterID, now); err != nil {
			return fmt.Errorf("mark letter sent: %w", err)
		}
		if err := insertAttempt(ctx, tx, out.Attempt); err != nil {
			return err
		}
		return insertAudit(ctx, tx, out.Audit)
	})
}

// MarkFailed records a terminal failure with its error code, atomically with
// the attempt row and audit event.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, out model.SendOutcome) error {
	lastErr, err := marshalPtr(out.Error)
	if err != nil {
		return fmt.Errorf("encode last error: %w", err)
	}
	now := time.Now().UTC()
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deliveries
			SET status = 'failed', attempt_count = attempt_count + 1, last_error = $2, updated_at = $3
			WHERE id = $1 AND status IN ('scheduled', 'processing')`, out.DeliveryID, lastErr, now)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("delivery %s already terminal: %w", out.DeliveryID, model.ErrConflict)
		}
		if err := insertAttempt(ctx, tx, out.Attempt); err != nil {
			return err
		}
		return insertAudit(ctx, tx, out.Audit)
	})
}

// RecordAttempt appends a row to the attempt trail.
func (r *DeliveryRepository) RecordAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	return insertAttempt(ctx, r.db, a)
}

// Cancel moves a scheduled delivery owned by userID to canceled.
func (r *DeliveryRepository) Cancel(ctx context.Context, id, userID string, audit model.AuditEvent) (bool, error) {
	var ok bool
	err := WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deliveries SET status = 'canceled', updated_at = $3
			WHERE id = $1 AND user_id = $2 AND status = 'scheduled'`, id, userID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("cancel delivery: %w", err)
		}
		if ok, err = affected(res); err != nil || !ok {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	return ok, err
}

// Reschedule changes the instant of a scheduled delivery owned by userID.
func (r *DeliveryRepository) Reschedule(ctx context.Context, id, userID string, deliverAt time.Time, mail *model.MailTarget, audit model.AuditEvent) (bool, error) {
	mailJSON, err := marshalPtr(mail)
	if err != nil {
		return false, fmt.Errorf("encode mail target: %w", err)
	}
	var ok bool
	err = WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deliveries
			SET deliver_at = $3, mail_target = COALESCE($4, mail_target), updated_at = $5
			WHERE id = $1 AND user_id = $2 AND status = 'scheduled'`,
			id, userID, deliverAt, mailJSON, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("reschedule delivery: %w", err)
		}
		if ok, err = affected(res); err != nil || !ok {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	return ok, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*model.Delivery, error) {
	var (
		d                         model.Delivery
		lastErr, email, mail      []byte
		providerRef, runRef       sql.NullString
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.LetterID, &d.Channel, &d.DeliverAt, &d.Timezone, &d.Status, &d.AttemptCount,
		&lastErr, &providerRef, &runRef, &email, &mail, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.LastError, err = unmarshalPtr[model.DeliveryError](lastErr); err != nil {
		return nil, fmt.Errorf("decode last error: %w", err)
	}
	if d.Email, err = unmarshalPtr[model.EmailTarget](email); err != nil {
		return nil, fmt.Errorf("decode email target: %w", err)
	}
	if d.Mail, err = unmarshalPtr[model.MailTarget](mail); err != nil {
		return nil, fmt.Errorf("decode mail target: %w", err)
	}
	if providerRef.Valid {
		ref := providerRef.String
		d.ProviderRef = &ref
	}
	if runRef.Valid {
		ref := runRef.String
		d.RunRef = &ref
	}
	return &d, nil
}

func insertAttempt(ctx context.Context, tx DBTX, a model.DeliveryAttempt) error {
	ensureID(&a.ID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, delivery_id, letter_id, channel, attempt, status, error_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.DeliveryID, a.LetterID, a.Channel, a.Attempt, a.Status,
		nullString(a.ErrorCode), nullString(a.ErrorMessage), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}
