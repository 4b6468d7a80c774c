package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// BillingRepository applies billing side effects. Every write is an upsert or
// a conditional update so replays are harmless.
type BillingRepository struct {
	db *sql.DB
}

// NewBillingRepository constructs a repository.
func NewBillingRepository(db *sql.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// UpsertSubscription inserts or refreshes a subscription. Older snapshots do
// not overwrite newer ones.
func (r *BillingRepository) UpsertSubscription(ctx context.Context, s model.Subscription) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (provider_id, customer_id, user_id, status, plan, current_period_end, cancel_at_period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			user_id = COALESCE(EXCLUDED.user_id, subscriptions.user_id),
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = EXCLUDED.updated_at
		WHERE subscriptions.updated_at <= EXCLUDED.updated_at`,
		s.ProviderID, s.CustomerID, nullString(s.UserID), s.Status, s.Plan, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// CancelSubscription marks a subscription canceled once.
func (r *BillingRepository) CancelSubscription(ctx context.Context, providerID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'canceled', updated_at = $2
		WHERE provider_id = $1 AND status <> 'canceled'`, providerID, at)
	if err != nil {
		return false, fmt.Errorf("cancel subscription: %w", err)
	}
	return affected(res)
}

// InsertPayment records a payment once.
func (r *BillingRepository) InsertPayment(ctx context.Context, p model.Payment) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (provider_id, customer_id, user_id, amount_cents, refunded_cents, currency, status, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		ON CONFLICT (provider_id) DO NOTHING`,
		p.ProviderID, p.CustomerID, nullString(p.UserID), p.AmountCents, p.Currency, p.Status, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return affected(res)
}

// RefundPayment raises the refunded amount; replays of the same refund are
// no-ops.
func (r *BillingRepository) RefundPayment(ctx context.Context, providerID string, refundedCents int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments SET refunded_cents = $2, status = 'refunded'
		WHERE provider_id = $1 AND refunded_cents < $2`, providerID, refundedCents)
	if err != nil {
		return false, fmt.Errorf("refund payment: %w", err)
	}
	return affected(res)
}

// DetachCustomer cancels every live subscription of a deleted customer.
func (r *BillingRepository) DetachCustomer(ctx context.Context, customerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'canceled', updated_at = $2
		WHERE customer_id = $1 AND status <> 'canceled'`, customerID, at)
	if err != nil {
		return fmt.Errorf("detach customer: %w", err)
	}
	return nil
}
