package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/ingest"
	"github.com/dharsanguruparan/capsulenote/internal/model"
	"github.com/dharsanguruparan/capsulenote/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*storage.MemoryStore, *ingest.Ingestor) {
	t.Helper()
	m := storage.NewMemoryStore()
	in := ingest.New(m.Events(), nil, 0, func() time.Time { return t0 })
	New(m.Billing(), nil, func() time.Time { return t0 }).Register(in)
	return m, in
}

func ingestEvent(t *testing.T, in *ingest.Ingestor, id, typ string, at time.Time, obj string) ingest.Outcome {
	t.Helper()
	out, err := in.Ingest(context.Background(), model.Event{ID: id, Type: typ, Payload: json.RawMessage(obj), CreatedAt: at}, ingest.NewClaimToken())
	require.NoError(t, err)
	return out
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]model.SubscriptionStatus{
		"active":             model.SubscriptionActive,
		"trialing":           model.SubscriptionTrialing,
		"paused":             model.SubscriptionPaused,
		"incomplete":         model.SubscriptionPastDue,
		"incomplete_expired": model.SubscriptionPastDue,
		"something_new":      model.SubscriptionPastDue,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeStatus(in), in)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	m, in := setup(t)

	out := ingestEvent(t, in, "evt_1", SubscriptionCreated, t0, `{
		"id": "sub_1", "customer": "cus_1", "status": "active",
		"current_period_end": 1743465600,
		"metadata": {"userId": "user-1"},
		"items": {"data": [{"price": {"metadata": {"plan": "PAPER_PIXELS"}}}]}
	}`)
	assert.Equal(t, ingest.Processed, out)

	sub, ok := m.Billing().Subscription("sub_1")
	require.True(t, ok)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
	assert.Equal(t, "PAPER_PIXELS", sub.Plan)
	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, time.Unix(1743465600, 0).UTC(), sub.CurrentPeriodEnd)

	ingestEvent(t, in, "evt_2", SubscriptionUpdated, t0.Add(time.Hour), `{"id": "sub_1", "customer": "cus_1", "status": "incomplete_expired"}`)
	sub, _ = m.Billing().Subscription("sub_1")
	assert.Equal(t, model.SubscriptionPastDue, sub.Status)
	assert.Equal(t, DefaultPlan, sub.Plan)
	assert.Equal(t, "user-1", sub.UserID)

	// An older snapshot arriving late does not overwrite the newer state.
	ingestEvent(t, in, "evt_0", SubscriptionUpdated, t0.Add(-time.Hour), `{"id": "sub_1", "customer": "cus_1", "status": "active"}`)
	sub, _ = m.Billing().Subscription("sub_1")
	assert.Equal(t, model.SubscriptionPastDue, sub.Status)

	ingestEvent(t, in, "evt_3", SubscriptionDeleted, t0.Add(2*time.Hour), `{"id": "sub_1"}`)
	sub, _ = m.Billing().Subscription("sub_1")
	assert.Equal(t, model.SubscriptionCanceled, sub.Status)

	assert.Equal(t, ingest.AlreadyProcessed, ingestEvent(t, in, "evt_3", SubscriptionDeleted, t0.Add(2*time.Hour), `{"id": "sub_1"}`))
}

func TestPaymentAndRefund(t *testing.T) {
	m, in := setup(t)

	ingestEvent(t, in, "evt_p", PaymentSucceeded, t0, `{"id": "pi_1", "customer": "cus_1", "amount": 900, "amount_received": 900, "currency": "usd"}`)
	p, ok := m.Billing().Payment("pi_1")
	require.True(t, ok)
	assert.EqualValues(t, 900, p.AmountCents)
	assert.Equal(t, model.PaymentSucceeded, p.Status)

	// A second event for the same intent inserts nothing.
	ingestEvent(t, in, "evt_p2", PaymentSucceeded, t0, `{"id": "pi_1", "customer": "cus_1", "amount": 100}`)
	p, _ = m.Billing().Payment("pi_1")
	assert.EqualValues(t, 900, p.AmountCents)

	ingestEvent(t, in, "evt_r1", ChargeRefunded, t0, `{"id": "ch_1", "payment_intent": "pi_1", "amount_refunded": 400}`)
	ingestEvent(t, in, "evt_r0", ChargeRefunded, t0, `{"id": "ch_1", "payment_intent": "pi_1", "amount_refunded": 200}`)
	p, _ = m.Billing().Payment("pi_1")
	assert.EqualValues(t, 400, p.RefundedCents)
	assert.Equal(t, model.PaymentRefunded, p.Status)
}

func TestCustomerDeleted(t *testing.T) {
	m, in := setup(t)
	ingestEvent(t, in, "evt_a", SubscriptionCreated, t0, `{"id": "sub_a", "customer": "cus_9", "status": "active"}`)
	ingestEvent(t, in, "evt_b", SubscriptionCreated, t0, `{"id": "sub_b", "customer": "cus_9", "status": "trialing"}`)

	ingestEvent(t, in, "evt_c", CustomerDeleted, t0.Add(time.Minute), `{"id": "cus_9"}`)

	for _, id := range []string{"sub_a", "sub_b"} {
		sub, ok := m.Billing().Subscription(id)
		require.True(t, ok)
		assert.Equal(t, model.SubscriptionCanceled, sub.Status, id)
	}
}

func TestMalformedPayload(t *testing.T) {
	h := New(storage.NewMemoryStore().Billing(), nil, nil)
	err := h.SubscriptionChanged(context.Background(), model.Event{ID: "evt_x", Type: SubscriptionCreated, Payload: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrMalformed)

	err = h.PaymentSucceeded(context.Background(), model.Event{ID: "evt_y", Type: PaymentSucceeded, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrMalformed)
}
