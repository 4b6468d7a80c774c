package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

func seed(t *testing.T, m *MemoryStore) (*model.Letter, *model.Delivery) {
	t.Helper()
	ctx := context.Background()
	l := &model.Letter{UserID: "u-1", Title: "Hi", Ciphertext: []byte("ct"), Nonce: []byte("n"), KeyVersion: 1}
	require.NoError(t, m.Letters().Create(ctx, l, model.NewAudit("u-1", model.AuditLetterCreated, nil, time.Now())))
	d := &model.Delivery{UserID: "u-1", LetterID: l.ID, Channel: model.ChannelElectronic, DeliverAt: time.Now().Add(time.Hour), Timezone: "UTC"}
	snap := &model.SealedSnapshot{Title: l.Title, Ciphertext: l.Ciphertext, Nonce: l.Nonce, KeyVersion: 1, SealedAt: time.Now()}
	require.NoError(t, m.Deliveries().Create(ctx, d, snap, model.NewAudit("u-1", model.AuditDeliveryScheduled, nil, time.Now())))
	return l, d
}

func TestLettersLock_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemoryStore()
	l, _ := seed(t, m)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Letters().Lock(context.Background(), l.ID, time.Unix(int64(i), 0))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	got, err := m.Letters().Get(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LetterLocked, got.Status)
	require.NotNil(t, got.LockedAt)
}

func TestLettersUpdateContent_RejectsLocked(t *testing.T) {
	m := NewMemoryStore()
	l, _ := seed(t, m)
	_, err := m.Letters().Lock(context.Background(), l.ID, time.Now())
	require.NoError(t, err)

	l.Title = "changed"
	err = m.Letters().UpdateContent(context.Background(), l, model.AuditEvent{})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestDeliveriesLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	l, d := seed(t, m)

	ok, err := m.Deliveries().MarkProcessing(ctx, d.ID, "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	out := model.SendOutcome{
		DeliveryID:  d.ID,
		ProviderRef: "em_1",
		Attempt:     model.DeliveryAttempt{DeliveryID: d.ID, Attempt: 1, Status: model.AttemptSent},
		Audit:       model.NewAudit("u-1", model.AuditDeliverySent, nil, time.Now()),
	}
	require.NoError(t, m.Deliveries().MarkSent(ctx, out))
	assert.ErrorIs(t, m.Deliveries().MarkSent(ctx, out), model.ErrConflict, "sent is terminal")
	assert.ErrorIs(t, m.Deliveries().MarkFailed(ctx, out), model.ErrConflict)

	got, err := m.Deliveries().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "em_1", *got.ProviderRef)

	letter, err := m.Letters().Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LetterSent, letter.Status)
	assert.Len(t, m.Attempts(d.ID), 1)

	ok, err = m.Deliveries().MarkProcessing(ctx, d.ID, "run-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveriesCancel_OnlyFromScheduled(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, d := seed(t, m)

	ok, err := m.Deliveries().Cancel(ctx, d.ID, "someone-else", model.AuditEvent{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Deliveries().Cancel(ctx, d.ID, "u-1", model.NewAudit("u-1", model.AuditDeliveryCanceled, nil, time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Deliveries().Reschedule(ctx, d.ID, "u-1", time.Now(), nil, model.AuditEvent{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveriesListOverdue_UsesShipDate(t *testing.T) {
	m := NewMemoryStore()
	now := time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC)
	ship := now.Add(-time.Hour)
	m.Deliveries().Put(model.Delivery{ID: "arrive", Status: model.DeliveryScheduled, Channel: model.ChannelPhysical, DeliverAt: now.Add(10 * 24 * time.Hour),
		Mail: &model.MailTarget{Mode: model.MailArriveBy, SendDate: &ship}})
	m.Deliveries().Put(model.Delivery{ID: "future", Status: model.DeliveryScheduled, Channel: model.ChannelElectronic, DeliverAt: now.Add(time.Hour)})
	m.Deliveries().Put(model.Delivery{ID: "past-sent", Status: model.DeliverySent, Channel: model.ChannelElectronic, DeliverAt: now.Add(-time.Hour)})

	out, err := m.Deliveries().ListOverdue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "arrive", out[0].ID)
}

func TestEventsClaim_ExactlyOnce(t *testing.T) {
	m := NewMemoryStore()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Events().Claim(context.Background(), model.WebhookEvent{ID: "evt_1", ClaimedAt: time.Now()})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestEventsDeadLetterAndReopen(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	_, err := m.Events().Claim(ctx, model.WebhookEvent{ID: "evt_1", ClaimToken: "a", ClaimedAt: now})
	require.NoError(t, err)

	require.NoError(t, m.Events().DeadLetter(ctx, model.FailedEvent{EventID: "evt_1", Error: "boom", FailedAt: now}, model.AuditEvent{Type: model.AuditEventDeadLettered}))
	failed, err := m.Events().ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	ok, err := m.Events().Reopen(ctx, "evt_1", "b", now)
	require.NoError(t, err)
	assert.True(t, ok)
	failed, err = m.Events().ListFailed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	ev, err := m.Events().Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, model.EventClaimed, ev.Status)
	assert.Equal(t, "b", ev.ClaimToken)
}

func TestBillingRefund_Monotonic(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryStore().Billing()
	ok, err := b.InsertPayment(ctx, model.Payment{ProviderID: "pi_1", AmountCents: 1000, Status: model.PaymentSucceeded})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.RefundPayment(ctx, "pi_1", 500)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.RefundPayment(ctx, "pi_1", 500)
	require.NoError(t, err)
	assert.False(t, ok, "replayed refund is a no-op")

	p, _ := b.Payment("pi_1")
	assert.EqualValues(t, 500, p.RefundedCents)
	assert.Equal(t, model.PaymentRefunded, p.Status)
}
