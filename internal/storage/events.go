package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// Events implements the idempotency and dead-letter store.
type Events struct{ m *MemoryStore }

func (s *Events) Claim(_ context.Context, ev model.WebhookEvent) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, exists := s.m.events[ev.ID]; exists {
		return false, nil
	}
	ev.Status = model.EventClaimed
	ev.RetryCount = 0
	s.m.events[ev.ID] = &ev
	return true, nil
}

func (s *Events) Get(_ context.Context, id string) (*model.WebhookEvent, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	ev, ok := s.m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (s *Events) Reclaim(_ context.Context, id, token string, staleBefore, now time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ev, ok := s.m.events[id]
	if !ok || !inFlight(ev.Status) || !ev.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	ev.Status = model.EventClaimed
	ev.ClaimToken = token
	ev.ClaimedAt = now
	ev.RetryCount++
	return true, nil
}

func (s *Events) MarkProcessing(_ context.Context, id, token string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ev, ok := s.m.events[id]
	if !ok || ev.ClaimToken != token || !inFlight(ev.Status) {
		return false, nil
	}
	ev.Status = model.EventProcessing
	return true, nil
}

func (s *Events) MarkCompleted(_ context.Context, id string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ev, ok := s.m.events[id]
	if !ok || ev.Status == model.EventCompleted {
		return false, nil
	}
	ev.Status = model.EventCompleted
	ev.ProcessedAt = &at
	ev.Error = ""
	return true, nil
}

func (s *Events) DeadLetter(_ context.Context, fe model.FailedEvent, audit model.AuditEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if ev, ok := s.m.events[fe.EventID]; ok && ev.Status != model.EventCompleted {
		ev.Status = model.EventFailed
		ev.Error = fe.Error
	}
	if fe.ID == "" {
		fe.ID = uuid.NewString()
	}
	s.m.failed = append(s.m.failed, &fe)
	s.m.appendAudit(audit)
	return nil
}

func (s *Events) ListStuck(_ context.Context, cutoff time.Time, maxRetries, limit int) ([]model.WebhookEvent, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []model.WebhookEvent
	for _, ev := range s.m.events {
		if inFlight(ev.Status) && ev.ClaimedAt.Before(cutoff) && ev.RetryCount < maxRetries {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Events) ListFailed(_ context.Context, limit int) ([]model.FailedEvent, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []model.FailedEvent
	for _, fe := range s.m.failed {
		if fe.ResolvedAt == nil {
			out = append(out, *fe)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Events) Reopen(_ context.Context, id, token string, now time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ev, ok := s.m.events[id]
	if !ok || ev.Status != model.EventFailed {
		return false, nil
	}
	ev.Status = model.EventClaimed
	ev.ClaimToken = token
	ev.ClaimedAt = now
	ev.Error = ""
	for _, fe := range s.m.failed {
		if fe.EventID == id && fe.ResolvedAt == nil {
			at := now
			fe.ResolvedAt = &at
		}
	}
	return true, nil
}

func inFlight(st model.EventStatus) bool {
	return st == model.EventClaimed || st == model.EventProcessing
}

// Billing implements the billing store.
type Billing struct{ m *MemoryStore }

func (s *Billing) UpsertSubscription(_ context.Context, sub model.Subscription) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if cur, ok := s.m.subscriptions[sub.ProviderID]; ok {
		if cur.UpdatedAt.After(sub.UpdatedAt) {
			return nil
		}
		if sub.UserID == "" {
			sub.UserID = cur.UserID
		}
	}
	s.m.subscriptions[sub.ProviderID] = &sub
	return nil
}

func (s *Billing) CancelSubscription(_ context.Context, providerID string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sub, ok := s.m.subscriptions[providerID]
	if !ok || sub.Status == model.SubscriptionCanceled {
		return false, nil
	}
	sub.Status = model.SubscriptionCanceled
	sub.UpdatedAt = at
	return true, nil
}

func (s *Billing) InsertPayment(_ context.Context, p model.Payment) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.payments[p.ProviderID]; ok {
		return false, nil
	}
	p.RefundedCents = 0
	s.m.payments[p.ProviderID] = &p
	return true, nil
}

func (s *Billing) RefundPayment(_ context.Context, providerID string, refundedCents int64) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.payments[providerID]
	if !ok || p.RefundedCents >= refundedCents {
		return false, nil
	}
	p.RefundedCents = refundedCents
	p.Status = model.PaymentRefunded
	return true, nil
}

func (s *Billing) DetachCustomer(_ context.Context, customerID string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, sub := range s.m.subscriptions {
		if sub.CustomerID == customerID && sub.Status != model.SubscriptionCanceled {
			sub.Status = model.SubscriptionCanceled
			sub.UpdatedAt = at
		}
	}
	return nil
}

// Subscription returns a copy of a stored subscription.
func (s *Billing) Subscription(providerID string) (model.Subscription, bool) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sub, ok := s.m.subscriptions[providerID]
	if !ok {
		return model.Subscription{}, false
	}
	return *sub, true
}

// Payment returns a copy of a stored payment.
func (s *Billing) Payment(providerID string) (model.Payment, bool) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	p, ok := s.m.payments[providerID]
	if !ok {
		return model.Payment{}, false
	}
	return *p, true
}
