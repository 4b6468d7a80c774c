// Package storage contains the in-memory persistence layer. It mirrors the
// Postgres repositories method for method, including the conditional updates,
// and backs the scheduler, ingestion and API tests as well as the -memory dev
// mode of the api binary.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// MemoryStore guards every table with one RWMutex, so multi-row writes are
// atomic just like the SQL transactions they stand in for.
type MemoryStore struct {
	mu            sync.RWMutex
	letters       map[string]*model.Letter
	deliveries    map[string]*model.Delivery
	snapshots     map[string]*model.SealedSnapshot
	attempts      []model.DeliveryAttempt
	audit         []model.AuditEvent
	events        map[string]*model.WebhookEvent
	failed        []*model.FailedEvent
	subscriptions map[string]*model.Subscription
	payments      map[string]*model.Payment
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		letters:       make(map[string]*model.Letter),
		deliveries:    make(map[string]*model.Delivery),
		snapshots:     make(map[string]*model.SealedSnapshot),
		events:        make(map[string]*model.WebhookEvent),
		subscriptions: make(map[string]*model.Subscription),
		payments:      make(map[string]*model.Payment),
	}
}

// Letters returns the letter table view.
func (m *MemoryStore) Letters() *Letters { return &Letters{m} }

// Deliveries returns the delivery table view.
func (m *MemoryStore) Deliveries() *Deliveries { return &Deliveries{m} }

// Events returns the idempotency and dead-letter table view.
func (m *MemoryStore) Events() *Events { return &Events{m} }

// Billing returns the subscriptions and payments view.
func (m *MemoryStore) Billing() *Billing { return &Billing{m} }

// Audit returns the audit log view.
func (m *MemoryStore) Audit() *Audit { return &Audit{m} }

// AuditEvents returns a copy of every audit event in insertion order.
func (m *MemoryStore) AuditEvents() []model.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.AuditEvent(nil), m.audit...)
}

// Attempts returns a copy of the attempt trail of a delivery.
func (m *MemoryStore) Attempts(deliveryID string) []model.DeliveryAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.DeliveryAttempt
	for _, a := range m.attempts {
		if a.DeliveryID == deliveryID {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemoryStore) appendAudit(ev model.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, ev)
}

func (m *MemoryStore) appendAttempt(a model.DeliveryAttempt) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.attempts = append(m.attempts, a)
}

// Letters implements the letter store.
type Letters struct{ m *MemoryStore }

func (s *Letters) Create(_ context.Context, l *model.Letter, audit model.AuditEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	l.Status = model.LetterDraft
	l.CreatedAt = now
	l.UpdatedAt = now
	cp := *l
	s.m.letters[l.ID] = &cp
	s.m.appendAudit(audit)
	return nil
}

func (s *Letters) Get(_ context.Context, id string) (*model.Letter, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	l, ok := s.m.letters[id]
	if !ok || l.DeletedAt != nil {
		return nil, fmt.Errorf("letter %s: %w", id, model.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *Letters) UpdateContent(_ context.Context, l *model.Letter, audit model.AuditEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.letters[l.ID]
	if !ok || cur.UserID != l.UserID || !cur.Editable() {
		return fmt.Errorf("letter %s is not an editable draft: %w", l.ID, model.ErrConflict)
	}
	cur.Title = l.Title
	cur.Ciphertext = l.Ciphertext
	cur.Nonce = l.Nonce
	cur.KeyVersion = l.KeyVersion
	cur.UpdatedAt = time.Now().UTC()
	l.UpdatedAt = cur.UpdatedAt
	s.m.appendAudit(audit)
	return nil
}

func (s *Letters) Lock(_ context.Context, id string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	l, ok := s.m.letters[id]
	if !ok || l.Status == model.LetterLocked || l.LockedAt != nil {
		return false, nil
	}
	l.Status = model.LetterLocked
	l.LockedAt = &at
	l.UpdatedAt = at
	return true, nil
}

// Put stores a letter as-is. Tests use it to seed legacy rows.
func (s *Letters) Put(l model.Letter) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.letters[l.ID] = &l
}

// Deliveries implements the delivery store.
type Deliveries struct{ m *MemoryStore }

func (s *Deliveries) Create(_ context.Context, d *model.Delivery, snap *model.SealedSnapshot, audit model.AuditEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, ok := s.m.letters[d.LetterID]; !ok {
		return fmt.Errorf("letter %s: %w", d.LetterID, model.ErrNotFound)
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DeliveryScheduled
	}
	s.m.deliveries[d.ID] = cloneDelivery(d)
	if snap != nil {
		snap.DeliveryID = d.ID
		cp := *snap
		s.m.snapshots[d.ID] = &cp
	}
	s.m.appendAudit(audit)
	return nil
}

func (s *Deliveries) Get(_ context.Context, id string) (*model.Delivery, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	d, ok := s.m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, model.ErrNotFound)
	}
	return cloneDelivery(d), nil
}

func (s *Deliveries) ListForLetter(_ context.Context, userID, letterID string) ([]model.Delivery, error) {
	return s.filter(func(d *model.Delivery) bool { return d.UserID == userID && d.LetterID == letterID }, 0), nil
}

func (s *Deliveries) ListOverdue(_ context.Context, cutoff time.Time, limit int) ([]model.Delivery, error) {
	return s.filter(func(d *model.Delivery) bool {
		return d.Status == model.DeliveryScheduled && d.SendAt().Before(cutoff)
	}, limit), nil
}

func (s *Deliveries) ListStuckProcessing(_ context.Context, cutoff time.Time, limit int) ([]model.Delivery, error) {
	return s.filter(func(d *model.Delivery) bool {
		return d.Status == model.DeliveryProcessing && d.UpdatedAt.Before(cutoff)
	}, limit), nil
}

func (s *Deliveries) filter(keep func(*model.Delivery) bool, limit int) []model.Delivery {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []model.Delivery
	for _, d := range s.m.deliveries {
		if keep(d) {
			out = append(out, *cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliverAt.Before(out[j].DeliverAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Deliveries) Snapshot(_ context.Context, deliveryID string) (*model.SealedSnapshot, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	snap, ok := s.m.snapshots[deliveryID]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", deliveryID, model.ErrNotFound)
	}
	cp := *snap
	return &cp, nil
}

func (s *Deliveries) MarkProcessing(_ context.Context, id, runRef string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.deliveries[id]
	if !ok || (d.Status != model.DeliveryScheduled && d.Status != model.DeliveryProcessing) {
		return false, nil
	}
	d.Status = model.DeliveryProcessing
	d.RunRef = &runRef
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Deliveries) MarkSent(_ context.Context, out model.SendOutcome) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.deliveries[out.DeliveryID]
	if !ok || d.Status != model.DeliveryProcessing {
		return fmt.Errorf("delivery %s is not processing: %w", out.DeliveryID, model.ErrConflict)
	}
	ref := out.ProviderRef
	d.Status = model.DeliverySent
	d.AttemptCount++
	d.ProviderRef = &ref
	d.LastError = nil
	d.UpdatedAt = time.Now().UTC()
	if l, ok := s.m.letters[d.LetterID]; ok && l.Status != model.LetterSent {
		l.Status = model.LetterSent
		l.UpdatedAt = d.UpdatedAt
	}
	s.m.appendAttempt(out.Attempt)
	s.m.appendAudit(out.Audit)
	return nil
}

func (s *Deliveries) MarkFailed(_ context.Context, out model.SendOutcome) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.deliveries[out.DeliveryID]
	if !ok || (d.Status != model.DeliveryScheduled && d.Status != model.DeliveryProcessing) {
		return fmt.Errorf("delivery %s already terminal: %w", out.DeliveryID, model.ErrConflict)
	}
	d.Status = model.DeliveryFailed
	d.AttemptCount++
	if out.Error != nil {
		e := *out.Error
		d.LastError = &e
	}
	d.UpdatedAt = time.Now().UTC()
	s.m.appendAttempt(out.Attempt)
	s.m.appendAudit(out.Audit)
	return nil
}

func (s *Deliveries) RecordAttempt(_ context.Context, a model.DeliveryAttempt) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.appendAttempt(a)
	return nil
}

func (s *Deliveries) Cancel(_ context.Context, id, userID string, audit model.AuditEvent) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.deliveries[id]
	if !ok || d.UserID != userID || d.Status != model.DeliveryScheduled {
		return false, nil
	}
	d.Status = model.DeliveryCanceled
	d.UpdatedAt = time.Now().UTC()
	s.m.appendAudit(audit)
	return true, nil
}

func (s *Deliveries) Reschedule(_ context.Context, id, userID string, deliverAt time.Time, mail *model.MailTarget, audit model.AuditEvent) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.deliveries[id]
	if !ok || d.UserID != userID || d.Status != model.DeliveryScheduled {
		return false, nil
	}
	d.DeliverAt = deliverAt
	if mail != nil {
		cp := *mail
		d.Mail = &cp
	}
	d.UpdatedAt = time.Now().UTC()
	s.m.appendAudit(audit)
	return true, nil
}

// Put stores a delivery as-is. Tests use it to seed arbitrary states.
func (s *Deliveries) Put(d model.Delivery) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.deliveries[d.ID] = cloneDelivery(&d)
}

func cloneDelivery(d *model.Delivery) *model.Delivery {
	cp := *d
	if d.Email != nil {
		e := *d.Email
		cp.Email = &e
	}
	if d.Mail != nil {
		m := *d.Mail
		cp.Mail = &m
	}
	if d.LastError != nil {
		e := *d.LastError
		cp.LastError = &e
	}
	return &cp
}

// Audit implements the audit store.
type Audit struct{ m *MemoryStore }

func (s *Audit) Append(_ context.Context, ev model.AuditEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.appendAudit(ev)
	return nil
}

func (s *Audit) ListForUser(_ context.Context, userID string, limit int) ([]model.AuditEvent, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []model.AuditEvent
	for i := len(s.m.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.m.audit[i].UserID == userID {
			out = append(out, s.m.audit[i])
		}
	}
	return out, nil
}
