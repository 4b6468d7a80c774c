// Package ingest processes externally delivered events exactly once.
//
// The idempotency record is claimed before any side effect: the unique event
// id is the only concurrency control. Losing the claim race is reported as an
// Outcome, never as an error.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// Outcome describes what Ingest did with an event.
type Outcome string

const (
	Processed        Outcome = "processed"
	AlreadyProcessed Outcome = "already_processed"
	PreviouslyFailed Outcome = "previously_failed"
	InFlight         Outcome = "in_flight"
)

// Timing and budget of the backstop path.
const (
	DefaultStuckAfter  = 10 * time.Minute
	StuckAge           = 5 * time.Minute
	MaxBackstopRetries = 3
	BackstopBatch      = 100
)

// ErrNotReplayable is returned by Replay for events that are not dead-lettered.
var ErrNotReplayable = errors.New("event is not dead-lettered")

// Store persists idempotency records and dead letters.
type Store interface {
	Claim(ctx context.Context, ev model.WebhookEvent) (bool, error)
	Get(ctx context.Context, id string) (*model.WebhookEvent, error)
	Reclaim(ctx context.Context, id, token string, staleBefore, now time.Time) (bool, error)
	MarkProcessing(ctx context.Context, id, token string) (bool, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
	DeadLetter(ctx context.Context, fe model.FailedEvent, audit model.AuditEvent) error
	ListStuck(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]model.WebhookEvent, error)
	Reopen(ctx context.Context, id, token string, now time.Time) (bool, error)
}

// Handler applies the side effects of one event type. Handlers must be
// idempotent on their own keys as well: a crash between the side effect and
// MarkCompleted replays the event.
type Handler func(ctx context.Context, ev model.Event) error

// Ingestor routes claimed events to handlers.
type Ingestor struct {
	store      Store
	handlers   map[string]Handler
	log        logging.Logger
	stuckAfter time.Duration
	now        func() time.Time
}

// New creates an Ingestor. A zero stuckAfter selects DefaultStuckAfter.
func New(store Store, log logging.Logger, stuckAfter time.Duration, now func() time.Time) *Ingestor {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Ingestor{
		store:      store,
		handlers:   make(map[string]Handler),
		log:        log,
		stuckAfter: stuckAfter,
		now:        now,
	}
}

// Register installs h for events of type typ.
func (i *Ingestor) Register(typ string, h Handler) {
	i.handlers[typ] = h
}

// NewClaimToken returns a fresh claim token.
func NewClaimToken() string {
	return uuid.NewString()
}

// Ingest claims ev with token and, if the claim is ours, runs its handler.
// Host retries of the same delivery must reuse token.
func (i *Ingestor) Ingest(ctx context.Context, ev model.Event, token string) (Outcome, error) {
	now := i.now()
	log := i.log.With("event_id", ev.ID, "event_type", ev.Type)

	claimed, err := i.store.Claim(ctx, model.WebhookEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		Payload:    ev.Payload,
		ClaimToken: token,
		ClaimedAt:  now,
	})
	if err != nil {
		return "", fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	if !claimed {
		rec, err := i.store.Get(ctx, ev.ID)
		if err != nil {
			return "", fmt.Errorf("load event %s: %w", ev.ID, err)
		}
		switch rec.Status {
		case model.EventCompleted:
			log.Info(ctx, "event already processed")
			return AlreadyProcessed, nil
		case model.EventFailed:
			log.Info(ctx, "event previously dead-lettered")
			return PreviouslyFailed, nil
		}
		if rec.ClaimToken != token {
			staleBefore := now.Add(-i.stuckAfter)
			if !rec.ClaimedAt.Before(staleBefore) {
				log.Info(ctx, "event claimed by another worker")
				return InFlight, nil
			}
			ok, err := i.store.Reclaim(ctx, ev.ID, token, staleBefore, now)
			if err != nil {
				return "", fmt.Errorf("reclaim event %s: %w", ev.ID, err)
			}
			if !ok {
				return InFlight, nil
			}
			log.Warn(ctx, "reclaimed stuck event", "claimed_at", rec.ClaimedAt)
		}
	}
	return i.process(ctx, log, ev, token)
}

func (i *Ingestor) process(ctx context.Context, log logging.Logger, ev model.Event, token string) (Outcome, error) {
	ok, err := i.store.MarkProcessing(ctx, ev.ID, token)
	if err != nil {
		return "", fmt.Errorf("mark event %s processing: %w", ev.ID, err)
	}
	if !ok {
		return InFlight, nil
	}

	h, found := i.handlers[ev.Type]
	if !found {
		log.Info(ctx, "no handler for event type, acknowledging")
	} else if err := h(ctx, ev); err != nil {
		return "", fmt.Errorf("handle %s: %w", ev.Type, err)
	}

	done, err := i.store.MarkCompleted(ctx, ev.ID, i.now())
	if err != nil {
		return "", fmt.Errorf("complete event %s: %w", ev.ID, err)
	}
	if !done {
		log.Warn(ctx, "event was completed concurrently")
		return AlreadyProcessed, nil
	}
	log.Info(ctx, "event processed")
	return Processed, nil
}

// DeadLetter records an event whose retries are exhausted. The event is never
// dropped: it stays in the failed store until replayed.
func (i *Ingestor) DeadLetter(ctx context.Context, ev model.Event, cause error, retries int) error {
	now := i.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	fe := model.FailedEvent{
		EventID:    ev.ID,
		EventType:  ev.Type,
		Payload:    ev.Payload,
		Error:      msg,
		RetryCount: retries,
		FailedAt:   now,
	}
	audit := model.NewAudit("", model.AuditEventDeadLettered, map[string]any{
		"eventId":   ev.ID,
		"eventType": ev.Type,
		"error":     msg,
		"retries":   retries,
	}, now)
	if err := i.store.DeadLetter(ctx, fe, audit); err != nil {
		return fmt.Errorf("dead-letter event %s: %w", ev.ID, err)
	}
	i.log.Error(ctx, "event dead-lettered", "event_id", ev.ID, "event_type", ev.Type, "error", msg)
	return nil
}

// Retry re-runs a stuck event from its stored record. Records that completed
// in the meantime are skipped.
func (i *Ingestor) Retry(ctx context.Context, eventID string) (Outcome, error) {
	rec, err := i.store.Get(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("load event %s: %w", eventID, err)
	}
	switch rec.Status {
	case model.EventCompleted:
		return AlreadyProcessed, nil
	case model.EventFailed:
		return PreviouslyFailed, nil
	}
	now := i.now()
	token := NewClaimToken()
	ok, err := i.store.Reclaim(ctx, eventID, token, now.Add(-StuckAge), now)
	if err != nil {
		return "", fmt.Errorf("reclaim event %s: %w", eventID, err)
	}
	if !ok {
		return InFlight, nil
	}
	return i.process(ctx, i.log.With("event_id", rec.ID, "event_type", rec.Type, "path", "backstop"), recordEvent(rec), token)
}

// Replay re-runs a dead-lettered event and resolves its failed entries.
func (i *Ingestor) Replay(ctx context.Context, eventID string) (Outcome, error) {
	token := NewClaimToken()
	ok, err := i.store.Reopen(ctx, eventID, token, i.now())
	if err != nil {
		return "", fmt.Errorf("reopen event %s: %w", eventID, err)
	}
	if !ok {
		return "", fmt.Errorf("replay %s: %w", eventID, ErrNotReplayable)
	}
	rec, err := i.store.Get(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("load event %s: %w", eventID, err)
	}
	return i.process(ctx, i.log.With("event_id", rec.ID, "event_type", rec.Type, "path", "replay"), recordEvent(rec), token)
}

// Stuck lists events claimed more than StuckAge ago that still have backstop
// budget left.
func (i *Ingestor) Stuck(ctx context.Context) ([]model.WebhookEvent, error) {
	stuck, err := i.store.ListStuck(ctx, i.now().Add(-StuckAge), MaxBackstopRetries, BackstopBatch)
	if err != nil {
		return nil, fmt.Errorf("list stuck events: %w", err)
	}
	return stuck, nil
}

// Reconcile retries events stuck in CLAIMED or PROCESSING. Events that keep
// failing are dead-lettered once the backstop budget is spent.
func (i *Ingestor) Reconcile(ctx context.Context) (int, error) {
	stuck, err := i.Stuck(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rec := range stuck {
		out, err := i.Retry(ctx, rec.ID)
		if err == nil {
			if out == Processed {
				recovered++
			}
			continue
		}
		i.log.Warn(ctx, "backstop retry failed", "event_id", rec.ID, "retry_count", rec.RetryCount+1, "error", err)
		if rec.RetryCount+1 >= MaxBackstopRetries {
			if derr := i.DeadLetter(ctx, recordEvent(&rec), err, rec.RetryCount+1); derr != nil {
				i.log.Error(ctx, "dead-letter after backstop failed", "event_id", rec.ID, "error", derr)
			}
		}
	}
	return recovered, nil
}

func recordEvent(rec *model.WebhookEvent) model.Event {
	return model.Event{ID: rec.ID, Type: rec.Type, Payload: json.RawMessage(rec.Payload)}
}
