// Package webhook accepts signed event deliveries from the payment processor
// and hands them to the queue for idempotent ingestion.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/ingest"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/queue"
	"github.com/dharsanguruparan/capsulenote/internal/signing"
)

var (
	// ErrInvalidSignature is returned when the signature header does not
	// authenticate the body. The underlying signing error is wrapped too.
	ErrInvalidSignature = errors.New("webhook signature rejected")
	// ErrMalformedEvent is returned for authenticated bodies that are not an
	// event envelope.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Receiver verifies and enqueues webhook deliveries.
type Receiver struct {
	signer   *signing.Signer
	client   queue.Enqueuer
	maxRetry int
	log      logging.Logger
	now      func() time.Time
}

// NewReceiver creates a Receiver. maxRetry is the host retry budget of each
// ingestion task.
func NewReceiver(signer *signing.Signer, client queue.Enqueuer, maxRetry int, log logging.Logger, now func() time.Time) *Receiver {
	if log == nil {
		log = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Receiver{signer: signer, client: client, maxRetry: maxRetry, log: log, now: now}
}

// Ingest authenticates raw and enqueues it. It returns the event id. Nothing
// is processed inline, so the provider gets its acknowledgement quickly.
func (r *Receiver) Ingest(ctx context.Context, raw []byte, signatureHeader string) (string, error) {
	if err := r.signer.Verify(raw, signatureHeader, r.now()); err != nil {
		r.log.Warn(ctx, "webhook signature verification failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return "", fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	created := r.now().UTC()
	if env.Created > 0 {
		created = time.Unix(env.Created, 0).UTC()
	}
	payload := queue.EventPayload{
		EventID:    env.ID,
		Type:       env.Type,
		Data:       env.Data.Object,
		Created:    created,
		ClaimToken: ingest.NewClaimToken(),
	}
	if err := queue.EnqueueEvent(ctx, r.client, payload, r.maxRetry); err != nil {
		return "", err
	}
	r.log.Info(ctx, "webhook event enqueued", "event_id", env.ID, "event_type", env.Type)
	return env.ID, nil
}
