// Package billing applies the side effects of payment-processor events.
//
// Every handler is idempotent on the processor's own ids: subscriptions are
// upserted, payments inserted once and refunds applied as conditional updates,
// so a replayed event leaves the store unchanged.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/ingest"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// Event types handled by this package.
const (
	SubscriptionCreated = "customer.subscription.created"
	SubscriptionUpdated = "customer.subscription.updated"
	SubscriptionPaused  = "customer.subscription.paused"
	SubscriptionResumed = "customer.subscription.resumed"
	SubscriptionDeleted = "customer.subscription.deleted"
	PaymentSucceeded    = "payment_intent.succeeded"
	ChargeRefunded      = "charge.refunded"
	CustomerDeleted     = "customer.deleted"
)

// DefaultPlan is used when neither the subscription nor its price names one.
const DefaultPlan = "DIGITAL_CAPSULE"

// ErrMalformed wraps payloads that cannot be decoded. Replaying them cannot
// succeed, so they end in the dead-letter store.
var ErrMalformed = errors.New("malformed billing payload")

// Store is the persistence the handlers need.
type Store interface {
	UpsertSubscription(ctx context.Context, s model.Subscription) error
	CancelSubscription(ctx context.Context, providerID string, at time.Time) (bool, error)
	InsertPayment(ctx context.Context, p model.Payment) (bool, error)
	RefundPayment(ctx context.Context, providerID string, refundedCents int64) (bool, error)
	DetachCustomer(ctx context.Context, customerID string, at time.Time) error
}

// Handlers holds the billing event handlers.
type Handlers struct {
	store Store
	log   logging.Logger
	now   func() time.Time
}

// New creates Handlers.
func New(store Store, log logging.Logger, now func() time.Time) *Handlers {
	if log == nil {
		log = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Handlers{store: store, log: log, now: now}
}

// Register installs every billing handler on in.
func (h *Handlers) Register(in *ingest.Ingestor) {
	in.Register(SubscriptionCreated, h.SubscriptionChanged)
	in.Register(SubscriptionUpdated, h.SubscriptionChanged)
	in.Register(SubscriptionPaused, h.SubscriptionChanged)
	in.Register(SubscriptionResumed, h.SubscriptionChanged)
	in.Register(SubscriptionDeleted, h.SubscriptionDeleted)
	in.Register(PaymentSucceeded, h.PaymentSucceeded)
	in.Register(ChargeRefunded, h.ChargeRefunded)
	in.Register(CustomerDeleted, h.CustomerDeleted)
}

type metadata map[string]string

type subscriptionObject struct {
	ID                string   `json:"id"`
	Customer          string   `json:"customer"`
	Status            string   `json:"status"`
	CancelAtPeriodEnd bool     `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64    `json:"current_period_end"`
	Metadata          metadata `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				Metadata metadata `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObject) plan() string {
	if p := s.Metadata["plan"]; p != "" {
		return p
	}
	if len(s.Items.Data) > 0 {
		if p := s.Items.Data[0].Price.Metadata["plan"]; p != "" {
			return p
		}
	}
	return DefaultPlan
}

func (s *subscriptionObject) periodEnd() time.Time {
	end := s.CurrentPeriodEnd
	if end == 0 && len(s.Items.Data) > 0 {
		end = s.Items.Data[0].CurrentPeriodEnd
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

type paymentIntentObject struct {
	ID             string   `json:"id"`
	Customer       string   `json:"customer"`
	Amount         int64    `json:"amount"`
	AmountReceived int64    `json:"amount_received"`
	Currency       string   `json:"currency"`
	Created        int64    `json:"created"`
	Metadata       metadata `json:"metadata"`
}

type chargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
}

type customerObject struct {
	ID string `json:"id"`
}

// NormalizeStatus maps a processor status onto the stored lifecycle. Unknown
// and incomplete statuses become past_due so they never grant benefits.
func NormalizeStatus(status string) model.SubscriptionStatus {
	switch s := model.SubscriptionStatus(status); s {
	case model.SubscriptionTrialing, model.SubscriptionActive, model.SubscriptionPastDue,
		model.SubscriptionCanceled, model.SubscriptionUnpaid, model.SubscriptionPaused:
		return s
	default:
		return model.SubscriptionPastDue
	}
}

// SubscriptionChanged upserts the subscription carried by ev.
func (h *Handlers) SubscriptionChanged(ctx context.Context, ev model.Event) error {
	var obj subscriptionObject
	if err := decode(ev, &obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: subscription without id", ErrMalformed)
	}
	status := NormalizeStatus(obj.Status)
	if string(status) != obj.Status {
		h.log.Warn(ctx, "coerced subscription status", "event_id", ev.ID, "provider_status", obj.Status, "status", status)
	}
	sub := model.Subscription{
		ProviderID:        obj.ID,
		CustomerID:        obj.Customer,
		UserID:            obj.Metadata["userId"],
		Status:            status,
		Plan:              obj.plan(),
		CurrentPeriodEnd:  obj.periodEnd(),
		CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
		UpdatedAt:         h.eventTime(ev),
	}
	if err := h.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("subscription %s: %w", obj.ID, err)
	}
	h.log.Info(ctx, "subscription synced", "event_id", ev.ID, "subscription_id", obj.ID, "status", status)
	return nil
}

// SubscriptionDeleted cancels the subscription once.
func (h *Handlers) SubscriptionDeleted(ctx context.Context, ev model.Event) error {
	var obj subscriptionObject
	if err := decode(ev, &obj); err != nil {
		return err
	}
	changed, err := h.store.CancelSubscription(ctx, obj.ID, h.eventTime(ev))
	if err != nil {
		return fmt.Errorf("subscription %s: %w", obj.ID, err)
	}
	if !changed {
		h.log.Info(ctx, "subscription already canceled or unknown", "event_id", ev.ID, "subscription_id", obj.ID)
		return nil
	}
	h.log.Info(ctx, "subscription canceled", "event_id", ev.ID, "subscription_id", obj.ID)
	return nil
}

// PaymentSucceeded records the payment intent once.
func (h *Handlers) PaymentSucceeded(ctx context.Context, ev model.Event) error {
	var obj paymentIntentObject
	if err := decode(ev, &obj); err != nil {
		return err
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: payment intent without id", ErrMalformed)
	}
	amount := obj.AmountReceived
	if amount == 0 {
		amount = obj.Amount
	}
	created := h.eventTime(ev)
	if obj.Created > 0 {
		created = time.Unix(obj.Created, 0).UTC()
	}
	inserted, err := h.store.InsertPayment(ctx, model.Payment{
		ProviderID:  obj.ID,
		CustomerID:  obj.Customer,
		UserID:      obj.Metadata["userId"],
		AmountCents: amount,
		Currency:    obj.Currency,
		Status:      model.PaymentSucceeded,
		CreatedAt:   created,
	})
	if err != nil {
		return fmt.Errorf("payment %s: %w", obj.ID, err)
	}
	if inserted {
		h.log.Info(ctx, "payment recorded", "event_id", ev.ID, "payment_id", obj.ID, "amount_cents", amount)
	}
	return nil
}

// ChargeRefunded raises the refunded amount of the charged payment. The
// processor reports the cumulative refund, so replays are no-ops.
func (h *Handlers) ChargeRefunded(ctx context.Context, ev model.Event) error {
	var obj chargeObject
	if err := decode(ev, &obj); err != nil {
		return err
	}
	if obj.PaymentIntent == "" {
		h.log.Warn(ctx, "refunded charge without payment intent", "event_id", ev.ID, "charge_id", obj.ID)
		return nil
	}
	changed, err := h.store.RefundPayment(ctx, obj.PaymentIntent, obj.AmountRefunded)
	if err != nil {
		return fmt.Errorf("refund %s: %w", obj.PaymentIntent, err)
	}
	if changed {
		h.log.Info(ctx, "payment refunded", "event_id", ev.ID, "payment_id", obj.PaymentIntent, "refunded_cents", obj.AmountRefunded)
	}
	return nil
}

// CustomerDeleted cancels every live subscription of the customer.
func (h *Handlers) CustomerDeleted(ctx context.Context, ev model.Event) error {
	var obj customerObject
	if err := decode(ev, &obj); err != nil {
		return err
	}
	if err := h.store.DetachCustomer(ctx, obj.ID, h.eventTime(ev)); err != nil {
		return fmt.Errorf("customer %s: %w", obj.ID, err)
	}
	h.log.Info(ctx, "customer detached", "event_id", ev.ID, "customer_id", obj.ID)
	return nil
}

func (h *Handlers) eventTime(ev model.Event) time.Time {
	if !ev.CreatedAt.IsZero() {
		return ev.CreatedAt
	}
	return h.now()
}

func decode(ev model.Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, ev.Type, err)
	}
	return nil
}
