// Package delivery is the synchronous entry point for scheduling, canceling
// and rescheduling deliveries. It validates requests, seals a snapshot of the
// letter and starts the durable task chain that the scheduler package drives.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/capsulenote/internal/channel"
	"github.com/dharsanguruparan/capsulenote/internal/faults"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/mailcalc"
	"github.com/dharsanguruparan/capsulenote/internal/model"
	"github.com/dharsanguruparan/capsulenote/internal/scheduler"
)

var (
	// ErrValidation wraps request errors the caller can fix.
	ErrValidation = errors.New("invalid delivery request")
	// ErrNotScheduled is returned when a delivery can no longer be changed.
	ErrNotScheduled = errors.New("delivery is no longer scheduled")
)

// Request describes a delivery to schedule. Exactly one of Email and Mail is
// set, matching Channel.
type Request struct {
	UserID    string
	LetterID  string
	Channel   model.Channel
	DeliverAt time.Time
	Timezone  string
	Email     *model.EmailTarget
	Mail      *model.MailTarget
}

// Letters reads letters.
type Letters interface {
	Get(ctx context.Context, id string) (*model.Letter, error)
}

// Store persists deliveries.
type Store interface {
	Create(ctx context.Context, d *model.Delivery, snap *model.SealedSnapshot, audit model.AuditEvent) error
	Get(ctx context.Context, id string) (*model.Delivery, error)
	ListForLetter(ctx context.Context, userID, letterID string) ([]model.Delivery, error)
	Cancel(ctx context.Context, id, userID string, audit model.AuditEvent) (bool, error)
	Reschedule(ctx context.Context, id, userID string, deliverAt time.Time, mail *model.MailTarget, audit model.AuditEvent) (bool, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Letters    Letters
	Deliveries Store
	Timer      scheduler.Timer
	// Mail and Crypto serve immediate physical mail, which is handed to the
	// carrier while the request is still open.
	Mail   channel.Sender
	Crypto scheduler.Decrypter
	Log    logging.Logger
	Now    func() time.Time
}

// Service schedules deliveries.
type Service struct {
	letters    Letters
	deliveries Store
	timer      scheduler.Timer
	mail       channel.Sender
	crypto     scheduler.Decrypter
	log        logging.Logger
	now        func() time.Time
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	s := &Service{
		letters:    d.Letters,
		deliveries: d.Deliveries,
		timer:      d.Timer,
		mail:       d.Mail,
		crypto:     d.Crypto,
		log:        d.Log,
		now:        d.Now,
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ScheduleDelivery validates req, stores the delivery with a sealed snapshot of
// the letter and starts its task chain. It returns the new delivery id.
func (s *Service) ScheduleDelivery(ctx context.Context, req Request) (string, error) {
	now := s.now()
	if err := validate(&req, now); err != nil {
		return "", err
	}
	letter, err := s.ownedLetter(ctx, req.UserID, req.LetterID)
	if err != nil {
		return "", err
	}

	d := &model.Delivery{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		LetterID:  req.LetterID,
		Channel:   req.Channel,
		DeliverAt: req.DeliverAt.UTC(),
		Timezone:  req.Timezone,
		Status:    model.DeliveryScheduled,
		Email:     req.Email,
		Mail:      req.Mail,
	}
	if d.Email != nil {
		email := *d.Email
		if email.Subject == "" {
			email.Subject = "Letter to your future self: " + letter.Title
		}
		d.Email = &email
	}
	if d.Mail != nil {
		if err := planMail(d, now); err != nil {
			return "", err
		}
	}
	log := s.log.With("delivery_id", d.ID, "letter_id", d.LetterID, "channel", string(d.Channel))

	if d.Immediate() {
		ref, err := s.sendNow(ctx, d, letter)
		if err != nil {
			return "", err
		}
		d.ProviderRef = &ref
		log.Info(ctx, "immediate mail accepted by carrier", "provider_ref", ref)
	}

	snap := &model.SealedSnapshot{
		Title:      letter.Title,
		Ciphertext: letter.Ciphertext,
		Nonce:      letter.Nonce,
		KeyVersion: letter.KeyVersion,
		SealedAt:   now,
	}
	audit := model.NewAudit(req.UserID, model.AuditDeliveryScheduled, map[string]any{
		"deliveryId": d.ID,
		"letterId":   d.LetterID,
		"channel":    d.Channel,
		"deliverAt":  d.DeliverAt,
		"timezone":   d.Timezone,
	}, now)
	if err := s.deliveries.Create(ctx, d, snap, audit); err != nil {
		return "", fmt.Errorf("create delivery: %w", err)
	}

	s.start(ctx, log, d.ID, now)
	log.Info(ctx, "delivery scheduled", "deliver_at", d.DeliverAt)
	return d.ID, nil
}

// start enqueues the first stage. A lost enqueue is repaired by the reconciler
// once the delivery is overdue, so it is logged rather than returned.
func (s *Service) start(ctx context.Context, log logging.Logger, id string, now time.Time) {
	if err := s.timer.ResumeAt(ctx, scheduler.Task{DeliveryID: id, Stage: scheduler.StageLock}, now); err != nil {
		log.Error(ctx, "enqueue delivery task failed", "error", err)
	}
}

func (s *Service) sendNow(ctx context.Context, d *model.Delivery, letter *model.Letter) (string, error) {
	if s.mail == nil || s.crypto == nil {
		return "", faults.New(faults.KindConfiguration, "immediate mail is not configured")
	}
	content, err := s.crypto.DecryptLetter(letter.Ciphertext, letter.Nonce, letter.KeyVersion)
	if err != nil {
		return "", err
	}
	ref, err := s.mail.Send(ctx, channel.Message{
		DeliveryID:     d.ID,
		LetterID:       d.LetterID,
		UserID:         d.UserID,
		Channel:        d.Channel,
		IdempotencyKey: channel.IdempotencyKey(d.ID, 0),
		Title:          letter.Title,
		BodyHTML:       content.BodyHTML,
		WrittenAt:      letter.CreatedAt,
		Mail:           d.Mail,
	})
	if err != nil {
		return "", faults.Classify(err)
	}
	return ref, nil
}

// Cancel stops a delivery that has not started sending.
func (s *Service) Cancel(ctx context.Context, userID, deliveryID string) error {
	audit := model.NewAudit(userID, model.AuditDeliveryCanceled, map[string]any{"deliveryId": deliveryID}, s.now())
	ok, err := s.deliveries.Cancel(ctx, deliveryID, userID, audit)
	if err != nil {
		return fmt.Errorf("cancel delivery: %w", err)
	}
	if !ok {
		return s.explainMiss(ctx, userID, deliveryID)
	}
	s.log.Info(ctx, "delivery canceled", "delivery_id", deliveryID)
	return nil
}

// Reschedule moves a scheduled delivery to deliverAt and starts a fresh task
// chain. The chain already sleeping notices the new instant when it wakes and
// folds into the new one.
func (s *Service) Reschedule(ctx context.Context, userID, deliveryID string, deliverAt time.Time) error {
	now := s.now()
	if !deliverAt.After(now) {
		return fmt.Errorf("%w: deliverAt must be in the future", ErrValidation)
	}
	d, err := s.owned(ctx, userID, deliveryID)
	if err != nil {
		return err
	}
	if d.Status != model.DeliveryScheduled {
		return ErrNotScheduled
	}
	if d.Immediate() {
		return fmt.Errorf("%w: immediate mail has already been handed to the carrier", ErrValidation)
	}
	previous := d.DeliverAt
	d.DeliverAt = deliverAt.UTC()
	if d.Mail != nil {
		if err := planMail(d, now); err != nil {
			return err
		}
	}
	audit := model.NewAudit(userID, model.AuditDeliveryRescheduled, map[string]any{
		"deliveryId":        d.ID,
		"previousDeliverAt": previous,
		"deliverAt":         d.DeliverAt,
	}, now)
	ok, err := s.deliveries.Reschedule(ctx, d.ID, userID, d.DeliverAt, d.Mail, audit)
	if err != nil {
		return fmt.Errorf("reschedule delivery: %w", err)
	}
	if !ok {
		return ErrNotScheduled
	}
	log := s.log.With("delivery_id", d.ID, "letter_id", d.LetterID)
	s.start(ctx, log, d.ID, now)
	log.Info(ctx, "delivery rescheduled", "deliver_at", d.DeliverAt)
	return nil
}

// Get returns a delivery owned by userID.
func (s *Service) Get(ctx context.Context, userID, deliveryID string) (*model.Delivery, error) {
	return s.owned(ctx, userID, deliveryID)
}

// ListForLetter returns the deliveries of one letter.
func (s *Service) ListForLetter(ctx context.Context, userID, letterID string) ([]model.Delivery, error) {
	if _, err := s.ownedLetter(ctx, userID, letterID); err != nil {
		return nil, err
	}
	list, err := s.deliveries.ListForLetter(ctx, userID, letterID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return list, nil
}

func (s *Service) owned(ctx context.Context, userID, deliveryID string) (*model.Delivery, error) {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("load delivery: %w", err)
	}
	if d.UserID != userID {
		return nil, fmt.Errorf("delivery %s: %w", deliveryID, model.ErrNotFound)
	}
	return d, nil
}

func (s *Service) ownedLetter(ctx context.Context, userID, letterID string) (*model.Letter, error) {
	l, err := s.letters.Get(ctx, letterID)
	if err != nil {
		return nil, fmt.Errorf("load letter: %w", err)
	}
	if l.UserID != userID {
		return nil, fmt.Errorf("letter %s: %w", letterID, model.ErrNotFound)
	}
	return l, nil
}

func (s *Service) explainMiss(ctx context.Context, userID, deliveryID string) error {
	if _, err := s.owned(ctx, userID, deliveryID); err != nil {
		return err
	}
	return ErrNotScheduled
}

func validate(req *Request, now time.Time) error {
	var problems []string
	if req.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if req.LetterID == "" {
		problems = append(problems, "letter id is required")
	}
	if req.Timezone == "" {
		problems = append(problems, "timezone is required")
	} else if _, err := time.LoadLocation(req.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("unknown timezone %q", req.Timezone))
	}

	switch req.Channel {
	case model.ChannelElectronic:
		req.Mail = nil
		if req.Email == nil || req.Email.ToEmail == "" {
			problems = append(problems, "recipient email is required")
		} else if _, err := mail.ParseAddress(req.Email.ToEmail); err != nil {
			problems = append(problems, fmt.Sprintf("invalid recipient email %q", req.Email.ToEmail))
		}
	case model.ChannelPhysical:
		req.Email = nil
		if req.Mail == nil {
			problems = append(problems, "mailing address is required")
			break
		}
		problems = append(problems, validateAddress(req.Mail.Address)...)
		switch req.Mail.Mode {
		case "":
			req.Mail.Mode = model.MailSendOn
		case model.MailSendOn, model.MailArriveBy, model.MailImmediate:
		default:
			problems = append(problems, fmt.Sprintf("unknown mail mode %q", req.Mail.Mode))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown channel %q", req.Channel))
	}

	immediate := req.Mail != nil && req.Mail.Mode == model.MailImmediate
	if immediate {
		req.DeliverAt = now
	} else if !req.DeliverAt.After(now) {
		problems = append(problems, "deliverAt must be in the future")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func validateAddress(a model.Address) []string {
	var problems []string
	if strings.TrimSpace(a.Line1) == "" {
		problems = append(problems, "address line 1 is required")
	}
	if strings.TrimSpace(a.City) == "" {
		problems = append(problems, "address city is required")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		problems = append(problems, "address postal code is required")
	}
	if len(strings.TrimSpace(a.Country)) != 2 {
		problems = append(problems, "address country must be a two-letter code")
	}
	return problems
}

// planMail fills the mail class and, for arrive-by mail, the ship date.
func planMail(d *model.Delivery, now time.Time) error {
	m := *d.Mail
	est := mailcalc.EstimateFor(m.MailType, m.Address.Country)
	m.MailType = est.MailType
	m.TargetDate, m.SendDate = nil, nil

	switch m.Mode {
	case model.MailArriveBy:
		plan := mailcalc.ArriveBy(d.DeliverAt, m.MailType, m.Address.Country, now)
		if plan.TooLate {
			return fmt.Errorf("%w: cannot arrive by %s, earliest arrival is %s",
				ErrValidation, d.DeliverAt.Format(time.DateOnly), plan.EarliestArrival.Format(time.DateOnly))
		}
		target, send := d.DeliverAt, plan.SendDate
		m.TargetDate, m.SendDate = &target, &send
	case model.MailSendOn:
		send := d.DeliverAt
		m.SendDate = &send
	}
	d.Mail = &m
	return nil
}
