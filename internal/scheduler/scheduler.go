// Package scheduler drives a delivery from SCHEDULED to a terminal state.
//
// A delivery is advanced by a chain of durable tasks. Each task runs one stage
// and, when the next stage lies in the future, asks the Timer to resume it at
// that instant. Every stage re-reads the delivery first, so a task that is
// replayed after a crash or fires after a cancellation is harmless.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/channel"
	"github.com/dharsanguruparan/capsulenote/internal/encryption"
	"github.com/dharsanguruparan/capsulenote/internal/faults"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// DefaultLockWindow is how long before delivery the letter is frozen.
const DefaultLockWindow = 72 * time.Hour

// DefaultSendTimeout bounds one provider call.
const DefaultSendTimeout = 30 * time.Second

// Stage names a resumption point of the delivery task.
type Stage string

const (
	StageLock Stage = "lock"
	StageSend Stage = "send"
)

// Task is the durable unit of work. RunRef is filled by the host with the id
// of the task execution and is not serialized.
type Task struct {
	DeliveryID string `json:"delivery_id"`
	Stage      Stage  `json:"stage"`
	RunRef     string `json:"-"`
}

// Timer persists a task so that it runs again at the given instant, surviving
// process restarts.
type Timer interface {
	ResumeAt(ctx context.Context, task Task, at time.Time) error
}

// Letters is the subset of the letter store the scheduler uses.
type Letters interface {
	Get(ctx context.Context, id string) (*model.Letter, error)
	Lock(ctx context.Context, id string, at time.Time) (bool, error)
}

// Deliveries is the subset of the delivery store the scheduler uses.
type Deliveries interface {
	Get(ctx context.Context, id string) (*model.Delivery, error)
	Snapshot(ctx context.Context, deliveryID string) (*model.SealedSnapshot, error)
	MarkProcessing(ctx context.Context, id, runRef string) (bool, error)
	MarkSent(ctx context.Context, out model.SendOutcome) error
	MarkFailed(ctx context.Context, out model.SendOutcome) error
	RecordAttempt(ctx context.Context, a model.DeliveryAttempt) error
}

// Decrypter opens sealed letter content.
type Decrypter interface {
	DecryptLetter(ciphertext, nonce []byte, keyVersion int) (encryption.LetterContent, error)
}

// Guard moves instants off daylight-saving transitions.
type Guard interface {
	Adjust(ctx context.Context, t time.Time, zone string) time.Time
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Letters    Letters
	Deliveries Deliveries
	Crypto     Decrypter
	Sender     channel.Sender
	Notifier   channel.Notifier
	Guard      Guard
	Timer      Timer
	Log        logging.Logger

	LockWindow  time.Duration
	SendTimeout time.Duration
	Now         func() time.Time
}

// Scheduler runs delivery tasks.
type Scheduler struct {
	letters     Letters
	deliveries  Deliveries
	crypto      Decrypter
	sender      channel.Sender
	notifier    channel.Notifier
	guard       Guard
	timer       Timer
	log         logging.Logger
	lockWindow  time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

// New creates a Scheduler. Zero durations and a nil clock select defaults.
func New(d Deps) *Scheduler {
	s := &Scheduler{
		letters:     d.Letters,
		deliveries:  d.Deliveries,
		crypto:      d.Crypto,
		sender:      d.Sender,
		notifier:    d.Notifier,
		guard:       d.Guard,
		timer:       d.Timer,
		log:         d.Log,
		lockWindow:  d.LockWindow,
		sendTimeout: d.SendTimeout,
		now:         d.Now,
	}
	if s.lockWindow <= 0 {
		s.lockWindow = DefaultLockWindow
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = DefaultSendTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.notifier == nil {
		s.notifier = channel.NopNotifier{}
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	return s
}

// Run executes one stage of a delivery task. A returned error is a
// *faults.Error; the host retries it only when it is retryable.
func (s *Scheduler) Run(ctx context.Context, task Task) error {
	d, err := s.deliveries.Get(ctx, task.DeliveryID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return faults.Wrap(faults.KindInvalidDelivery, "delivery not found", err)
		}
		return faults.ClassifyDatabase(err)
	}
	log := s.log.With("delivery_id", d.ID, "letter_id", d.LetterID, "stage", string(task.Stage))
	if d.Status.Terminal() {
		log.Info(ctx, "delivery already settled, nothing to do", "status", string(d.Status))
		return nil
	}

	switch task.Stage {
	case StageSend:
		return s.sendStage(ctx, log, d, task.RunRef)
	default:
		return s.lockStage(ctx, log, d, task.RunRef)
	}
}

// lockAt is the instant the letter freezes. For arrive-by mail the ship date
// precedes the target, and the letter must be frozen before it ships.
func (s *Scheduler) lockAt(d *model.Delivery) time.Time {
	at := d.DeliverAt
	if send := d.SendAt(); send.Before(at) {
		at = send
	}
	return at.Add(-s.lockWindow)
}

func (s *Scheduler) lockStage(ctx context.Context, log logging.Logger, d *model.Delivery, runRef string) error {
	if lockAt := s.lockAt(d); s.now().Before(lockAt) {
		log.Info(ctx, "waiting for lock window", "lock_at", lockAt)
		return s.suspend(ctx, Task{DeliveryID: d.ID, Stage: StageLock}, lockAt)
	}
	if err := s.lock(ctx, log, d); err != nil {
		return err
	}
	return s.sendStage(ctx, log, d, runRef)
}

func (s *Scheduler) lock(ctx context.Context, log logging.Logger, d *model.Delivery) error {
	locked, err := s.letters.Lock(ctx, d.LetterID, s.now())
	if err != nil {
		return faults.ClassifyDatabase(err)
	}
	if locked {
		log.Info(ctx, "letter locked")
	}
	return nil
}

// sendAt is the DST-adjusted instant the channel should be invoked.
func (s *Scheduler) sendAt(ctx context.Context, d *model.Delivery) time.Time {
	return s.guard.Adjust(ctx, d.SendAt(), d.Timezone)
}

func (s *Scheduler) sendStage(ctx context.Context, log logging.Logger, d *model.Delivery, runRef string) error {
	if at := s.sendAt(ctx, d); s.now().Before(at) {
		log.Info(ctx, "waiting for send instant", "send_at", at)
		return s.suspend(ctx, Task{DeliveryID: d.ID, Stage: StageSend}, at)
	}
	// A chain that skipped the lock stage, e.g. one restarted by the
	// reconciler, still freezes the letter before it leaves.
	if err := s.lock(ctx, log, d); err != nil {
		return err
	}

	ok, err := s.deliveries.MarkProcessing(ctx, d.ID, runRef)
	if err != nil {
		return faults.ClassifyDatabase(err)
	}
	if !ok {
		log.Info(ctx, "delivery left scheduled state before send, stopping")
		return nil
	}

	if d.Immediate() {
		ref := ""
		if d.ProviderRef != nil {
			ref = *d.ProviderRef
		}
		return s.complete(ctx, log, d, ref)
	}

	msg, err := s.materialize(ctx, log, d)
	if err != nil {
		return s.handleFailure(ctx, log, d, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	ref, err := s.sender.Send(sendCtx, msg)
	cancel()
	if err != nil {
		return s.handleFailure(ctx, log, d, err)
	}
	return s.complete(ctx, log, d, ref)
}

func (s *Scheduler) suspend(ctx context.Context, task Task, at time.Time) error {
	if err := s.timer.ResumeAt(ctx, task, at); err != nil {
		return faults.Wrap(faults.KindDatabaseConnection, "persist resume timer", err)
	}
	return nil
}

// materialize builds the outbound message from the sealed snapshot, falling
// back to the live letter for deliveries created before snapshots existed.
//
// Deprecated fallback: deliveries without a snapshot decrypt the live letter.
// The path stays until no scheduled delivery lacks a snapshot.
func (s *Scheduler) materialize(ctx context.Context, log logging.Logger, d *model.Delivery) (channel.Message, error) {
	var (
		title      string
		ciphertext []byte
		nonce      []byte
		version    int
		writtenAt  time.Time
	)
	snap, err := s.deliveries.Snapshot(ctx, d.ID)
	switch {
	case err == nil:
		title, ciphertext, nonce, version, writtenAt = snap.Title, snap.Ciphertext, snap.Nonce, snap.KeyVersion, snap.SealedAt
	case errors.Is(err, model.ErrNotFound):
		l, lerr := s.letters.Get(ctx, d.LetterID)
		if lerr != nil {
			if errors.Is(lerr, model.ErrNotFound) {
				return channel.Message{}, faults.Wrap(faults.KindInvalidDelivery, "letter not found", lerr)
			}
			return channel.Message{}, faults.ClassifyDatabase(lerr)
		}
		log.Warn(ctx, "no sealed snapshot, decrypting live letter (deprecated legacy path)")
		title, ciphertext, nonce, version, writtenAt = l.Title, l.Ciphertext, l.Nonce, l.KeyVersion, l.CreatedAt
	default:
		return channel.Message{}, faults.ClassifyDatabase(err)
	}

	content, err := s.crypto.DecryptLetter(ciphertext, nonce, version)
	if err != nil {
		return channel.Message{}, err
	}
	return channel.Message{
		DeliveryID:     d.ID,
		LetterID:       d.LetterID,
		UserID:         d.UserID,
		Channel:        d.Channel,
		IdempotencyKey: channel.IdempotencyKey(d.ID, d.AttemptCount),
		Title:          title,
		BodyHTML:       content.BodyHTML,
		WrittenAt:      writtenAt,
		Email:          d.Email,
		Mail:           d.Mail,
	}, nil
}

func (s *Scheduler) complete(ctx context.Context, log logging.Logger, d *model.Delivery, ref string) error {
	now := s.now()
	out := model.SendOutcome{
		DeliveryID:  d.ID,
		ProviderRef: ref,
		Attempt: model.DeliveryAttempt{
			DeliveryID: d.ID,
			LetterID:   d.LetterID,
			Channel:    d.Channel,
			Attempt:    d.AttemptCount + 1,
			Status:     model.AttemptSent,
			CreatedAt:  now,
		},
		Audit: model.NewAudit(d.UserID, model.AuditDeliverySent, map[string]any{
			"deliveryId":  d.ID,
			"letterId":    d.LetterID,
			"channel":     d.Channel,
			"providerRef": ref,
		}, now),
	}
	if err := s.deliveries.MarkSent(ctx, out); err != nil {
		if errors.Is(err, model.ErrConflict) {
			log.Warn(ctx, "delivery settled concurrently, keeping existing outcome")
			return nil
		}
		return faults.ClassifyDatabase(err)
	}
	log.Info(ctx, "delivery sent", "provider_ref", ref)

	if err := s.notifier.Notify(ctx, d.UserID, "Your letter was delivered", "A letter you wrote has reached its recipient."); err != nil {
		log.Warn(ctx, "delivery notification failed", "error", err)
	}
	return nil
}

// handleFailure records a failed send. Retryable failures leave the delivery
// in PROCESSING and are handed back to the host; the rest settle it as FAILED.
func (s *Scheduler) handleFailure(ctx context.Context, log logging.Logger, d *model.Delivery, err error) error {
	fe := faults.Classify(err)
	if fe.Retryable() {
		attempt := model.DeliveryAttempt{
			DeliveryID:   d.ID,
			LetterID:     d.LetterID,
			Channel:      d.Channel,
			Attempt:      d.AttemptCount + 1,
			Status:       model.AttemptRetrying,
			ErrorCode:    string(fe.Kind),
			ErrorMessage: fe.Error(),
			CreatedAt:    s.now(),
		}
		if rerr := s.deliveries.RecordAttempt(ctx, attempt); rerr != nil {
			log.Warn(ctx, "record retrying attempt failed", "error", rerr)
		}
		log.Warn(ctx, "delivery attempt failed, will retry", "error_code", string(fe.Kind), "error", fe)
		return fe
	}
	return s.fail(ctx, log, d, fe)
}

func (s *Scheduler) fail(ctx context.Context, log logging.Logger, d *model.Delivery, fe *faults.Error) error {
	now := s.now()
	out := model.SendOutcome{
		DeliveryID: d.ID,
		Error:      &model.DeliveryError{Code: string(fe.Kind), Message: fe.Error()},
		Attempt: model.DeliveryAttempt{
			DeliveryID:   d.ID,
			LetterID:     d.LetterID,
			Channel:      d.Channel,
			Attempt:      d.AttemptCount + 1,
			Status:       model.AttemptFailed,
			ErrorCode:    string(fe.Kind),
			ErrorMessage: fe.Error(),
			CreatedAt:    now,
		},
		Audit: model.NewAudit(d.UserID, model.AuditDeliveryFailed, map[string]any{
			"deliveryId": d.ID,
			"letterId":   d.LetterID,
			"channel":    d.Channel,
			"errorCode":  fe.Kind,
		}, now),
	}
	if err := s.deliveries.MarkFailed(ctx, out); err != nil {
		if errors.Is(err, model.ErrConflict) {
			log.Warn(ctx, "delivery settled concurrently, keeping existing outcome")
			return nil
		}
		return faults.ClassifyDatabase(err)
	}
	log.Error(ctx, "delivery failed", "error_code", string(fe.Kind), "error", fe)
	return fe
}

// Exhausted settles a delivery whose host retry budget ran out.
func (s *Scheduler) Exhausted(ctx context.Context, deliveryID string, cause error) error {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load delivery %s: %w", deliveryID, err)
	}
	if d.Status.Terminal() {
		return nil
	}
	log := s.log.With("delivery_id", d.ID, "letter_id", d.LetterID)
	fe := faults.Classify(cause)
	err = s.fail(ctx, log, d, fe)
	if errors.Is(err, fe) {
		return nil
	}
	return err
}
