package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/capsulenote/internal/scheduler"
)

const (
	// DeliveryTask runs one stage of a delivery.
	DeliveryTask = "delivery:run"
	// EventTask ingests one verified webhook event.
	EventTask = "event:ingest"
	// ReconcileDeliveriesTask restarts lost delivery chains.
	ReconcileDeliveriesTask = "reconcile:deliveries"
	// ReconcileEventsTask retries stuck webhook events.
	ReconcileEventsTask = "reconcile:events"
)

// Queue names. Deliveries get the larger share of workers.
const (
	QueueDeliveries = "deliveries"
	QueueEvents     = "events"
	QueueMaintain   = "maintenance"
)

// Queues is the priority map handed to the asynq server.
var Queues = map[string]int{
	QueueDeliveries: 6,
	QueueEvents:     3,
	QueueMaintain:   1,
}

// EventPayload is serialized into the event task. The claim token is stable
// across host retries of the same task so the ingestor recognises its own
// claim.
type EventPayload struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Created    time.Time       `json:"created"`
	ClaimToken string          `json:"claim_token"`
}

// Enqueuer is the part of *asynq.Client the queue needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Timer implements scheduler.Timer on top of asynq scheduled tasks. Each
// resumption gets a deterministic task id so concurrent chains for the same
// delivery and instant collapse into one.
type Timer struct {
	client   Enqueuer
	maxRetry int
}

// NewTimer creates a Timer. maxRetry is the host retry budget of each task.
func NewTimer(client Enqueuer, maxRetry int) *Timer {
	return &Timer{client: client, maxRetry: maxRetry}
}

// TaskID is the dedupe key of a delivery resumption.
func TaskID(task scheduler.Task, at time.Time) string {
	return fmt.Sprintf("delivery:%s:%s:%d", task.DeliveryID, task.Stage, at.Unix())
}

// ResumeAt implements scheduler.Timer.
func (t *Timer) ResumeAt(ctx context.Context, task scheduler.Task, at time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDeliveries),
		asynq.TaskID(TaskID(task, at)),
		asynq.ProcessAt(at),
		asynq.MaxRetry(t.maxRetry),
		asynq.Retention(24 * time.Hour),
	}
	if _, err := t.client.EnqueueContext(ctx, asynq.NewTask(DeliveryTask, data), opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue delivery task: %w", err)
	}
	return nil
}

// EnqueueEvent enqueues ingestion of a verified event. The event id doubles as
// task id, so a provider redelivering the same event while the first copy is
// still queued does not create a second task.
func EnqueueEvent(ctx context.Context, client Enqueuer, payload EventPayload, maxRetry int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(EventTask, data)
	_, err = client.EnqueueContext(ctx, task,
		asynq.Queue(QueueEvents),
		asynq.TaskID("event:"+payload.EventID),
		asynq.MaxRetry(maxRetry),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue event task: %w", err)
	}
	return nil
}

// DecodeDelivery parses a delivery task payload.
func DecodeDelivery(t *asynq.Task) (scheduler.Task, error) {
	var task scheduler.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return task, fmt.Errorf("decode delivery payload: %w", err)
	}
	if task.DeliveryID == "" {
		return task, errors.New("delivery payload without delivery id")
	}
	return task, nil
}

// DecodeEvent parses an event task payload.
func DecodeEvent(t *asynq.Task) (EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode event payload: %w", err)
	}
	if p.EventID == "" {
		return p, errors.New("event payload without event id")
	}
	return p, nil
}

// RedisOpt builds the asynq connection options.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}
