package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
	"github.com/dharsanguruparan/capsulenote/internal/ingest"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
	"github.com/dharsanguruparan/capsulenote/internal/queue"
	"github.com/dharsanguruparan/capsulenote/internal/scheduler"
)

// Deliveries runs delivery task stages.
type Deliveries interface {
	Run(ctx context.Context, task scheduler.Task) error
	Exhausted(ctx context.Context, deliveryID string, cause error) error
}

// Events ingests webhook events.
type Events interface {
	Ingest(ctx context.Context, ev model.Event, token string) (ingest.Outcome, error)
	DeadLetter(ctx context.Context, ev model.Event, cause error, retries int) error
	Reconcile(ctx context.Context) (int, error)
}

// Reconciler restarts lost delivery chains.
type Reconciler interface {
	Reconcile(ctx context.Context) (scheduler.Report, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	deliveries Deliveries
	events     Events
	reconciler Reconciler
	log        logging.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(deliveries Deliveries, events Events, reconciler Reconciler, log logging.Logger) *Processor {
	if log == nil {
		log = logging.Nop()
	}
	return &Processor{deliveries: deliveries, events: events, reconciler: reconciler, log: log}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeliveryTask, p.handleDelivery)
	mux.HandleFunc(queue.EventTask, p.handleEvent)
	mux.HandleFunc(queue.ReconcileDeliveriesTask, p.handleReconcileDeliveries)
	mux.HandleFunc(queue.ReconcileEventsTask, p.handleReconcileEvents)
	return mux
}

// Config returns the server configuration: weighted queues, classifier-driven
// backoff and exhaustion handling.
func (p *Processor) Config(concurrency int, logger asynq.Logger) asynq.Config {
	return asynq.Config{
		Concurrency:    concurrency,
		Queues:         queue.Queues,
		RetryDelayFunc: RetryDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(p.HandleError),
		Logger:         logger,
	}
}

// RetryDelay is the asynq retry delay: exponential with jitter.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return faults.Backoff(n)
}

func (p *Processor) handleDelivery(ctx context.Context, task *asynq.Task) error {
	t, err := queue.DecodeDelivery(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if id, ok := asynq.GetTaskID(ctx); ok {
		t.RunRef = id
	}
	if err := p.deliveries.Run(ctx, t); err != nil {
		if !faults.IsRetryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

func (p *Processor) handleEvent(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeEvent(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	out, err := p.events.Ingest(ctx, eventOf(payload), payload.ClaimToken)
	if err != nil {
		return err
	}
	if out == ingest.InFlight {
		p.log.Info(ctx, "event held by another worker, leaving it to the backstop", "event_id", payload.EventID)
	}
	return nil
}

func (p *Processor) handleReconcileDeliveries(ctx context.Context, _ *asynq.Task) error {
	report, err := p.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	if report.Total() > 0 {
		p.log.Info(ctx, "delivery reconcile finished", "overdue", report.Overdue, "stuck", report.Stuck, "failed", report.Failed)
	}
	return nil
}

func (p *Processor) handleReconcileEvents(ctx context.Context, _ *asynq.Task) error {
	n, err := p.events.Reconcile(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info(ctx, "event backstop recovered events", "count", n)
	}
	return nil
}

// HandleError runs after every failed task. Once a task will not be retried
// again its subject is settled: deliveries become FAILED, events are
// dead-lettered.
func (p *Processor) HandleError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, known := asynq.GetMaxRetry(ctx)
	if !errors.Is(err, asynq.SkipRetry) && (!known || retried < maxRetry) {
		return
	}

	switch task.Type() {
	case queue.DeliveryTask:
		t, derr := queue.DecodeDelivery(task)
		if derr != nil {
			return
		}
		if xerr := p.deliveries.Exhausted(ctx, t.DeliveryID, err); xerr != nil {
			p.log.Error(ctx, "settle exhausted delivery failed", "delivery_id", t.DeliveryID, "error", xerr)
		}
	case queue.EventTask:
		payload, derr := queue.DecodeEvent(task)
		if derr != nil {
			return
		}
		if xerr := p.events.DeadLetter(ctx, eventOf(payload), err, retried); xerr != nil {
			p.log.Error(ctx, "dead-letter event failed", "event_id", payload.EventID, "error", xerr)
		}
	default:
		p.log.Warn(ctx, "task gave up", "task_type", task.Type(), "error", err)
	}
}

func eventOf(p queue.EventPayload) model.Event {
	return model.Event{ID: p.EventID, Type: p.Type, Payload: p.Data, CreatedAt: p.Created}
}
