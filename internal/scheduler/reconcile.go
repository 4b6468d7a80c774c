package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// Backstop thresholds.
const (
	OverdueGrace     = 5 * time.Minute
	StuckProcessing  = time.Hour
	ReconcileBatch   = 50
	HighVolumeAlerts = 10
)

// ReconcileStore lists deliveries whose task chain appears lost.
type ReconcileStore interface {
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]model.Delivery, error)
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]model.Delivery, error)
}

// Auditor appends audit events.
type Auditor interface {
	Append(ctx context.Context, ev model.AuditEvent) error
}

// Reconciler restarts delivery chains that missed their instant, for example
// because the queue lost a timer.
type Reconciler struct {
	store ReconcileStore
	audit Auditor
	timer Timer
	log   logging.Logger
	now   func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(store ReconcileStore, audit Auditor, timer Timer, log logging.Logger, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Reconciler{store: store, audit: audit, timer: timer, log: log, now: now}
}

// Report summarizes one reconciliation pass.
type Report struct {
	Overdue int
	Stuck   int
	Failed  int
}

// Total is the number of deliveries the pass acted on.
func (r Report) Total() int { return r.Overdue + r.Stuck }

// Reconcile re-enqueues the send stage of overdue and stuck deliveries.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	now := r.now()
	var rep Report

	overdue, err := r.store.ListOverdue(ctx, now.Add(-OverdueGrace), ReconcileBatch)
	if err != nil {
		return rep, fmt.Errorf("list overdue deliveries: %w", err)
	}
	stuck, err := r.store.ListStuckProcessing(ctx, now.Add(-StuckProcessing), ReconcileBatch)
	if err != nil {
		return rep, fmt.Errorf("list stuck deliveries: %w", err)
	}

	for _, d := range overdue {
		if r.restart(ctx, d, now, "overdue") {
			rep.Overdue++
		} else {
			rep.Failed++
		}
	}
	for _, d := range stuck {
		if r.restart(ctx, d, now, "stuck") {
			rep.Stuck++
		} else {
			rep.Failed++
		}
	}

	if rep.Total() > HighVolumeAlerts {
		ev := model.NewAudit("", model.AuditReconcilerVolume, map[string]int{
			"overdue": rep.Overdue,
			"stuck":   rep.Stuck,
			"failed":  rep.Failed,
		}, now)
		if err := r.audit.Append(ctx, ev); err != nil {
			r.log.Warn(ctx, "write reconciler alert failed", "error", err)
		}
		r.log.Warn(ctx, "reconciler restarted an unusual number of deliveries", "count", rep.Total())
	}
	return rep, nil
}

func (r *Reconciler) restart(ctx context.Context, d model.Delivery, now time.Time, reason string) bool {
	if err := r.timer.ResumeAt(ctx, Task{DeliveryID: d.ID, Stage: StageSend}, now); err != nil {
		r.log.Error(ctx, "re-enqueue delivery failed", "delivery_id", d.ID, "reason", reason, "error", err)
		return false
	}
	r.log.Info(ctx, "delivery re-enqueued", "delivery_id", d.ID, "reason", reason)
	return true
}
