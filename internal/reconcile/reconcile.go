// Package reconcile polls providers for orders whose webhooks never arrived.
// Webhooks are the primary delivery path; the reconciler is the safety net
// that catches dropped callbacks and silently failed orders.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/config"
	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/internal/provider"
	"github.com/panda-crm/measure-engine/internal/store"
)

// ErrAlreadyRunning means a reconciliation cycle is still in flight.
var ErrAlreadyRunning = eris.New("reconcile: cycle already running")

// RunStats summarizes one reconciliation cycle.
type RunStats struct {
	Checked   int `json:"checked"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Delivered is invoked after a poll confirms delivery, e.g. to push the
// result downstream. Errors are logged, not propagated; delivery already
// happened.
type Delivered func(ctx context.Context, r *model.MeasurementReport)

// Reconciler drives the outstanding-order polling loop.
type Reconciler struct {
	store     store.Store
	registry  *provider.Registry
	cfg       config.ReconcileConfig
	delivered Delivered

	running atomic.Bool
	now     func() time.Time
}

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithDeliveredHook registers a callback for reports delivered during a
// cycle.
func WithDeliveredHook(fn Delivered) Option {
	return func(r *Reconciler) {
		r.delivered = fn
	}
}

// New creates a Reconciler.
func New(st store.Store, reg *provider.Registry, cfg config.ReconcileConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    st,
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunOnce reconciles one batch of outstanding orders. Only one cycle runs at
// a time; overlapping calls return ErrAlreadyRunning. Orders submitted within
// the quiet period are left alone so a webhook already in flight is not raced.
func (r *Reconciler) RunOnce(ctx context.Context) (*RunStats, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	cutoff := r.now().Add(-time.Duration(r.cfg.QuietPeriodMins) * time.Minute)
	batch := r.cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}

	reports, err := r.store.ListOutstanding(ctx, cutoff, batch)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list outstanding")
	}

	stats := &RunStats{}
	delay := time.Duration(r.cfg.InterCallMillis) * time.Millisecond
	for i := range reports {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(delay):
			}
		}
		r.reconcileOne(ctx, &reports[i], stats)
	}

	zap.L().Info("reconciliation cycle complete",
		zap.Int("checked", stats.Checked),
		zap.Int("delivered", stats.Delivered),
		zap.Int("failed", stats.Failed),
		zap.Int("pending", stats.Pending),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, rep *model.MeasurementReport, stats *RunStats) {
	stats.Checked++

	adapter := r.registry.Lookup(rep.Provider)
	if adapter == nil {
		zap.L().Warn("outstanding report for unregistered provider",
			zap.String("report_id", rep.ID),
			zap.String("provider", string(rep.Provider)),
		)
		stats.Errors++
		return
	}
	poller, ok := adapter.(provider.Poller)
	if !ok {
		// Webhook-only provider; nothing to poll.
		stats.Pending++
		return
	}

	prev := rep.Status
	if err := poller.PollStatus(ctx, rep); err != nil {
		zap.L().Warn("poll failed, will retry next cycle",
			zap.String("report_id", rep.ID),
			zap.String("provider", string(rep.Provider)),
			zap.Error(err),
		)
		stats.Errors++
		return
	}

	if rep.Status != prev {
		if err := r.store.Update(ctx, rep); err != nil {
			zap.L().Error("persist reconciled report",
				zap.String("report_id", rep.ID),
				zap.Error(err),
			)
			stats.Errors++
			return
		}
	}

	switch rep.Status {
	case model.StatusDelivered:
		stats.Delivered++
		if r.delivered != nil {
			r.delivered(ctx, rep)
		}
	case model.StatusFailed, model.StatusCancelled:
		stats.Failed++
	default:
		stats.Pending++
	}
}

// Schedule registers the reconciliation loop on a cron runner using the
// configured spec and returns it started. Stop with cron.Stop.
func (r *Reconciler) Schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			zap.L().Error("scheduled reconciliation failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: parse schedule")
	}
	c.Start()
	zap.L().Info("reconciler scheduled", zap.String("spec", r.cfg.Schedule))
	return c, nil
}
