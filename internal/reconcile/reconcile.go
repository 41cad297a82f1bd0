package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/yichenzhou/groupflow/internal/dispatch"
	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/store"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

// DefaultSweepLimit bounds how many plans one sweep examines.
const DefaultSweepLimit = 1000

const dayLayout = "2006-01-02"

// Summary reports what one sweep (or reset) did.
type Summary struct {
	Days      []string `json:"days"`
	Checked   int      `json:"checked"`
	Ready     int      `json:"ready"`
	Delivered int      `json:"delivered"`
	NotReady  int      `json:"not_ready"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Reset     int      `json:"reset"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// Reconciler re-drives delivery for plans that a live trigger missed:
// crashed dispatchers, lost kafka events, or transient sink failures.
// Plans parked in the error status are left for an operator reset.
type Reconciler struct {
	plans     store.PlanStore
	ledger    store.TaskLedger
	deliverer *dispatch.Deliverer
	bizType   string
	limit     int
	lookback  int
	logger    *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSweepLimit bounds the plans examined per sweep.
func WithSweepLimit(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithLookbackDays widens the daemon's sweep window to today plus n earlier
// days.
func WithLookbackDays(n int) Option {
	return func(r *Reconciler) {
		if n >= 0 {
			r.lookback = n
		}
	}
}

// New constructs a Reconciler.
func New(plans store.PlanStore, ledger store.TaskLedger, deliverer *dispatch.Deliverer, bizType string, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		plans:     plans,
		ledger:    ledger,
		deliverer: deliverer,
		bizType:   bizType,
		limit:     DefaultSweepLimit,
		lookback:  1,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep examines every pending or failed plan for the given days and runs a
// full dispatch attempt on each. One plan's failure never stops the sweep.
func (r *Reconciler) Sweep(ctx context.Context, days []string, dryRun bool) (*Summary, error) {
	if len(days) == 0 {
		return nil, domain.Inputf("reconcile: at least one day is required")
	}

	started := time.Now()
	runID := uuid.New().String()
	logger := r.logger.With(slog.String("sweep_id", runID))

	plans, err := r.plans.Search(ctx, store.PlanFilter{
		BizType:  r.bizType,
		Days:     days,
		Statuses: []domain.PlanStatus{domain.PlanPending, domain.PlanFailed},
		Limit:    r.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search retryable plans: %w", err)
	}

	summary := &Summary{Days: days, DryRun: dryRun}
	for _, plan := range plans {
		summary.Checked++
		outcome, err := r.deliverer.Dispatch(ctx, plan.Key(), dryRun)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			telemetry.ReconcilePlansChecked.WithLabelValues("error").Inc()
			logger.Error("dispatch during sweep failed",
				slog.String("group_id", plan.GroupID),
				slog.String("day", plan.Day),
				slog.Any("error", err),
			)
			summary.Failed++
			continue
		}
		telemetry.ReconcilePlansChecked.WithLabelValues(outcome.Outcome).Inc()
		tally(summary, outcome.Outcome)
	}

	telemetry.ReconcileSweepDurationSeconds.Observe(time.Since(started).Seconds())
	logger.Info("sweep finished",
		slog.Int("checked", summary.Checked),
		slog.Int("delivered", summary.Delivered),
		slog.Int("not_ready", summary.NotReady),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Bool("dry_run", dryRun),
	)
	return summary, nil
}

func tally(summary *Summary, outcome string) {
	switch outcome {
	case dispatch.OutcomeDelivered, dispatch.OutcomeWouldDeliver:
		summary.Ready++
		summary.Delivered++
	case dispatch.OutcomeFailed, dispatch.OutcomeError:
		summary.Ready++
		summary.Failed++
	case dispatch.OutcomeNotReady:
		summary.NotReady++
	default:
		summary.Skipped++
	}
}

// Reset moves error and failed plans for the given days back to pending with
// a zeroed retry count, the operator path for plans parked after exhausting
// their retries. With resetTasks set it also moves the plan's failed and
// error tasks back to pending so the producer can capture them again.
func (r *Reconciler) Reset(ctx context.Context, days []string, resetTasks, dryRun bool) (*Summary, error) {
	if len(days) == 0 {
		return nil, domain.Inputf("reset: at least one day is required")
	}

	plans, err := r.plans.Search(ctx, store.PlanFilter{
		BizType:  r.bizType,
		Days:     days,
		Statuses: []domain.PlanStatus{domain.PlanError, domain.PlanFailed},
		Limit:    r.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search resettable plans: %w", err)
	}

	summary := &Summary{Days: days, Checked: len(plans), DryRun: dryRun}
	for _, plan := range plans {
		if dryRun {
			summary.Reset++
			continue
		}
		status := domain.PlanPending
		retries := 0
		lastError := ""
		err := r.plans.Update(ctx, plan.ID, plan.Version, store.PlanUpdate{
			Status:     &status,
			RetryCount: &retries,
			LastError:  &lastError,
		})
		var conflict *domain.PlanConflictError
		if errors.As(err, &conflict) {
			// The plan moved under us; whatever advanced it wins.
			summary.Skipped++
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("reset plan %s: %w", plan.ID, err)
		}
		if resetTasks {
			if err := r.resetTasks(ctx, plan); err != nil {
				return summary, err
			}
		}
		summary.Reset++
		r.logger.Info("plan reset to pending",
			slog.String("group_id", plan.GroupID),
			slog.String("day", plan.Day),
			slog.String("was", string(plan.Status)),
		)
	}
	return summary, nil
}

// resetTasks flips the plan's failed and error tasks back to pending.
// Success tasks keep their results; only dead captures are re-queued.
func (r *Reconciler) resetTasks(ctx context.Context, plan *domain.WebhookPlan) error {
	tasks, err := r.ledger.Fetch(ctx, store.TaskFilter{TaskIDs: plan.TaskIDs})
	if err != nil {
		return fmt.Errorf("fetch tasks for plan %s: %w", plan.ID, err)
	}
	var dead []int64
	for _, task := range tasks {
		if task.Status == domain.StatusFailed || task.Status == domain.StatusError {
			dead = append(dead, task.ID)
		}
	}
	if len(dead) == 0 {
		return nil
	}
	if err := r.ledger.UpdateStatus(ctx, dead, domain.StatusPending); err != nil {
		return fmt.Errorf("reset tasks for plan %s: %w", plan.ID, err)
	}
	r.logger.Info("tasks reset to pending",
		slog.String("group_id", plan.GroupID),
		slog.Int("tasks", len(dead)),
	)
	return nil
}

// RunDaemon sweeps on a cron schedule until ctx is cancelled. The first
// sweep runs immediately. The sweep window is today plus the configured
// lookback days, recomputed at every tick so the daemon follows the
// calendar.
func (r *Reconciler) RunDaemon(ctx context.Context, cronExpr string) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return domain.Inputf("parse cron schedule %q: %v", cronExpr, err)
	}

	r.sweepOnce(ctx)
	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	if _, err := r.Sweep(ctx, r.window(time.Now().UTC()), false); err != nil && ctx.Err() == nil {
		r.logger.Error("scheduled sweep failed", slog.Any("error", err))
	}
}

// window returns today and the lookback days before it, newest first.
func (r *Reconciler) window(now time.Time) []string {
	days := make([]string, 0, r.lookback+1)
	for i := 0; i <= r.lookback; i++ {
		days = append(days, now.AddDate(0, 0, -i).Format(dayLayout))
	}
	return days
}
