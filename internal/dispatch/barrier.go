package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/store"
)

// Readiness classifies the completion state of a group's plan.
type Readiness string

const (
	Ready       Readiness = "ready"
	NotReady    Readiness = "not_ready"
	MissingPlan Readiness = "missing_plan"
	InvalidPlan Readiness = "invalid_plan"
)

// BarrierResult is the outcome of one readiness check.
type BarrierResult struct {
	Readiness Readiness
	Plan      *domain.WebhookPlan
	ByStatus  map[domain.Status][]int64
}

// Barrier decides whether every task tracked by a group's plan has reached
// a terminal status. A failed task keeps the group waiting: it is
// retry-pending at the task level, not finished.
type Barrier struct {
	ledger store.TaskLedger
	plans  store.PlanStore
	logger *slog.Logger
}

// NewBarrier constructs a Barrier.
func NewBarrier(ledger store.TaskLedger, plans store.PlanStore, logger *slog.Logger) *Barrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Barrier{ledger: ledger, plans: plans, logger: logger}
}

// Check fetches the plan and its tasks' current statuses. Unless dryRun,
// it writes the latest task_ids_by_status snapshot back onto the plan
// whether or not the group is ready.
func (b *Barrier) Check(ctx context.Context, key domain.PlanKey, dryRun bool) (*BarrierResult, error) {
	plan, err := b.plans.Get(ctx, key)
	if err != nil {
		var notFound *domain.PlanNotFoundError
		if errors.As(err, &notFound) {
			return &BarrierResult{Readiness: MissingPlan}, nil
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if len(plan.TaskIDs) == 0 {
		return &BarrierResult{Readiness: InvalidPlan, Plan: plan}, nil
	}

	tasks, err := b.ledger.Fetch(ctx, store.TaskFilter{
		TaskIDs:  plan.TaskIDs,
		GroupIDs: []string{key.GroupID},
		Day:      key.Day,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch plan tasks: %w", err)
	}

	byStatus := classify(tasks)
	result := &BarrierResult{
		Readiness: readiness(tasks),
		Plan:      plan,
		ByStatus:  byStatus,
	}

	if !dryRun {
		// Snapshot write is observability, not control flow: a version
		// conflict means someone else refreshed it first, which is fine.
		err := b.plans.Update(ctx, plan.ID, plan.Version, store.PlanUpdate{TaskIDsByStatus: byStatus})
		var conflict *domain.PlanConflictError
		switch {
		case err == nil:
			plan.Version++
			plan.TaskIDsByStatus = byStatus
		case errors.As(err, &conflict):
			b.logger.Debug("snapshot write lost a race", slog.String("plan_id", plan.ID))
		default:
			return nil, fmt.Errorf("write status snapshot: %w", err)
		}
	}

	b.logger.Info("barrier checked",
		slog.String("group_id", key.GroupID),
		slog.String("day", key.Day),
		slog.String("readiness", string(result.Readiness)),
		slog.Int("tasks", len(tasks)),
	)
	return result, nil
}

func readiness(tasks []domain.Task) Readiness {
	if len(tasks) == 0 {
		return NotReady
	}
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return NotReady
		}
	}
	return Ready
}

func classify(tasks []domain.Task) map[domain.Status][]int64 {
	byStatus := make(map[domain.Status][]int64)
	for _, task := range tasks {
		byStatus[task.Status] = append(byStatus[task.Status], task.ID)
	}
	for _, ids := range byStatus {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return byStatus
}
