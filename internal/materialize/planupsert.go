package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/store"
)

// UpsertSummary is the structured outcome of one plan upsert run.
type UpsertSummary struct {
	Created   int  `json:"created"`
	Refreshed int  `json:"refreshed"`
	Unchanged int  `json:"unchanged"`
	DryRun    bool `json:"dry_run,omitempty"`
}

// PlanUpserter creates or refreshes webhook plans for selected groups.
type PlanUpserter struct {
	plans   store.PlanStore
	ledger  store.TaskLedger
	bizType string
	logger  *slog.Logger
}

// NewPlanUpserter constructs a PlanUpserter.
func NewPlanUpserter(plans store.PlanStore, ledger store.TaskLedger, bizType string, logger *slog.Logger) *PlanUpserter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanUpserter{plans: plans, ledger: ledger, bizType: bizType, logger: logger}
}

// Upsert ensures a pending plan exists per selected group. Existing
// non-success plans get their task id set refreshed from the ledger;
// delivered plans are left untouched.
func (u *PlanUpserter) Upsert(ctx context.Context, report *domain.DetectionReport, dryRun bool) (*UpsertSummary, error) {
	summary := &UpsertSummary{DryRun: dryRun}

	for _, group := range report.SelectedGroups {
		key := domain.PlanKey{BizType: u.bizType, GroupID: group.GroupID, Day: report.Day}

		taskIDs, err := u.groupTaskIDs(ctx, group, report.Day)
		if err != nil {
			return summary, err
		}

		plan, err := u.plans.Get(ctx, key)
		if err != nil {
			var notFound *domain.PlanNotFoundError
			if !errors.As(err, &notFound) {
				return summary, fmt.Errorf("get plan %s: %w", group.GroupID, err)
			}
			summary.Created++
			if dryRun {
				continue
			}
			created := &domain.WebhookPlan{
				BizType:  u.bizType,
				GroupID:  group.GroupID,
				Day:      report.Day,
				TaskIDs:  taskIDs,
				Status:   domain.PlanPending,
				BookID:   group.BookID,
				UserID:   group.UserID,
				UserName: group.UserName,
			}
			if err := u.plans.Create(ctx, created); err != nil {
				return summary, fmt.Errorf("create plan %s: %w", group.GroupID, err)
			}
			u.logger.Info("webhook plan created",
				slog.String("group_id", group.GroupID),
				slog.String("day", report.Day),
				slog.Int("tasks", len(taskIDs)),
			)
			continue
		}

		if plan.Status == domain.PlanSuccess || equalIDs(plan.TaskIDs, taskIDs) {
			summary.Unchanged++
			continue
		}
		summary.Refreshed++
		if dryRun {
			continue
		}
		if err := u.plans.Update(ctx, plan.ID, plan.Version, store.PlanUpdate{TaskIDs: taskIDs}); err != nil {
			return summary, fmt.Errorf("refresh plan %s: %w", group.GroupID, err)
		}
	}
	return summary, nil
}

// groupTaskIDs collects the ledger tasks tracked by the group's plan,
// which includes any subtasks the materializer just created.
func (u *PlanUpserter) groupTaskIDs(ctx context.Context, group domain.SelectedGroup, day string) ([]int64, error) {
	tasks, err := u.ledger.Fetch(ctx, store.TaskFilter{
		App:      group.App,
		GroupIDs: []string{group.GroupID},
		Day:      day,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch group tasks for %s: %w", group.GroupID, err)
	}
	if len(tasks) == 0 {
		// Plan can still be created from the detection unit's own tasks.
		return group.TaskIDs, nil
	}
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids, nil
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int64]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
		if seen[id] < 0 {
			return false
		}
	}
	return true
}
