package store

import (
	"context"
	"time"

	"github.com/yichenzhou/groupflow/internal/domain"
)

// TaskFilter narrows a ledger fetch. Zero fields are ignored.
type TaskFilter struct {
	App      string
	Scene    string
	Status   domain.Status
	Day      string
	GroupIDs []string
	TaskIDs  []int64
	Limit    int
}

// TaskLedger is the durable store of capture tasks.
type TaskLedger interface {
	Fetch(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
	Create(ctx context.Context, tasks []domain.Task) ([]int64, error)
	UpdateStatus(ctx context.Context, taskIDs []int64, status domain.Status) error
}

// ResultFetch carries decoded rows together with per-row decode failures.
// Malformed rows never abort a fetch; they are reported for observability.
type ResultFetch struct {
	Rows      []domain.ResultRow
	Malformed []domain.RowDecodeError
}

// ResultStore is the append-only store of per-item capture rows.
type ResultStore interface {
	FetchByTaskIDs(ctx context.Context, taskIDs []int64) (ResultFetch, error)
}

// PlanFilter selects webhook plans for a reconciliation sweep.
type PlanFilter struct {
	BizType  string
	Days     []string
	Statuses []domain.PlanStatus
	Limit    int
}

// PlanUpdate is a partial update of a webhook plan. Nil fields are left
// untouched.
type PlanUpdate struct {
	Status          *domain.PlanStatus
	RetryCount      *int
	LastError       *string
	TaskIDs         []int64
	TaskIDsByStatus map[domain.Status][]int64
	StartAt         *time.Time
	EndAt           *time.Time
	UserID          *string
	UserName        *string
	RecordCount     *int
}

// PlanStore is the durable store of webhook plans, keyed uniquely by
// (biz_type, group_id, day). Update takes the caller's version snapshot and
// returns domain.PlanConflictError when it no longer matches, so concurrent
// dispatchers cannot both record a terminal transition.
type PlanStore interface {
	Get(ctx context.Context, key domain.PlanKey) (*domain.WebhookPlan, error)
	Search(ctx context.Context, filter PlanFilter) ([]*domain.WebhookPlan, error)
	Create(ctx context.Context, plan *domain.WebhookPlan) error
	Update(ctx context.Context, planID string, expectVersion int64, update PlanUpdate) error
}

// BookMetaStore resolves reference metadata for a book id.
type BookMetaStore interface {
	Get(ctx context.Context, bookID string) (*domain.BookMeta, error)
}
