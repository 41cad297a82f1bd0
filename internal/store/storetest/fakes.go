// Package storetest provides in-memory store implementations for tests.
package storetest

import (
	"context"
	"sync"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/store"
)

// Ledger is an in-memory TaskLedger.
type Ledger struct {
	mu       sync.Mutex
	Tasks    []domain.Task
	nextID   int64
	FetchErr error
	// CreateErrOn fails the n-th Create call (1-indexed) when set.
	CreateErrOn map[int]error
	createCalls int
}

func (l *Ledger) Add(tasks ...domain.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range tasks {
		if t.ID > l.nextID {
			l.nextID = t.ID
		}
		l.Tasks = append(l.Tasks, t)
	}
}

func (l *Ledger) Fetch(_ context.Context, filter store.TaskFilter) ([]domain.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FetchErr != nil {
		return nil, l.FetchErr
	}
	var out []domain.Task
	for _, t := range l.Tasks {
		if filter.App != "" && t.App != filter.App {
			continue
		}
		if filter.Scene != "" && t.Scene != filter.Scene {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Day != "" && t.Day != filter.Day {
			continue
		}
		if len(filter.GroupIDs) > 0 && !containsStr(filter.GroupIDs, t.GroupID) {
			continue
		}
		if len(filter.TaskIDs) > 0 && !containsInt(filter.TaskIDs, t.ID) {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) Create(_ context.Context, tasks []domain.Task) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.createCalls++
	if err, ok := l.CreateErrOn[l.createCalls]; ok {
		return nil, err
	}
	var ids []int64
	for _, t := range tasks {
		l.nextID++
		t.ID = l.nextID
		l.Tasks = append(l.Tasks, t)
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (l *Ledger) UpdateStatus(_ context.Context, taskIDs []int64, status domain.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.Tasks {
		if containsInt(taskIDs, l.Tasks[i].ID) {
			l.Tasks[i].Status = status
		}
	}
	return nil
}

// CreateCalls reports how many Create batches were attempted.
func (l *Ledger) CreateCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createCalls
}

// Results is an in-memory ResultStore keyed by task id.
type Results struct {
	ByTask    map[int64][]domain.ResultRow
	Malformed []domain.RowDecodeError
	Err       error
}

func (r *Results) FetchByTaskIDs(_ context.Context, taskIDs []int64) (store.ResultFetch, error) {
	if r.Err != nil {
		return store.ResultFetch{}, r.Err
	}
	var fetch store.ResultFetch
	for _, id := range taskIDs {
		fetch.Rows = append(fetch.Rows, r.ByTask[id]...)
	}
	fetch.Malformed = append(fetch.Malformed, r.Malformed...)
	return fetch, nil
}

// Plans is an in-memory PlanStore with optimistic versioning, mirroring the
// postgres implementation's conflict semantics.
type Plans struct {
	mu        sync.Mutex
	byKey     map[domain.PlanKey]*domain.WebhookPlan
	GetErr    error
	CreateErr error
	UpdateErr error
	Updates   []store.PlanUpdate
}

func NewPlans(plans ...*domain.WebhookPlan) *Plans {
	s := &Plans{byKey: make(map[domain.PlanKey]*domain.WebhookPlan)}
	for _, p := range plans {
		clone := *p
		if clone.Version == 0 {
			clone.Version = 1
		}
		s.byKey[clone.Key()] = &clone
	}
	return s
}

func (s *Plans) Get(_ context.Context, key domain.PlanKey) (*domain.WebhookPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	plan, ok := s.byKey[key]
	if !ok {
		return nil, &domain.PlanNotFoundError{Key: key}
	}
	clone := *plan
	return &clone, nil
}

func (s *Plans) Search(_ context.Context, filter store.PlanFilter) ([]*domain.WebhookPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WebhookPlan
	for _, plan := range s.byKey {
		if filter.BizType != "" && plan.BizType != filter.BizType {
			continue
		}
		if len(filter.Days) > 0 && !containsStr(filter.Days, plan.Day) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsPlanStatus(filter.Statuses, plan.Status) {
			continue
		}
		clone := *plan
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Plans) Create(_ context.Context, plan *domain.WebhookPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	clone := *plan
	if clone.ID == "" {
		clone.ID = "plan-" + clone.GroupID + "-" + clone.Day
	}
	clone.Version = 1
	s.byKey[clone.Key()] = &clone
	plan.ID = clone.ID
	plan.Version = 1
	return nil
}

func (s *Plans) Update(_ context.Context, planID string, expectVersion int64, update store.PlanUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	for _, plan := range s.byKey {
		if plan.ID != planID {
			continue
		}
		if plan.Version != expectVersion {
			return &domain.PlanConflictError{PlanID: planID, ExpectVersion: expectVersion}
		}
		applyUpdate(plan, update)
		plan.Version++
		s.Updates = append(s.Updates, update)
		return nil
	}
	return &domain.PlanConflictError{PlanID: planID, ExpectVersion: expectVersion}
}

// Plan returns the stored plan for a key, or nil.
func (s *Plans) Plan(key domain.PlanKey) *domain.WebhookPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.byKey[key]
	if !ok {
		return nil
	}
	clone := *plan
	return &clone
}

func applyUpdate(plan *domain.WebhookPlan, update store.PlanUpdate) {
	if update.Status != nil {
		plan.Status = *update.Status
	}
	if update.RetryCount != nil {
		plan.RetryCount = *update.RetryCount
	}
	if update.LastError != nil {
		plan.LastError = *update.LastError
	}
	if update.TaskIDs != nil {
		plan.TaskIDs = update.TaskIDs
	}
	if update.TaskIDsByStatus != nil {
		plan.TaskIDsByStatus = update.TaskIDsByStatus
	}
	if update.StartAt != nil {
		plan.StartAt = update.StartAt
	}
	if update.EndAt != nil {
		plan.EndAt = update.EndAt
	}
	if update.UserID != nil {
		plan.UserID = *update.UserID
	}
	if update.UserName != nil {
		plan.UserName = *update.UserName
	}
	if update.RecordCount != nil {
		plan.RecordCount = *update.RecordCount
	}
}

// Books is an in-memory BookMetaStore.
type Books struct {
	Metas map[string]domain.BookMeta
	Err   error
}

func (b *Books) Get(_ context.Context, bookID string) (*domain.BookMeta, error) {
	if b.Err != nil {
		return nil, b.Err
	}
	meta, ok := b.Metas[bookID]
	if !ok {
		return nil, &domain.BookMetaNotFoundError{BookID: bookID}
	}
	return &meta, nil
}

func containsStr(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}

func containsInt(values []int64, v int64) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}

func containsPlanStatus(values []domain.PlanStatus, v domain.PlanStatus) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}
