package reconcile_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yichenzhou/groupflow/internal/dispatch"
	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/reconcile"
	"github.com/yichenzhou/groupflow/internal/redislock"
	"github.com/yichenzhou/groupflow/internal/store"
	"github.com/yichenzhou/groupflow/internal/store/storetest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	bizType = "short_drama"
	day     = "2026-02-05"
)

type okSink struct{ calls int }

func (s *okSink) Deliver(context.Context, *dispatch.Payload) error {
	s.calls++
	return nil
}

func plan(id, groupID string, status domain.PlanStatus, taskIDs ...int64) *domain.WebhookPlan {
	return &domain.WebhookPlan{
		ID:         id,
		BizType:    bizType,
		GroupID:    groupID,
		Day:        day,
		TaskIDs:    taskIDs,
		Status:     status,
		RetryCount: 0,
		Version:    1,
	}
}

func task(id int64, groupID string, status domain.Status) domain.Task {
	return domain.Task{ID: id, GroupID: groupID, Day: day, Status: status, UserID: "u1"}
}

func newReconciler(t *testing.T, plans *storetest.Plans, ledger *storetest.Ledger, sink dispatch.Sink) *reconcile.Reconciler {
	t.Helper()
	mr := miniredis.RunT(t)
	locker := redislock.NewLocker(redislock.NewClient(mr.Addr()), time.Minute)
	barrier := dispatch.NewBarrier(ledger, plans, discard)
	results := &storetest.Results{ByTask: map[int64][]domain.ResultRow{
		1: {{TaskID: 1, RowKey: "r1", ItemID: "ep1", BookID: "b1", UserID: "u1"}},
		2: {{TaskID: 2, RowKey: "r2", ItemID: "ep2", BookID: "b1", UserID: "u1"}},
	}}
	books := &storetest.Books{Metas: map[string]domain.BookMeta{}}
	deliverer := dispatch.NewDeliverer(barrier, plans, results, books, sink, locker, discard)
	return reconcile.New(plans, ledger, deliverer, bizType, discard)
}

func TestSweep_DeliversReadyPlans(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(task(1, "g1", domain.StatusSuccess), task(2, "g2", domain.StatusRunning))
	plans := storetest.NewPlans(
		plan("p1", "g1", domain.PlanPending, 1),
		plan("p2", "g2", domain.PlanPending, 2),
	)
	sink := &okSink{}
	r := newReconciler(t, plans, ledger, sink)

	summary, err := r.Sweep(context.Background(), []string{day}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, summary.NotReady)
	assert.Equal(t, 1, sink.calls)

	g1 := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "g1", Day: day})
	assert.Equal(t, domain.PlanSuccess, g1.Status)
}

func TestSweep_SkipsErrorPlans(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(task(1, "g1", domain.StatusSuccess))
	plans := storetest.NewPlans(plan("p1", "g1", domain.PlanError, 1))
	sink := &okSink{}
	r := newReconciler(t, plans, ledger, sink)

	summary, err := r.Sweep(context.Background(), []string{day}, false)
	require.NoError(t, err)
	assert.Zero(t, summary.Checked, "parked plans are not swept")
	assert.Zero(t, sink.calls)
}

func TestSweep_RetriesFailedPlans(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(task(1, "g1", domain.StatusSuccess))
	failed := plan("p1", "g1", domain.PlanFailed, 1)
	failed.RetryCount = 1
	failed.LastError = "webhook sink returned status 503"
	plans := storetest.NewPlans(failed)
	sink := &okSink{}
	r := newReconciler(t, plans, ledger, sink)

	summary, err := r.Sweep(context.Background(), []string{day}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered)

	stored := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "g1", Day: day})
	assert.Equal(t, domain.PlanSuccess, stored.Status)
	assert.Zero(t, stored.RetryCount, "success resets the retry count")
	assert.Empty(t, stored.LastError)
}

func TestSweep_DryRunWritesNothing(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(task(1, "g1", domain.StatusSuccess))
	plans := storetest.NewPlans(plan("p1", "g1", domain.PlanPending, 1))
	sink := &okSink{}
	r := newReconciler(t, plans, ledger, sink)

	summary, err := r.Sweep(context.Background(), []string{day}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered)
	assert.True(t, summary.DryRun)
	assert.Zero(t, sink.calls)
	stored := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "g1", Day: day})
	assert.Equal(t, domain.PlanPending, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}

func TestSweep_RequiresDays(t *testing.T) {
	r := newReconciler(t, storetest.NewPlans(), &storetest.Ledger{}, &okSink{})

	_, err := r.Sweep(context.Background(), nil, false)
	var input *domain.InputError
	require.ErrorAs(t, err, &input)
}

func TestReset_MovesParkedPlansToPending(t *testing.T) {
	parked := plan("p1", "g1", domain.PlanError, 1)
	parked.RetryCount = 3
	parked.LastError = "connection refused"
	failed := plan("p2", "g2", domain.PlanFailed, 2)
	failed.RetryCount = 1
	delivered := plan("p3", "g3", domain.PlanSuccess, 3)
	plans := storetest.NewPlans(parked, failed, delivered)
	r := newReconciler(t, plans, &storetest.Ledger{}, &okSink{})

	summary, err := r.Reset(context.Background(), []string{day}, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Reset)

	for _, groupID := range []string{"g1", "g2"} {
		stored := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: groupID, Day: day})
		assert.Equal(t, domain.PlanPending, stored.Status)
		assert.Zero(t, stored.RetryCount)
		assert.Empty(t, stored.LastError)
	}
	assert.Equal(t, domain.PlanSuccess,
		plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "g3", Day: day}).Status,
		"delivered plans are never reset")
}

func TestReset_WithTasksRequeuesDeadCaptures(t *testing.T) {
	parked := plan("p1", "g1", domain.PlanError, 1, 2, 3)
	parked.RetryCount = 3
	plans := storetest.NewPlans(parked)
	ledger := &storetest.Ledger{}
	ledger.Add(
		task(1, "g1", domain.StatusFailed),
		task(2, "g1", domain.StatusError),
		task(3, "g1", domain.StatusSuccess),
	)
	r := newReconciler(t, plans, ledger, &okSink{})

	summary, err := r.Reset(context.Background(), []string{day}, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reset)

	got, err := ledger.Fetch(context.Background(), store.TaskFilter{TaskIDs: []int64{1, 2, 3}})
	require.NoError(t, err)
	byID := map[int64]domain.Status{}
	for _, tk := range got {
		byID[tk.ID] = tk.Status
	}
	assert.Equal(t, domain.StatusPending, byID[1])
	assert.Equal(t, domain.StatusPending, byID[2])
	assert.Equal(t, domain.StatusSuccess, byID[3], "delivered captures keep their results")
}

func TestReset_DryRunCountsOnly(t *testing.T) {
	parked := plan("p1", "g1", domain.PlanError, 1)
	plans := storetest.NewPlans(parked)
	r := newReconciler(t, plans, &storetest.Ledger{}, &okSink{})

	summary, err := r.Reset(context.Background(), []string{day}, false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reset)
	assert.Equal(t, domain.PlanError,
		plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "g1", Day: day}).Status)
}
