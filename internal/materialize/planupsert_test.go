package materialize_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/materialize"
	"github.com/yichenzhou/groupflow/internal/store/storetest"
)

const bizType = "short_drama"

func TestPlanUpserter_CreatesPendingPlan(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(domain.Task{ID: 11, App: "com.smile.gifmaker", GroupID: "快手_B1_U1", Day: "2026-02-05"})
	plans := storetest.NewPlans()

	u := materialize.NewPlanUpserter(plans, ledger, bizType, nil)
	summary, err := u.Upsert(context.Background(), report(group("U1")), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	plan := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "快手_B1_U1", Day: "2026-02-05"})
	require.NotNil(t, plan)
	assert.Equal(t, domain.PlanPending, plan.Status)
	assert.Equal(t, 0, plan.RetryCount)
	assert.Equal(t, []int64{11}, plan.TaskIDs)
	assert.Equal(t, "B1", plan.BookID)
}

func TestPlanUpserter_RefreshesTaskIDs(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(
		domain.Task{ID: 11, App: "com.smile.gifmaker", GroupID: "快手_B1_U1", Day: "2026-02-05"},
		domain.Task{ID: 12, App: "com.smile.gifmaker", GroupID: "快手_B1_U1", Day: "2026-02-05"},
	)
	plans := storetest.NewPlans(&domain.WebhookPlan{
		ID: "p1", BizType: bizType, GroupID: "快手_B1_U1", Day: "2026-02-05",
		TaskIDs: []int64{11}, Status: domain.PlanPending,
	})

	u := materialize.NewPlanUpserter(plans, ledger, bizType, nil)
	summary, err := u.Upsert(context.Background(), report(group("U1")), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Refreshed)

	plan := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "快手_B1_U1", Day: "2026-02-05"})
	assert.ElementsMatch(t, []int64{11, 12}, plan.TaskIDs)
}

func TestPlanUpserter_DeliveredPlanUntouched(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(
		domain.Task{ID: 11, App: "com.smile.gifmaker", GroupID: "快手_B1_U1", Day: "2026-02-05"},
		domain.Task{ID: 12, App: "com.smile.gifmaker", GroupID: "快手_B1_U1", Day: "2026-02-05"},
	)
	plans := storetest.NewPlans(&domain.WebhookPlan{
		ID: "p1", BizType: bizType, GroupID: "快手_B1_U1", Day: "2026-02-05",
		TaskIDs: []int64{11}, Status: domain.PlanSuccess,
	})

	u := materialize.NewPlanUpserter(plans, ledger, bizType, nil)
	summary, err := u.Upsert(context.Background(), report(group("U1")), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Unchanged)

	plan := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "快手_B1_U1", Day: "2026-02-05"})
	assert.Equal(t, []int64{11}, plan.TaskIDs)
}

func TestPlanUpserter_DryRunWritesNothing(t *testing.T) {
	ledger := &storetest.Ledger{}
	plans := storetest.NewPlans()

	u := materialize.NewPlanUpserter(plans, ledger, bizType, nil)
	summary, err := u.Upsert(context.Background(), report(group("U1")), true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Nil(t, plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "快手_B1_U1", Day: "2026-02-05"}))
}

func TestPlanUpserter_FallsBackToReportTaskIDs(t *testing.T) {
	ledger := &storetest.Ledger{} // group has no ledger rows yet
	plans := storetest.NewPlans()

	u := materialize.NewPlanUpserter(plans, ledger, bizType, nil)
	_, err := u.Upsert(context.Background(), report(group("U1")), false)
	require.NoError(t, err)

	plan := plans.Plan(domain.PlanKey{BizType: bizType, GroupID: "快手_B1_U1", Day: "2026-02-05"})
	require.NotNil(t, plan)
	assert.Equal(t, []int64{1}, plan.TaskIDs)
}
