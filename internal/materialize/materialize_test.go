package materialize_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/materialize"
	"github.com/yichenzhou/groupflow/internal/store"
	"github.com/yichenzhou/groupflow/internal/store/storetest"
)

func report(groups ...domain.SelectedGroup) *domain.DetectionReport {
	return &domain.DetectionReport{
		AnchorTaskID:   1,
		Day:            "2026-02-05",
		Threshold:      0.5,
		SelectedGroups: groups,
	}
}

func group(id string) domain.SelectedGroup {
	return domain.SelectedGroup{
		GroupID: "快手_B1_" + id,
		App:     "com.smile.gifmaker",
		BookID:  "B1",
		UserKey: id,
		UserID:  id,
		Ratio:   0.8,
		TaskIDs: []int64{1},
	}
}

func TestMaterializer_CreatesProfileTaskPerGroup(t *testing.T) {
	ledger := &storetest.Ledger{}
	m := materialize.NewMaterializer(ledger, nil)

	summary, err := m.Run(context.Background(), report(group("U1")), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.SkippedExisting)

	tasks, err := ledger.Fetch(context.Background(), storeFilterAll())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.SceneProfile, tasks[0].Scene)
	assert.Equal(t, "快手_B1_U1", tasks[0].GroupID)
	assert.Equal(t, domain.StatusPending, tasks[0].Status)
}

func TestMaterializer_GatedSubtasks(t *testing.T) {
	g := group("U1")
	g.CollectionID = "C5"
	g.AnchorItemID = "A7"

	ledger := &storetest.Ledger{}
	m := materialize.NewMaterializer(ledger, nil)

	summary, err := m.Run(context.Background(), report(g), false)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Created)

	scenes := map[string]string{}
	tasks, _ := ledger.Fetch(context.Background(), storeFilterAll())
	for _, task := range tasks {
		scenes[task.Scene] = task.ItemID
	}
	assert.Equal(t, "", scenes[domain.SceneProfile])
	assert.Equal(t, "C5", scenes[domain.SceneCollection])
	assert.Equal(t, "A7", scenes[domain.SceneAnchor])
}

func TestMaterializer_IdempotentSecondRun(t *testing.T) {
	ledger := &storetest.Ledger{}
	m := materialize.NewMaterializer(ledger, nil)
	rep := report(group("U1"), group("U2"))

	first, err := m.Run(context.Background(), rep, false)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := m.Run(context.Background(), rep, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created, "second run must create zero tasks")
	assert.Equal(t, 2, second.SkippedExisting)
}

func TestMaterializer_BatchFailuresAreIndependent(t *testing.T) {
	ledger := &storetest.Ledger{
		CreateErrOn: map[int]error{1: errors.New("table write refused")},
	}
	m := materialize.NewMaterializer(ledger, nil, materialize.WithBatchSize(1))

	summary, err := m.Run(context.Background(), report(group("U1"), group("U2")), false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 1, summary.Created, "second batch must still be attempted")
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "table write refused")
}

func TestMaterializer_DryRunWritesNothing(t *testing.T) {
	ledger := &storetest.Ledger{}
	m := materialize.NewMaterializer(ledger, nil)

	summary, err := m.Run(context.Background(), report(group("U1")), true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 0, ledger.CreateCalls())
}

func storeFilterAll() store.TaskFilter {
	return store.TaskFilter{App: "com.smile.gifmaker"}
}
