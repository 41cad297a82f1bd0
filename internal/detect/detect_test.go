package detect_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yichenzhou/groupflow/internal/detect"
	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/store/storetest"
)

const (
	app  = "com.smile.gifmaker"
	day  = "2026-02-05"
	book = "B100"
)

func intp(n int) *int { return &n }

func searchTask(id int64, status domain.Status) domain.Task {
	return domain.Task{
		ID:             id,
		App:            app,
		Scene:          domain.SceneSearch,
		BookID:         book,
		Day:            day,
		Status:         status,
		ItemsCollected: intp(10),
	}
}

func row(taskID int64, itemID, userID string) domain.ResultRow {
	return domain.ResultRow{TaskID: taskID, RowKey: "rk-" + itemID + userID, ItemID: itemID, BookID: book, UserID: userID}
}

func newEngine(ledger *storetest.Ledger, results *storetest.Results, books *storetest.Books, threshold float64) *detect.Engine {
	return detect.NewEngine(ledger, results, books, threshold, nil)
}

func defaultBooks() *storetest.Books {
	return &storetest.Books{Metas: map[string]domain.BookMeta{
		book: {BookID: book, Title: "测试短剧", TotalEpisodes: 10},
	}}
}

func TestEngine_SelectsGroupAtOrAboveThreshold(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusSuccess), searchTask(2, domain.StatusSuccess))

	results := &storetest.Results{ByTask: map[int64][]domain.ResultRow{
		// user U1 captured 5 of 10 episodes, exactly at the 0.5 boundary.
		1: {row(1, "ep1", "U1"), row(1, "ep2", "U1"), row(1, "ep3", "U1")},
		2: {row(2, "ep4", "U1"), row(2, "ep5", "U1"), row(2, "ep1", "U2")},
	}}

	engine := newEngine(ledger, results, defaultBooks(), 0.5)
	report, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1, 2}})
	require.NoError(t, err)

	require.Len(t, report.SelectedGroups, 1, "boundary-exact ratio must be selected, U2 (0.1) must not")
	group := report.SelectedGroups[0]
	assert.Equal(t, "快手_B100_U1", group.GroupID)
	assert.InDelta(t, 0.5, group.Ratio, 1e-9)
	assert.Equal(t, "测试短剧", group.BookTitle)
	assert.ElementsMatch(t, []int64{1, 2}, group.TaskIDs)
	assert.Equal(t, int64(1), report.AnchorTaskID)
	assert.Equal(t, day, report.Day)
}

func TestEngine_DeduplicatesItemsAcrossTasks(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusSuccess), searchTask(2, domain.StatusSuccess))

	// Both tasks captured the same 4 episodes; measure must count them once.
	results := &storetest.Results{ByTask: map[int64][]domain.ResultRow{
		1: {row(1, "ep1", "U1"), row(1, "ep2", "U1"), row(1, "ep3", "U1"), row(1, "ep4", "U1")},
		2: {row(2, "ep1", "U1"), row(2, "ep2", "U1"), row(2, "ep3", "U1"), row(2, "ep4", "U1")},
	}}

	engine := newEngine(ledger, results, defaultBooks(), 0.5)
	report, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1, 2}})
	require.NoError(t, err)
	assert.Empty(t, report.SelectedGroups, "4/10 is below threshold once deduplicated")
}

func TestEngine_FilterUnitSkipsNonTerminal(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusSuccess), searchTask(2, domain.StatusRunning))

	results := &storetest.Results{ByTask: map[int64][]domain.ResultRow{}}
	engine := newEngine(ledger, results, defaultBooks(), 0.5)

	report, err := engine.Run(context.Background(), domain.DetectionUnit{
		Filter: &domain.UnitFilter{App: app, Day: day},
	})
	require.NoError(t, err)
	require.Len(t, report.SkippedUnits, 1)
	assert.Equal(t, domain.SkipStatusNotTerminal, report.SkippedUnits[0].Reason)
	assert.Empty(t, report.SelectedGroups)
}

func TestEngine_ExplicitIDsBypassTerminalGate(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusRunning))

	results := &storetest.Results{ByTask: map[int64][]domain.ResultRow{
		1: {row(1, "ep1", "U1"), row(1, "ep2", "U1"), row(1, "ep3", "U1"),
			row(1, "ep4", "U1"), row(1, "ep5", "U1")},
	}}
	engine := newEngine(ledger, results, defaultBooks(), 0.5)

	report, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1}})
	require.NoError(t, err)
	assert.Len(t, report.SelectedGroups, 1)
}

func TestEngine_SkipsInvalidItemsCollected(t *testing.T) {
	bad := searchTask(2, domain.StatusSuccess)
	bad.ItemsCollected = nil

	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusSuccess), bad)

	engine := newEngine(ledger, &storetest.Results{}, defaultBooks(), 0.5)
	report, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1, 2}})
	require.NoError(t, err)
	require.Len(t, report.SkippedUnits, 1)
	assert.Equal(t, domain.SkipItemsInvalid, report.SkippedUnits[0].Reason)
}

func TestEngine_MissingBookMetaExcludesUnitNotFatal(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusSuccess))

	engine := newEngine(ledger, &storetest.Results{}, &storetest.Books{Metas: map[string]domain.BookMeta{}}, 0.5)
	report, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, report.SkippedUnits, 1)
	assert.Equal(t, domain.SkipBookMetaMissing, report.SkippedUnits[0].Reason)
}

func TestEngine_EmptyRowsYieldEmptyReport(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusSuccess))

	engine := newEngine(ledger, &storetest.Results{}, defaultBooks(), 0.5)
	report, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1}})
	require.NoError(t, err)
	assert.Empty(t, report.SelectedGroups)
	assert.Empty(t, report.SkippedUnits)
}

func TestEngine_NoBookPartitionFailsFast(t *testing.T) {
	task := searchTask(1, domain.StatusSuccess)
	task.BookID = ""
	ledger := &storetest.Ledger{}
	ledger.Add(task)

	engine := newEngine(ledger, &storetest.Results{}, defaultBooks(), 0.5)
	_, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1}})
	require.Error(t, err)
	var inputErr *domain.InputError
	assert.ErrorAs(t, err, &inputErr)
}

func TestEngine_GroupCarriesSubItemIdentifiers(t *testing.T) {
	ledger := &storetest.Ledger{}
	ledger.Add(searchTask(1, domain.StatusSuccess))

	rows := []domain.ResultRow{
		row(1, "ep1", "U1"), row(1, "ep2", "U1"), row(1, "ep3", "U1"),
		row(1, "ep4", "U1"), row(1, "ep5", "U1"),
	}
	rows[1].CollectionID = "C77"
	rows[3].AnchorID = "A9"

	results := &storetest.Results{ByTask: map[int64][]domain.ResultRow{1: rows}}
	engine := newEngine(ledger, results, defaultBooks(), 0.5)

	report, err := engine.Run(context.Background(), domain.DetectionUnit{TaskIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, report.SelectedGroups, 1)
	assert.Equal(t, "C77", report.SelectedGroups[0].CollectionID)
	assert.Equal(t, "A9", report.SelectedGroups[0].AnchorItemID)
}
