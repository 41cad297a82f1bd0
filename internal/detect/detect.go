package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/store"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

// DefaultThreshold selects groups whose capture ratio reaches half the
// book's episode count.
const DefaultThreshold = 0.5

// Engine clusters capture rows into groups and applies the selection
// threshold. It never writes; the report drives materialization downstream.
type Engine struct {
	ledger    store.TaskLedger
	results   store.ResultStore
	books     store.BookMetaStore
	threshold float64
	logger    *slog.Logger
}

// NewEngine constructs a detection engine. Thresholds outside (0,1] fall
// back to DefaultThreshold.
func NewEngine(
	ledger store.TaskLedger,
	results store.ResultStore,
	books store.BookMetaStore,
	threshold float64,
	logger *slog.Logger,
) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:    ledger,
		results:   results,
		books:     books,
		threshold: threshold,
		logger:    logger,
	}
}

// Run resolves the unit, partitions it by book id and scores every group.
func (e *Engine) Run(ctx context.Context, unit domain.DetectionUnit) (*domain.DetectionReport, error) {
	ctx, span := otel.Tracer("detect").Start(ctx, "detect.run")
	defer span.End()

	tasks, fromFilter, err := e.resolve(ctx, unit)
	if err != nil {
		return nil, err
	}

	partitions := make(map[string][]domain.Task)
	for _, task := range tasks {
		if task.BookID == "" {
			continue
		}
		partitions[task.BookID] = append(partitions[task.BookID], task)
	}
	if len(partitions) == 0 {
		return nil, domain.Inputf("detection unit resolved to no non-empty book_id partition")
	}

	report := &domain.DetectionReport{
		AnchorTaskID: anchorTaskID(tasks),
		Day:          unitDay(unit, tasks),
		Threshold:    e.threshold,
	}
	span.SetAttributes(
		attribute.Int64("detect.anchor_task_id", report.AnchorTaskID),
		attribute.String("detect.day", report.Day),
	)

	bookIDs := make([]string, 0, len(partitions))
	for bookID := range partitions {
		bookIDs = append(bookIDs, bookID)
	}
	sort.Strings(bookIDs)

	for _, bookID := range bookIDs {
		unitTasks := partitions[bookID]
		if err := e.scorePartition(ctx, report, bookID, unitTasks, fromFilter); err != nil {
			return nil, err
		}
	}

	telemetry.DetectGroupsSelected.Add(float64(len(report.SelectedGroups)))
	e.logger.Info("detection finished",
		slog.String("day", report.Day),
		slog.Int("selected", len(report.SelectedGroups)),
		slog.Int("skipped", len(report.SkippedUnits)),
	)
	return report, nil
}

// resolve expands the unit into concrete ledger tasks. fromFilter reports
// whether the terminal-status gate applies.
func (e *Engine) resolve(ctx context.Context, unit domain.DetectionUnit) ([]domain.Task, bool, error) {
	switch {
	case len(unit.TaskIDs) > 0:
		tasks, err := e.ledger.Fetch(ctx, store.TaskFilter{TaskIDs: unit.TaskIDs})
		if err != nil {
			return nil, false, fmt.Errorf("resolve detection unit: %w", err)
		}
		if len(tasks) == 0 {
			return nil, false, domain.Inputf("no tasks found for ids %v", unit.TaskIDs)
		}
		return tasks, false, nil

	case unit.Filter != nil:
		f := *unit.Filter
		if f.App == "" || f.Day == "" {
			return nil, false, domain.Inputf("detection filter requires app and date")
		}
		if f.Scene == "" {
			f.Scene = domain.SceneSearch
		}
		tasks, err := e.ledger.Fetch(ctx, store.TaskFilter{
			App:    f.App,
			Scene:  f.Scene,
			Status: f.Status,
			Day:    f.Day,
		})
		if err != nil {
			return nil, false, fmt.Errorf("resolve detection unit: %w", err)
		}
		if len(tasks) == 0 {
			return nil, false, domain.Inputf("no tasks match filter app=%s scene=%s date=%s", f.App, f.Scene, f.Day)
		}
		return tasks, true, nil

	default:
		return nil, false, domain.Inputf("detection unit needs task ids or a filter")
	}
}

func (e *Engine) scorePartition(
	ctx context.Context,
	report *domain.DetectionReport,
	bookID string,
	unitTasks []domain.Task,
	fromFilter bool,
) error {
	taskIDs := make([]int64, 0, len(unitTasks))
	for _, task := range unitTasks {
		taskIDs = append(taskIDs, task.ID)
	}
	skip := func(reason domain.SkipReason) {
		telemetry.DetectUnitsSkipped.WithLabelValues(string(reason)).Inc()
		report.SkippedUnits = append(report.SkippedUnits, domain.SkippedUnit{
			BookID:  bookID,
			Reason:  reason,
			TaskIDs: taskIDs,
		})
	}

	if fromFilter {
		for _, task := range unitTasks {
			if !task.Status.IsTerminal() {
				skip(domain.SkipStatusNotTerminal)
				return nil
			}
		}
	}
	for _, task := range unitTasks {
		if task.ItemsCollected == nil || *task.ItemsCollected < 0 {
			skip(domain.SkipItemsInvalid)
			return nil
		}
	}

	meta, err := e.books.Get(ctx, bookID)
	if err != nil {
		var notFound *domain.BookMetaNotFoundError
		if errors.As(err, &notFound) {
			skip(domain.SkipBookMetaMissing)
			return nil
		}
		return fmt.Errorf("book meta for %s: %w", bookID, err)
	}
	if meta.TotalEpisodes <= 0 {
		skip(domain.SkipBookMetaMissing)
		return nil
	}

	fetch, err := e.results.FetchByTaskIDs(ctx, taskIDs)
	if err != nil {
		return fmt.Errorf("fetch rows for book %s: %w", bookID, err)
	}
	for _, bad := range fetch.Malformed {
		telemetry.ResultRowsMalformed.Inc()
		e.logger.Warn("malformed capture row", slog.String("row_key", bad.RowKey), slog.String("detail", bad.Error()))
	}
	if len(fetch.Rows) == 0 {
		// Resolvable unit with no captured rows: nothing to select, not an error.
		return nil
	}

	app := unitTasks[0].App
	for _, group := range clusterRows(app, bookID, taskIDs, fetch.Rows) {
		group.Ratio = float64(group.itemCount) / float64(meta.TotalEpisodes)
		group.BookTitle = meta.Title
		if group.Ratio >= e.threshold { // inclusive: boundary-exact ratio counts
			report.SelectedGroups = append(report.SelectedGroups, group.SelectedGroup)
		} else {
			e.logger.Debug("group below threshold",
				slog.String("group_id", group.GroupID),
				slog.Float64("ratio", group.Ratio),
			)
		}
	}
	return nil
}

// scoredGroup accumulates one group's rows before the threshold test.
type scoredGroup struct {
	domain.SelectedGroup
	itemCount int
	seenItems map[string]struct{}
}

// clusterRows partitions rows by user identity into groups keyed by the
// derived group id. Returned groups are ordered by group id.
func clusterRows(app, bookID string, taskIDs []int64, rows []domain.ResultRow) []*scoredGroup {
	groups := make(map[string]*scoredGroup)
	for _, row := range rows {
		userKey := row.UserKey()
		groupID := domain.GroupID(app, bookID, userKey)
		group, ok := groups[groupID]
		if !ok {
			group = &scoredGroup{
				SelectedGroup: domain.SelectedGroup{
					GroupID:  groupID,
					App:      app,
					BookID:   bookID,
					UserKey:  userKey,
					UserID:   row.UserID,
					UserName: row.UserName,
					TaskIDs:  taskIDs,
				},
				seenItems: make(map[string]struct{}),
			}
			groups[groupID] = group
		}
		if group.UserName == "" && row.UserName != "" {
			group.UserName = row.UserName
		}
		if group.CollectionID == "" && row.CollectionID != "" {
			group.CollectionID = row.CollectionID
		}
		if group.AnchorItemID == "" && row.AnchorID != "" {
			group.AnchorItemID = row.AnchorID
		}
		key := row.ItemKey()
		if _, seen := group.seenItems[key]; !seen {
			group.seenItems[key] = struct{}{}
			group.itemCount++
		}
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ordered := make([]*scoredGroup, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, groups[id])
	}
	return ordered
}

func anchorTaskID(tasks []domain.Task) int64 {
	var anchor int64
	for _, task := range tasks {
		if anchor == 0 || task.ID < anchor {
			anchor = task.ID
		}
	}
	return anchor
}

func unitDay(unit domain.DetectionUnit, tasks []domain.Task) string {
	if unit.Filter != nil && unit.Filter.Day != "" {
		return unit.Filter.Day
	}
	for _, task := range tasks {
		if task.Day != "" {
			return task.Day
		}
	}
	return ""
}
