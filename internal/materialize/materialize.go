package materialize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/store"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

// maxBatchSize caps one ledger create call, matching the remote table API's
// batch limit.
const maxBatchSize = 500

// Summary is the structured outcome of one materialization run.
type Summary struct {
	Groups          int      `json:"groups"`
	Created         int      `json:"created"`
	SkippedExisting int      `json:"skipped_existing"`
	Batches         int      `json:"batches"`
	FailedBatches   int      `json:"failed_batches"`
	Errors          []string `json:"errors,omitempty"`
	DryRun          bool     `json:"dry_run,omitempty"`
}

// Materializer turns selected groups from a detection report into subtask
// records in the task ledger. Re-runs are idempotent: a group whose
// (app, group_id, day) already has tasks is skipped.
type Materializer struct {
	ledger    store.TaskLedger
	batchSize int
	logger    *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithBatchSize overrides the ledger create batch size.
func WithBatchSize(n int) Option { return func(m *Materializer) { m.batchSize = n } }

// NewMaterializer constructs a Materializer.
func NewMaterializer(ledger store.TaskLedger, logger *slog.Logger, opts ...Option) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Materializer{ledger: ledger, batchSize: maxBatchSize, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run materializes every selected group of the report. Batch failures are
// independent: one failed chunk never aborts the others.
func (m *Materializer) Run(ctx context.Context, report *domain.DetectionReport, dryRun bool) (*Summary, error) {
	summary := &Summary{Groups: len(report.SelectedGroups), DryRun: dryRun}

	var pending []domain.Task
	for _, group := range report.SelectedGroups {
		existing, err := m.ledger.Fetch(ctx, store.TaskFilter{
			App:      group.App,
			GroupIDs: []string{group.GroupID},
			Day:      report.Day,
			Limit:    1,
		})
		if err != nil {
			return summary, fmt.Errorf("idempotency check for %s: %w", group.GroupID, err)
		}
		if len(existing) > 0 {
			summary.SkippedExisting++
			m.logger.Debug("group already materialized", slog.String("group_id", group.GroupID))
			continue
		}
		pending = append(pending, m.buildSubtasks(group, report)...)
	}

	if dryRun {
		summary.Created = len(pending)
		return summary, nil
	}

	for start := 0; start < len(pending); start += m.batchSize {
		end := start + m.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		summary.Batches++
		ids, err := m.ledger.Create(ctx, batch)
		if err != nil {
			summary.FailedBatches++
			summary.Errors = append(summary.Errors, fmt.Sprintf("batch %d: %v", summary.Batches, err))
			m.logger.Error("subtask batch failed",
				slog.Int("batch", summary.Batches),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.Created += len(ids)
	}
	telemetry.SubtasksCreated.Add(float64(summary.Created))
	return summary, nil
}

// buildSubtasks constructs the subtask set for one group: one profile task
// unconditionally, plus collection/anchor tasks gated on sub-item ids.
func (m *Materializer) buildSubtasks(group domain.SelectedGroup, report *domain.DetectionReport) []domain.Task {
	parent := fmt.Sprintf("detect-%d", report.AnchorTaskID)
	base := domain.Task{
		BizTaskID:    uuid.New().String(),
		ParentTaskID: parent,
		App:          group.App,
		BookID:       group.BookID,
		UserID:       group.UserID,
		UserName:     group.UserName,
		Day:          report.Day,
		Status:       domain.StatusPending,
		GroupID:      group.GroupID,
	}

	profile := base
	profile.Scene = domain.SceneProfile
	tasks := []domain.Task{profile}

	if group.CollectionID != "" {
		collection := base
		collection.BizTaskID = uuid.New().String()
		collection.Scene = domain.SceneCollection
		collection.ItemID = group.CollectionID
		tasks = append(tasks, collection)
	}
	if group.AnchorItemID != "" {
		anchor := base
		anchor.BizTaskID = uuid.New().String()
		anchor.Scene = domain.SceneAnchor
		anchor.ItemID = group.AnchorItemID
		tasks = append(tasks, anchor)
	}
	return tasks
}
