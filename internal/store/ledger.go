package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yichenzhou/groupflow/internal/domain"
)

const taskColumns = `id, biz_task_id, parent_task_id, app, scene, params, item_id, book_id,
	url, user_id, user_name, day, status, group_id, items_collected, retry_count, extra,
	created_at, updated_at, start_at, end_at`

type taskLedger struct {
	pool *pgxpool.Pool
}

// NewTaskLedger wraps a pgxpool with the TaskLedger interface.
func NewTaskLedger(pool *pgxpool.Pool) TaskLedger {
	return &taskLedger{pool: pool}
}

func (l *taskLedger) Fetch(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	// Large explicit id lists are chunked; everything else is one query.
	if len(filter.TaskIDs) > maxFilterValues {
		var all []domain.Task
		for _, chunk := range chunkInt64s(filter.TaskIDs, maxFilterValues) {
			sub := filter
			sub.TaskIDs = chunk
			tasks, err := l.fetchOne(ctx, sub)
			if err != nil {
				return nil, err
			}
			all = append(all, tasks...)
		}
		return all, nil
	}
	return l.fetchOne(ctx, filter)
}

func (l *taskLedger) fetchOne(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	var conds []string
	var args []any
	add := func(expr string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if filter.App != "" {
		add("app = $%d", filter.App)
	}
	if filter.Scene != "" {
		add("scene = $%d", filter.Scene)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Day != "" {
		add("day = $%d", filter.Day)
	}
	if len(filter.GroupIDs) > 0 {
		add("group_id = ANY($%d)", filter.GroupIDs)
	}
	if len(filter.TaskIDs) > 0 {
		add("id = ANY($%d)", filter.TaskIDs)
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("task fetch: empty filter")
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY id`,
		taskColumns, strings.Join(conds, " AND "))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (l *taskLedger) Create(ctx context.Context, tasks []domain.Task) ([]int64, error) {
	now := time.Now().UTC()
	ids := make([]int64, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		row := l.pool.QueryRow(ctx, `
			INSERT INTO tasks
				(biz_task_id, parent_task_id, app, scene, params, item_id, book_id,
				 url, user_id, user_name, day, status, group_id, items_collected,
				 retry_count, extra, created_at, updated_at)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			RETURNING id
		`,
			t.BizTaskID, t.ParentTaskID, t.App, t.Scene, t.Params, t.ItemID, t.BookID,
			t.URL, t.UserID, t.UserName, t.Day, string(t.Status), t.GroupID, t.ItemsCollected,
			t.RetryCount, t.Extra, now, now,
		)
		var id int64
		if err := row.Scan(&id); err != nil {
			return ids, fmt.Errorf("create task (app=%s group=%s scene=%s): %w", t.App, t.GroupID, t.Scene, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *taskLedger) UpdateStatus(ctx context.Context, taskIDs []int64, status domain.Status) error {
	if len(taskIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, chunk := range chunkInt64s(taskIDs, maxFilterValues) {
		_, err := l.pool.Exec(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2 WHERE id = ANY($3)
		`, string(status), now, chunk)
		if err != nil {
			return fmt.Errorf("update status for %d tasks: %w", len(chunk), err)
		}
	}
	return nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (domain.Task, error) {
	var t domain.Task
	var statusStr string
	err := row.Scan(
		&t.ID, &t.BizTaskID, &t.ParentTaskID, &t.App, &t.Scene, &t.Params, &t.ItemID, &t.BookID,
		&t.URL, &t.UserID, &t.UserName, &t.Day, &statusStr, &t.GroupID, &t.ItemsCollected,
		&t.RetryCount, &t.Extra, &t.CreatedAt, &t.UpdatedAt, &t.StartAt, &t.EndAt,
	)
	if err != nil {
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.Status(statusStr)
	return t, nil
}
