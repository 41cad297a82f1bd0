package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yichenzhou/groupflow/internal/domain"
)

const planColumns = `id, biz_type, group_id, day, task_ids, task_ids_by_status, status,
	retry_count, last_error, book_id, user_id, user_name, record_count,
	start_at, end_at, version, created_at, updated_at`

type planStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore wraps a pgxpool with the PlanStore interface.
func NewPlanStore(pool *pgxpool.Pool) PlanStore {
	return &planStore{pool: pool}
}

func (s *planStore) Get(ctx context.Context, key domain.PlanKey) (*domain.WebhookPlan, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM webhook_plans
		WHERE biz_type = $1 AND group_id = $2 AND day = $3
	`, planColumns), key.BizType, key.GroupID, key.Day)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.PlanNotFoundError{Key: key}
		}
		return nil, err
	}
	return plan, nil
}

func (s *planStore) Search(ctx context.Context, filter PlanFilter) ([]*domain.WebhookPlan, error) {
	var conds []string
	var args []any
	add := func(expr string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if filter.BizType != "" {
		add("biz_type = $%d", filter.BizType)
	}
	if len(filter.Days) > 0 {
		add("day = ANY($%d)", filter.Days)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("plan search: empty filter")
	}

	query := fmt.Sprintf(`SELECT %s FROM webhook_plans WHERE %s ORDER BY day, group_id`,
		planColumns, strings.Join(conds, " AND "))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.WebhookPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func (s *planStore) Create(ctx context.Context, plan *domain.WebhookPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	byStatus, err := json.Marshal(plan.TaskIDsByStatus)
	if err != nil {
		return fmt.Errorf("marshal task_ids_by_status: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_plans
			(id, biz_type, group_id, day, task_ids, task_ids_by_status, status,
			 retry_count, last_error, book_id, user_id, user_name, record_count,
			 start_at, end_at, version, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $16)
	`,
		plan.ID, plan.BizType, plan.GroupID, plan.Day, plan.TaskIDs, byStatus,
		string(plan.Status), plan.RetryCount, plan.LastError, plan.BookID,
		plan.UserID, plan.UserName, plan.RecordCount, plan.StartAt, plan.EndAt, now,
	)
	if err != nil {
		return fmt.Errorf("create plan %s/%s/%s: %w", plan.BizType, plan.GroupID, plan.Day, err)
	}
	plan.Version = 1
	return nil
}

// Update applies a partial update guarded by the caller's version snapshot.
// The WHERE version clause is what closes the double-delivery race: the
// losing writer gets a PlanConflictError instead of clobbering the winner.
func (s *planStore) Update(ctx context.Context, planID string, expectVersion int64, update PlanUpdate) error {
	var sets []string
	var args []any
	set := func(expr string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if update.Status != nil {
		set("status = $%d", string(*update.Status))
	}
	if update.RetryCount != nil {
		set("retry_count = $%d", *update.RetryCount)
	}
	if update.LastError != nil {
		set("last_error = $%d", *update.LastError)
	}
	if update.TaskIDs != nil {
		set("task_ids = $%d", update.TaskIDs)
	}
	if update.TaskIDsByStatus != nil {
		byStatus, err := json.Marshal(update.TaskIDsByStatus)
		if err != nil {
			return fmt.Errorf("marshal task_ids_by_status: %w", err)
		}
		set("task_ids_by_status = $%d", byStatus)
	}
	if update.StartAt != nil {
		set("start_at = $%d", *update.StartAt)
	}
	if update.EndAt != nil {
		set("end_at = $%d", *update.EndAt)
	}
	if update.UserID != nil {
		set("user_id = $%d", *update.UserID)
	}
	if update.UserName != nil {
		set("user_name = $%d", *update.UserName)
	}
	if update.RecordCount != nil {
		set("record_count = $%d", *update.RecordCount)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	args = append(args, planID)
	idArg := len(args)
	args = append(args, expectVersion)
	versionArg := len(args)

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE webhook_plans SET %s WHERE id = $%d AND version = $%d
	`, strings.Join(sets, ", "), idArg, versionArg), args...)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", planID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.PlanConflictError{PlanID: planID, ExpectVersion: expectVersion}
	}
	return nil
}

// scanPlan reads a plan row from any pgx row type.
func scanPlan(row interface {
	Scan(...any) error
}) (*domain.WebhookPlan, error) {
	var p domain.WebhookPlan
	var statusStr string
	var byStatus []byte
	err := row.Scan(
		&p.ID, &p.BizType, &p.GroupID, &p.Day, &p.TaskIDs, &byStatus, &statusStr,
		&p.RetryCount, &p.LastError, &p.BookID, &p.UserID, &p.UserName, &p.RecordCount,
		&p.StartAt, &p.EndAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Status = domain.PlanStatus(statusStr)
	if len(byStatus) > 0 {
		if err := json.Unmarshal(byStatus, &p.TaskIDsByStatus); err != nil {
			return nil, fmt.Errorf("unmarshal task_ids_by_status: %w", err)
		}
	}
	return &p, nil
}
