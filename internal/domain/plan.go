package domain

import "time"

// PlanStatus is the delivery state of a webhook plan.
type PlanStatus string

const (
	PlanPending PlanStatus = "pending"
	PlanSuccess PlanStatus = "success"
	PlanFailed  PlanStatus = "failed"
	PlanError   PlanStatus = "error"
)

// IsTerminal reports whether automatic delivery stops for this status.
// PlanError requires an operator reset before delivery resumes.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanSuccess || s == PlanError
}

// Retryable reports whether the reconciler should pick the plan up again.
func (s PlanStatus) Retryable() bool {
	return s == PlanPending || s == PlanFailed
}

// PlanKey uniquely identifies a webhook plan.
type PlanKey struct {
	BizType string `json:"biz_type"`
	GroupID string `json:"group_id"`
	Day     string `json:"day"`
}

// WebhookPlan tracks delivery of one group's completion webhook.
// Version increments on every write; status transitions are accepted only
// when the caller's version snapshot still matches.
type WebhookPlan struct {
	ID              string               `json:"id"`
	BizType         string               `json:"biz_type"`
	GroupID         string               `json:"group_id"`
	Day             string               `json:"day"`
	TaskIDs         []int64              `json:"task_ids"`
	TaskIDsByStatus map[Status][]int64   `json:"task_ids_by_status,omitempty"`
	Status          PlanStatus           `json:"status"`
	RetryCount      int                  `json:"retry_count"`
	LastError       string               `json:"last_error,omitempty"`
	BookID          string               `json:"book_id,omitempty"`
	UserID          string               `json:"user_id,omitempty"`
	UserName        string               `json:"user_name,omitempty"`
	RecordCount     int                  `json:"record_count"`
	StartAt         *time.Time           `json:"start_at,omitempty"`
	EndAt           *time.Time           `json:"end_at,omitempty"`
	Version         int64                `json:"version"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Key returns the plan's unique (biz_type, group_id, day) key.
func (p *WebhookPlan) Key() PlanKey {
	return PlanKey{BizType: p.BizType, GroupID: p.GroupID, Day: p.Day}
}
