package domain

import "time"

// Status represents the lifecycle states of a capture task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// IsTerminal returns true when no further automatic transition is expected.
// StatusFailed is deliberately NOT terminal here: a failed task is
// retry-pending at the task level, so any group containing one must wait.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Scene names the kind of capture a task performs.
const (
	SceneSearch     = "search"
	SceneProfile    = "profile"
	SceneCollection = "collection"
	SceneAnchor     = "anchor"
)

// Task is one unit of device capture work tracked in the task ledger.
// Tasks are never deleted; they only transition status forward, except for
// an explicit operator reset moving error/failed back to pending.
type Task struct {
	ID             int64      `json:"id"`
	BizTaskID      string     `json:"biz_task_id,omitempty"`
	ParentTaskID   string     `json:"parent_task_id,omitempty"`
	App            string     `json:"app"`
	Scene          string     `json:"scene"`
	Params         string     `json:"params,omitempty"`
	ItemID         string     `json:"item_id,omitempty"`
	BookID         string     `json:"book_id,omitempty"`
	URL            string     `json:"url,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	UserName       string     `json:"user_name,omitempty"`
	Day            string     `json:"date"`
	Status         Status     `json:"status"`
	GroupID        string     `json:"group_id,omitempty"`
	ItemsCollected *int       `json:"items_collected,omitempty"`
	RetryCount     int        `json:"retry_count"`
	Extra          string     `json:"extra,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
}

// UserKey returns the user identity used for grouping: user id when present,
// falling back to the display name.
func (t *Task) UserKey() string {
	if t.UserID != "" {
		return t.UserID
	}
	return t.UserName
}

// platformLabels maps app package names to the short label used in group ids.
var platformLabels = map[string]string{
	"com.smile.gifmaker": "快手",
}

// PlatformLabel returns the group-id prefix for an app package name.
// Unknown apps map to themselves.
func PlatformLabel(app string) string {
	if label, ok := platformLabels[app]; ok {
		return label
	}
	return app
}

// GroupID computes the derived clustering key for a book/user pair.
// Groups are not persisted as their own entity; the key only appears on
// Task.GroupID and WebhookPlan.GroupID.
func GroupID(app, bookID, userKey string) string {
	return PlatformLabel(app) + "_" + bookID + "_" + userKey
}
