package domain

import (
	"strconv"
	"time"
)

// ResultRow is one observed item captured for a task. Rows are append-only
// and consumed only by the detection engine and delivery payload assembly.
type ResultRow struct {
	TaskID       int64     `json:"task_id"`
	RowKey       string    `json:"row_key"`
	ItemID       string    `json:"item_id,omitempty"`
	BookID       string    `json:"book_id"`
	UserID       string    `json:"user_id,omitempty"`
	UserName     string    `json:"user_name,omitempty"`
	Title        string    `json:"title,omitempty"`
	CollectionID string    `json:"collection_id,omitempty"`
	AnchorID     string    `json:"anchor_id,omitempty"`
	DurationSec  int       `json:"duration_sec"`
	CollectedAt  time.Time `json:"collected_at"`
}

// IdentityKey returns the uniqueness key for a row: (task_id, item_id), or
// the storage row key when the item id is empty.
func (r *ResultRow) IdentityKey() string {
	if r.ItemID != "" {
		return strconv.FormatInt(r.TaskID, 10) + ":" + r.ItemID
	}
	return "row:" + r.RowKey
}

// ItemKey returns the cross-task item identity used for measure counting:
// the same episode captured by two tasks counts once.
func (r *ResultRow) ItemKey() string {
	if r.ItemID != "" {
		return r.ItemID
	}
	return "row:" + r.RowKey
}

// UserKey returns the user identity used for grouping.
func (r *ResultRow) UserKey() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.UserName
}

// BookMeta is the reference metadata record used as the denominator of the
// detection ratio, keyed by book id.
type BookMeta struct {
	BookID        string `json:"book_id"`
	Title         string `json:"title"`
	TotalEpisodes int    `json:"total_episodes"`
}
