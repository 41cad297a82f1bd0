package domain

// SkipReason explains why a detection unit or group was excluded.
type SkipReason string

const (
	SkipStatusNotTerminal SkipReason = "status_not_terminal"
	SkipItemsInvalid      SkipReason = "items_collected_missing_or_invalid"
	SkipBookMetaMissing   SkipReason = "book_meta_missing"
)

// DetectionUnit is the scope over which detection runs: either an explicit
// set of task ids, or a ledger filter resolved and partitioned by book id.
// Exactly one of TaskIDs and Filter must be set.
type DetectionUnit struct {
	TaskIDs []int64
	Filter  *UnitFilter
}

// UnitFilter selects parent capture tasks from the ledger.
type UnitFilter struct {
	App    string
	Scene  string
	Status Status
	Day    string
}

// SelectedGroup is one group whose capture ratio met the threshold,
// carrying enough identity to drive subtask creation and plan upsert.
type SelectedGroup struct {
	GroupID      string  `json:"group_id"`
	App          string  `json:"app"`
	BookID       string  `json:"book_id"`
	BookTitle    string  `json:"book_title,omitempty"`
	UserKey      string  `json:"user_key"`
	UserID       string  `json:"user_id,omitempty"`
	UserName     string  `json:"user_name,omitempty"`
	CollectionID string  `json:"collection_id,omitempty"`
	AnchorItemID string  `json:"anchor_item_id,omitempty"`
	Ratio        float64 `json:"ratio"`
	TaskIDs      []int64 `json:"task_ids"`
}

// SkippedUnit records a book partition that detection could not score.
type SkippedUnit struct {
	BookID  string     `json:"book_id"`
	Reason  SkipReason `json:"reason"`
	TaskIDs []int64    `json:"task_ids,omitempty"`
}

// DetectionReport is the output of clustering and thresholding.
type DetectionReport struct {
	AnchorTaskID   int64           `json:"anchor_task_id"`
	Day            string          `json:"day"`
	Threshold      float64         `json:"threshold"`
	SelectedGroups []SelectedGroup `json:"selected_groups"`
	SkippedUnits   []SkippedUnit   `json:"skipped_units"`
}
