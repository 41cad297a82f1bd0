package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yichenzhou/groupflow/internal/domain"
)

// rawRow is a capture row as the executor wrote it: duration and timestamp
// arrive as scraped text and are decoded at this boundary.
type rawRow struct {
	RowKey       string
	TaskID       int64
	ItemID       string
	BookID       string
	UserID       string
	UserName     string
	Title        string
	CollectionID string
	AnchorID     string
	DurationText string
	CollectedAt  string
}

type resultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore wraps a pgxpool with the ResultStore interface.
func NewResultStore(pool *pgxpool.Pool) ResultStore {
	return &resultStore{pool: pool}
}

func (s *resultStore) FetchByTaskIDs(ctx context.Context, taskIDs []int64) (ResultFetch, error) {
	var out ResultFetch
	if len(taskIDs) == 0 {
		return out, nil
	}
	for _, chunk := range chunkInt64s(taskIDs, maxFilterValues) {
		rows, err := s.pool.Query(ctx, `
			SELECT row_key, task_id, item_id, book_id, user_id, user_name, title,
			       collection_id, anchor_id, duration_text, collected_at_text
			FROM capture_rows
			WHERE task_id = ANY($1)
			ORDER BY row_key
		`, chunk)
		if err != nil {
			return out, fmt.Errorf("fetch capture rows: %w", err)
		}
		for rows.Next() {
			var raw rawRow
			if err := rows.Scan(
				&raw.RowKey, &raw.TaskID, &raw.ItemID, &raw.BookID, &raw.UserID,
				&raw.UserName, &raw.Title, &raw.CollectionID, &raw.AnchorID,
				&raw.DurationText, &raw.CollectedAt,
			); err != nil {
				rows.Close()
				return out, fmt.Errorf("scan capture row: %w", err)
			}
			decoded, decodeErr := decodeRow(raw)
			if decodeErr != nil {
				out.Malformed = append(out.Malformed, *decodeErr)
				continue
			}
			out.Rows = append(out.Rows, decoded)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return out, fmt.Errorf("iterate capture rows: %w", err)
		}
	}
	return out, nil
}

// decodeRow converts a loosely-typed capture row into a typed ResultRow.
// A row that cannot be decoded is reported, not coerced.
func decodeRow(raw rawRow) (domain.ResultRow, *domain.RowDecodeError) {
	row := domain.ResultRow{
		TaskID:       raw.TaskID,
		RowKey:       strings.TrimSpace(raw.RowKey),
		ItemID:       strings.TrimSpace(raw.ItemID),
		BookID:       strings.TrimSpace(raw.BookID),
		UserID:       strings.TrimSpace(raw.UserID),
		UserName:     strings.TrimSpace(raw.UserName),
		Title:        strings.TrimSpace(raw.Title),
		CollectionID: strings.TrimSpace(raw.CollectionID),
		AnchorID:     strings.TrimSpace(raw.AnchorID),
	}
	if row.RowKey == "" {
		return domain.ResultRow{}, &domain.RowDecodeError{RowKey: "?", Field: "row_key", Reason: "empty"}
	}
	if raw.TaskID <= 0 {
		return domain.ResultRow{}, &domain.RowDecodeError{RowKey: row.RowKey, Field: "task_id", Reason: "missing or non-positive"}
	}

	sec, err := parseDuration(raw.DurationText)
	if err != nil {
		return domain.ResultRow{}, &domain.RowDecodeError{RowKey: row.RowKey, Field: "duration", Reason: err.Error()}
	}
	row.DurationSec = sec

	at, err := parseCollectedAt(raw.CollectedAt)
	if err != nil {
		return domain.ResultRow{}, &domain.RowDecodeError{RowKey: row.RowKey, Field: "collected_at", Reason: err.Error()}
	}
	row.CollectedAt = at
	return row, nil
}

// parseDuration accepts plain seconds ("95"), mm:ss ("1:35") or hh:mm:ss.
func parseDuration(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	parts := strings.Split(text, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("unrecognized duration %q", text)
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("unrecognized duration %q", text)
		}
		total = total*60 + n
	}
	return total, nil
}

var collectedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseCollectedAt(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	// Epoch milliseconds or seconds, as the device scripts write them.
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		if ms > 1e12 {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Unix(ms, 0).UTC(), nil
	}
	for _, layout := range collectedAtLayouts {
		if at, err := time.Parse(layout, text); err == nil {
			return at.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", text)
}
