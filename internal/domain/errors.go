package domain

import "fmt"

// PlanNotFoundError is returned when no plan exists for a key.
// Callers treat it as "not ready", never as a fatal error.
type PlanNotFoundError struct {
	Key PlanKey
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("webhook plan not found: %s/%s/%s", e.Key.BizType, e.Key.GroupID, e.Key.Day)
}

// PlanConflictError is returned when an optimistic plan update lost the race:
// the stored version no longer matches the caller's snapshot.
type PlanConflictError struct {
	PlanID        string
	ExpectVersion int64
}

func (e *PlanConflictError) Error() string {
	return fmt.Sprintf("plan %s: version %d no longer current", e.PlanID, e.ExpectVersion)
}

// BookMetaNotFoundError is returned when no reference metadata exists for a
// book id. Detection excludes the group rather than failing the run.
type BookMetaNotFoundError struct {
	BookID string
}

func (e *BookMetaNotFoundError) Error() string {
	return fmt.Sprintf("book metadata not found: %s", e.BookID)
}

// RowDecodeError records one malformed result row observed at the store
// boundary. Malformed rows are surfaced alongside decoded ones, never
// silently defaulted.
type RowDecodeError struct {
	RowKey string
	Field  string
	Reason string
}

func (e *RowDecodeError) Error() string {
	return fmt.Sprintf("result row %s: bad %s: %s", e.RowKey, e.Field, e.Reason)
}

// InputError marks operator input problems (malformed filters, missing
// identifiers). CLI commands exit with code 2 when they see one.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// Inputf builds an InputError.
func Inputf(format string, args ...any) *InputError {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}
