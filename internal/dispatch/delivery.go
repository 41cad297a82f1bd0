package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/redislock"
	"github.com/yichenzhou/groupflow/internal/store"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

// DefaultMaxRetries is how many failed deliveries a plan absorbs before it
// is parked in the error status and left for an operator reset.
const DefaultMaxRetries = 3

// maxLastErrorBytes caps the persisted last_error column.
const maxLastErrorBytes = 512

// Delivery outcomes as reported in dispatch summaries.
const (
	OutcomeDelivered        = "delivered"
	OutcomeWouldDeliver     = "would_deliver"
	OutcomeNotReady         = "not_ready"
	OutcomeMissingPlan      = "missing_plan"
	OutcomeInvalidPlan      = "invalid_plan"
	OutcomeAlreadyDelivered = "already_delivered"
	OutcomeNeedsReset       = "needs_reset"
	OutcomeLocked           = "locked"
	OutcomeConflict         = "conflict"
	OutcomeFailed           = "failed"
	OutcomeError            = "error"
)

// Outcome describes what one dispatch attempt did to a plan.
type Outcome struct {
	BizType    string            `json:"biz_type"`
	GroupID    string            `json:"group_id"`
	Day        string            `json:"day"`
	Readiness  Readiness         `json:"readiness"`
	Outcome    string            `json:"outcome"`
	Delivered  bool              `json:"delivered"`
	PlanStatus domain.PlanStatus `json:"plan_status,omitempty"`
	RetryCount int               `json:"retry_count"`
	Records    int               `json:"records"`
	DryRun     bool              `json:"dry_run,omitempty"`
}

// Deliverer runs the full dispatch flow for one plan: readiness check,
// dispatch lock, payload assembly, sink POST, and the version-guarded plan
// status write. Live kafka triggers and reconciliation sweeps share one
// Deliverer so a plan can never be posted twice concurrently.
type Deliverer struct {
	barrier    *Barrier
	plans      store.PlanStore
	results    store.ResultStore
	books      store.BookMetaStore
	sink       Sink
	locker     *redislock.Locker
	maxRetries int
	logger     *slog.Logger
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithMaxRetries sets how many failed deliveries park a plan in error.
func WithMaxRetries(n int) DelivererOption {
	return func(d *Deliverer) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(barrier *Barrier, plans store.PlanStore, results store.ResultStore, books store.BookMetaStore, sink Sink, locker *redislock.Locker, logger *slog.Logger, opts ...DelivererOption) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deliverer{
		barrier:    barrier,
		plans:      plans,
		results:    results,
		books:      books,
		sink:       sink,
		locker:     locker,
		maxRetries: DefaultMaxRetries,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch checks readiness for key and, when the group is complete,
// delivers its webhook. Dry runs report what would happen without taking
// the lock, posting, or writing any plan state.
func (d *Deliverer) Dispatch(ctx context.Context, key domain.PlanKey, dryRun bool) (*Outcome, error) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.plan")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan.group_id", key.GroupID),
		attribute.String("plan.day", key.Day),
		attribute.Bool("plan.dry_run", dryRun),
	)

	started := time.Now()
	outcome, err := d.dispatch(ctx, key, dryRun)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	telemetry.DeliveryTotal.WithLabelValues(outcome.Outcome).Inc()
	if outcome.Delivered {
		telemetry.DeliveryDurationSeconds.Observe(time.Since(started).Seconds())
	}
	return outcome, nil
}

func (d *Deliverer) dispatch(ctx context.Context, key domain.PlanKey, dryRun bool) (*Outcome, error) {
	check, err := d.barrier.Check(ctx, key, dryRun)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		BizType:   key.BizType,
		GroupID:   key.GroupID,
		Day:       key.Day,
		Readiness: check.Readiness,
		DryRun:    dryRun,
	}
	if check.Plan != nil {
		out.PlanStatus = check.Plan.Status
		out.RetryCount = check.Plan.RetryCount
	}

	switch check.Readiness {
	case MissingPlan:
		out.Outcome = OutcomeMissingPlan
		return out, nil
	case InvalidPlan:
		out.Outcome = OutcomeInvalidPlan
		return out, nil
	case NotReady:
		out.Outcome = OutcomeNotReady
		return out, nil
	}

	plan := check.Plan
	switch plan.Status {
	case domain.PlanSuccess:
		out.Outcome = OutcomeAlreadyDelivered
		return out, nil
	case domain.PlanError:
		out.Outcome = OutcomeNeedsReset
		return out, nil
	}

	if dryRun {
		rows, err := d.gather(ctx, plan)
		if err != nil {
			return nil, err
		}
		out.Outcome = OutcomeWouldDeliver
		out.Records = len(rows)
		return out, nil
	}

	release, ok, err := d.locker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		telemetry.LockContentionTotal.Inc()
		d.logger.Info("plan locked by another dispatcher",
			slog.String("group_id", key.GroupID),
			slog.String("day", key.Day),
		)
		out.Outcome = OutcomeLocked
		return out, nil
	}
	defer func() {
		if err := release(ctx); err != nil {
			d.logger.Warn("dispatch lock release failed", slog.Any("error", err))
		}
	}()

	return d.deliver(ctx, plan, out)
}

// deliver runs the guarded write, the sink POST, and the result write.
// The caller holds the dispatch lock.
func (d *Deliverer) deliver(ctx context.Context, plan *domain.WebhookPlan, out *Outcome) (*Outcome, error) {
	startAt := time.Now().UTC()
	err := d.plans.Update(ctx, plan.ID, plan.Version, store.PlanUpdate{StartAt: &startAt})
	var conflict *domain.PlanConflictError
	if errors.As(err, &conflict) {
		// Someone advanced the plan between our read and the lock.
		// They own this delivery; back off without posting.
		out.Outcome = OutcomeConflict
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark delivery start: %w", err)
	}
	plan.Version++

	rows, err := d.gather(ctx, plan)
	if err != nil {
		return nil, err
	}
	payload, err := d.buildPayload(ctx, plan, rows)
	if err != nil {
		return nil, err
	}

	sinkErr := d.sink.Deliver(ctx, payload)
	endAt := time.Now().UTC()

	if sinkErr != nil {
		return d.recordFailure(ctx, plan, out, sinkErr, endAt)
	}
	return d.recordSuccess(ctx, plan, out, payload, endAt)
}

func (d *Deliverer) recordSuccess(ctx context.Context, plan *domain.WebhookPlan, out *Outcome, payload *Payload, endAt time.Time) (*Outcome, error) {
	status := domain.PlanSuccess
	retries := 0
	lastError := ""
	records := len(payload.Records)
	update := store.PlanUpdate{
		Status:      &status,
		RetryCount:  &retries,
		LastError:   &lastError,
		EndAt:       &endAt,
		UserID:      &payload.UserInfo.UserID,
		UserName:    &payload.UserInfo.UserName,
		RecordCount: &records,
	}
	if err := d.plans.Update(ctx, plan.ID, plan.Version, update); err != nil {
		// The webhook is out; losing this write means the plan will be
		// re-posted later. Surface it loudly.
		return nil, fmt.Errorf("record delivery success for plan %s: %w", plan.ID, err)
	}

	d.logger.Info("webhook delivered",
		slog.String("group_id", plan.GroupID),
		slog.String("day", plan.Day),
		slog.Int("records", records),
	)
	out.Outcome = OutcomeDelivered
	out.Delivered = true
	out.PlanStatus = domain.PlanSuccess
	out.RetryCount = 0
	out.Records = records
	return out, nil
}

func (d *Deliverer) recordFailure(ctx context.Context, plan *domain.WebhookPlan, out *Outcome, sinkErr error, endAt time.Time) (*Outcome, error) {
	retries := plan.RetryCount + 1
	status := domain.PlanFailed
	outcome := OutcomeFailed
	if retries >= d.maxRetries {
		status = domain.PlanError
		outcome = OutcomeError
	}
	lastError := truncateError(sinkErr.Error())

	update := store.PlanUpdate{
		Status:     &status,
		RetryCount: &retries,
		LastError:  &lastError,
		EndAt:      &endAt,
	}
	if err := d.plans.Update(ctx, plan.ID, plan.Version, update); err != nil {
		return nil, fmt.Errorf("record delivery failure for plan %s: %w", plan.ID, err)
	}

	d.logger.Error("webhook delivery failed",
		slog.String("group_id", plan.GroupID),
		slog.String("day", plan.Day),
		slog.Int("retry_count", retries),
		slog.String("plan_status", string(status)),
		slog.Any("error", sinkErr),
	)
	out.Outcome = outcome
	out.PlanStatus = status
	out.RetryCount = retries
	return out, nil
}

// gather loads capture rows for the plan's tasks and drops duplicate
// items collected by more than one task.
func (d *Deliverer) gather(ctx context.Context, plan *domain.WebhookPlan) ([]domain.ResultRow, error) {
	fetch, err := d.results.FetchByTaskIDs(ctx, plan.TaskIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch result rows: %w", err)
	}
	for _, bad := range fetch.Malformed {
		telemetry.ResultRowsMalformed.Inc()
		d.logger.Warn("dropping malformed result row",
			slog.String("row_key", bad.RowKey),
			slog.String("field", bad.Field),
			slog.String("reason", bad.Reason),
		)
	}

	seen := make(map[string]struct{}, len(fetch.Rows))
	rows := make([]domain.ResultRow, 0, len(fetch.Rows))
	for _, row := range fetch.Rows {
		key := row.ItemKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, row)
	}
	return rows, nil
}

func (d *Deliverer) buildPayload(ctx context.Context, plan *domain.WebhookPlan, rows []domain.ResultRow) (*Payload, error) {
	payload := &Payload{
		BizType: plan.BizType,
		GroupID: plan.GroupID,
		Day:     plan.Day,
		BookID:  plan.BookID,
		Records: rows,
	}

	if plan.BookID != "" {
		meta, err := d.books.Get(ctx, plan.BookID)
		var notFound *domain.BookMetaNotFoundError
		switch {
		case err == nil:
			payload.BookTitle = meta.Title
		case errors.As(err, &notFound):
			// Title is cosmetic; deliver without it.
		default:
			return nil, fmt.Errorf("fetch book meta %s: %w", plan.BookID, err)
		}
	}

	for _, row := range rows {
		if payload.UserInfo.UserID == "" && row.UserID != "" {
			payload.UserInfo.UserID = row.UserID
		}
		if payload.UserInfo.UserName == "" && row.UserName != "" {
			payload.UserInfo.UserName = row.UserName
		}
	}
	if payload.UserInfo.UserID == "" {
		payload.UserInfo.UserID = plan.UserID
	}
	if payload.UserInfo.UserName == "" {
		payload.UserInfo.UserName = plan.UserName
	}
	return payload, nil
}

// truncateError clamps a message to the persisted last_error budget without
// splitting a UTF-8 sequence.
func truncateError(msg string) string {
	if len(msg) <= maxLastErrorBytes {
		return msg
	}
	cut := maxLastErrorBytes
	for cut > 0 && msg[cut]&0xC0 == 0x80 {
		cut--
	}
	return msg[:cut]
}
