package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/pkg/retry"
)

// UserInfo identifies the account whose capture completed.
type UserInfo struct {
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// Payload is the webhook delivery body.
type Payload struct {
	BizType   string             `json:"biz_type"`
	GroupID   string             `json:"group_id"`
	Day       string             `json:"day"`
	BookID    string             `json:"book_id"`
	BookTitle string             `json:"book_title,omitempty"`
	UserInfo  UserInfo           `json:"user_info"`
	Records   []domain.ResultRow `json:"records"`
}

// SinkStatusError reports a non-2xx sink response. Body is capped by the
// caller's truncation budget when persisted.
type SinkStatusError struct {
	StatusCode int
	Body       string
}

func (e *SinkStatusError) Error() string {
	return fmt.Sprintf("webhook sink returned status %d: %s", e.StatusCode, e.Body)
}

// Sink delivers a completed group's payload to the remote endpoint.
type Sink interface {
	Deliver(ctx context.Context, payload *Payload) error
}

// HTTPSink posts payloads to a webhook endpoint with a bounded timeout.
// Transport errors are retried with quadratic backoff; a non-2xx response
// is returned immediately since the remote already saw the request.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	attempts int
}

// SinkOption configures an HTTPSink.
type SinkOption func(*HTTPSink)

// WithSinkTimeout bounds each POST.
func WithSinkTimeout(d time.Duration) SinkOption {
	return func(s *HTTPSink) { s.client.Timeout = d }
}

// WithSinkAttempts sets the total transport attempts per delivery.
func WithSinkAttempts(n int) SinkOption {
	return func(s *HTTPSink) { s.attempts = n }
}

// NewHTTPSink creates an HTTPSink for the given endpoint.
func NewHTTPSink(endpoint string, opts ...SinkOption) *HTTPSink {
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		attempts: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSink) Deliver(ctx context.Context, payload *Payload) error {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "sink.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("sink.group_id", payload.GroupID),
		attribute.Int("sink.records", len(payload.Records)),
	)

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal payload")
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	err = retry.Do(ctx, retry.Config{MaxAttempts: s.attempts, BaseDelay: time.Second}, func() error {
		return s.post(ctx, body)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return err
	}
	return nil
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post to %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Surface the remote body verbatim; persistence truncates it.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &retry.PermanentError{Err: &SinkStatusError{StatusCode: resp.StatusCode, Body: string(raw)}}
	}
	return nil
}
