package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yichenzhou/groupflow/internal/dispatch"
	"github.com/yichenzhou/groupflow/internal/domain"
)

func samplePayload() *dispatch.Payload {
	return &dispatch.Payload{
		BizType:   "short_drama",
		GroupID:   "快手_b1_u1",
		Day:       "2026-02-05",
		BookID:    "b1",
		BookTitle: "Midnight Tides",
		UserInfo:  dispatch.UserInfo{UserID: "u1", UserName: "alice"},
		Records:   []domain.ResultRow{{TaskID: 1, RowKey: "r1", ItemID: "ep1", BookID: "b1"}},
	}
}

func TestHTTPSink_PostsJSON(t *testing.T) {
	var got dispatch.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := dispatch.NewHTTPSink(srv.URL)
	require.NoError(t, sink.Deliver(context.Background(), samplePayload()))
	assert.Equal(t, "快手_b1_u1", got.GroupID)
	assert.Len(t, got.Records, 1)
}

func TestHTTPSink_Non2xxIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))
	defer srv.Close()

	sink := dispatch.NewHTTPSink(srv.URL, dispatch.WithSinkAttempts(3))
	err := sink.Deliver(context.Background(), samplePayload())
	require.Error(t, err)

	var statusErr *dispatch.SinkStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "bad gateway")
	assert.Equal(t, int32(1), hits.Load(),
		"the remote already saw the request; a status error must not be retried")
}

func TestHTTPSink_TransportErrorRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			// Drop the first connection mid-request.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := dispatch.NewHTTPSink(srv.URL, dispatch.WithSinkAttempts(3))
	require.NoError(t, sink.Deliver(context.Background(), samplePayload()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPSink_TimeoutSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := dispatch.NewHTTPSink(srv.URL, dispatch.WithSinkTimeout(20*time.Millisecond))
	err := sink.Deliver(context.Background(), samplePayload())
	require.Error(t, err)
}
