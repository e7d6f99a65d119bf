package compute

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/resilience"
)

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/functions/roof-segmenter/invoke", r.URL.Path)
		assert.Equal(t, "Bearer gw-token", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "img-123", payload["imageKey"])

		w.Write([]byte(`{"segments": 4, "confidence": 0.91}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gw-token")

	var out struct {
		Segments   int     `json:"segments"`
		Confidence float64 `json:"confidence"`
	}
	err := c.Invoke(context.Background(), "roof-segmenter", map[string]any{"imageKey": "img-123"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Segments)
	assert.InDelta(t, 0.91, out.Confidence, 0.001)
}

func TestInvoke_FunctionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errorMessage": "no roof detected in imagery", "errorType": "SegmentationError"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.Invoke(context.Background(), "roof-segmenter", map[string]any{}, nil)

	var fnErr *FunctionError
	require.True(t, errors.As(err, &fnErr))
	assert.Equal(t, "roof-segmenter", fnErr.Function)
	assert.Contains(t, fnErr.Message, "no roof detected")
}

func TestInvoke_RetriesTransientGatewayStatus(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok": true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}))

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Invoke(context.Background(), "roof-imagery-fetcher", map[string]any{}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, 2, calls)
}

func TestInvoke_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "function not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.Invoke(context.Background(), "missing-fn", map[string]any{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
