package objectstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/roof-artifacts/reports/rep-1/report.pdf", r.URL.Path)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("pdf-bytes"), body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "roof-artifacts", "token")
	ref, err := c.Put(context.Background(), ArtifactKey("rep-1", "report.pdf"), "application/pdf", []byte("pdf-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "roof-artifacts/reports/rep-1/report.pdf", ref)
}

func TestPresignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/presign", r.URL.Path)
		var req presignRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "roof-artifacts/reports/rep-1/report.pdf", req.Ref)
		assert.Equal(t, 3600, req.TTLSeconds)
		w.Write([]byte(`{"url":"https://cdn.example.com/signed/abc"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "roof-artifacts", "token")
	u, err := c.PresignedURL(context.Background(), "roof-artifacts/reports/rep-1/report.pdf", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/signed/abc", u)
}

func TestPut_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "roof-artifacts", "bad-token")
	_, err := c.Put(context.Background(), "k", "text/plain", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
