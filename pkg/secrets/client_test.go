package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_FromStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secrets/solar-api-key", r.URL.Path)
		assert.Equal(t, "Bearer store-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"value":"the-key"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "store-token")
	v, err := c.Get(context.Background(), "solar-api-key")
	require.NoError(t, err)
	assert.Equal(t, "the-key", v)
}

func TestGet_StoreMissFallsBackToEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	t.Setenv("MEASURE_SECRET_SOLAR_API_KEY", "env-key")

	c := NewClient(srv.URL, "store-token")
	v, err := c.Get(context.Background(), "solar-api-key")
	require.NoError(t, err)
	assert.Equal(t, "env-key", v)
}

func TestGet_NoStoreConfigured(t *testing.T) {
	t.Setenv("MEASURE_SECRET_EAGLEVIEW_CLIENT_SECRET", "from-env")

	c := NewClient("", "")
	v, err := c.Get(context.Background(), "eagleview-client-secret")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestGet_MissingEverywhereIsEmpty(t *testing.T) {
	c := NewClient("", "")
	v, err := c.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, v)
}
