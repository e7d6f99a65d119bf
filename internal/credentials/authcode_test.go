package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/model"
)

type memTokenStore struct {
	creds map[model.Provider]*StoredCredential
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{creds: map[model.Provider]*StoredCredential{}}
}

func (s *memTokenStore) Load(_ context.Context, p model.Provider) (*StoredCredential, error) {
	return s.creds[p], nil
}

func (s *memTokenStore) Save(_ context.Context, p model.Provider, cred *StoredCredential) error {
	s.creds[p] = cred
	return nil
}

func TestAuthCode_FetchWithoutRefreshToken(t *testing.T) {
	s := NewAuthCode(model.ProviderEagleView,
		"https://example.com/authorize", "https://example.com/token",
		"id", "secret", "https://example.com/callback", newMemTokenStore())

	_, err := s.Fetch(context.Background())
	var reauth *ReauthorizationRequiredError
	require.ErrorAs(t, err, &reauth)
	assert.Equal(t, model.ProviderEagleView, reauth.Provider)
}

func TestAuthCode_FetchRefreshesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`)) //nolint:errcheck
	}))
	defer srv.Close()

	store := newMemTokenStore()
	store.creds[model.ProviderEagleView] = &StoredCredential{RefreshToken: "old-refresh"}

	s := NewAuthCode(model.ProviderEagleView,
		srv.URL+"/authorize", srv.URL, "id", "secret", "https://example.com/callback", store)

	tok, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)

	// Rotated refresh token replaces the stored one.
	assert.Equal(t, "new-refresh", store.creds[model.ProviderEagleView].RefreshToken)
}

func TestAuthCode_NonRotatingServerKeepsStoredRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`)) //nolint:errcheck
	}))
	defer srv.Close()

	store := newMemTokenStore()
	store.creds[model.ProviderEagleView] = &StoredCredential{RefreshToken: "durable-refresh"}

	s := NewAuthCode(model.ProviderEagleView,
		srv.URL+"/authorize", srv.URL, "id", "secret", "https://example.com/callback", store)

	tok, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "durable-refresh", store.creds[model.ProviderEagleView].RefreshToken,
		"refresh response without refresh_token must not clear the stored token")

	// The kept token still drives the next refresh.
	tok, err = s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
}

func TestAuthCode_RejectedRefreshRequiresReauthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newMemTokenStore()
	store.creds[model.ProviderEagleView] = &StoredCredential{RefreshToken: "revoked"}

	s := NewAuthCode(model.ProviderEagleView,
		srv.URL+"/authorize", srv.URL, "id", "secret", "https://example.com/callback", store)

	_, err := s.Fetch(context.Background())
	var reauth *ReauthorizationRequiredError
	require.ErrorAs(t, err, &reauth)
}

func TestAuthCode_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access","refresh_token":"refresh","expires_in":3600}`)) //nolint:errcheck
	}))
	defer srv.Close()

	store := newMemTokenStore()
	s := NewAuthCode(model.ProviderEagleView,
		srv.URL+"/authorize", srv.URL, "id", "secret", "https://example.com/callback", store)

	require.NoError(t, s.Exchange(context.Background(), "the-code"))
	require.NotNil(t, store.creds[model.ProviderEagleView])
	assert.Equal(t, "refresh", store.creds[model.ProviderEagleView].RefreshToken)
}

func TestAuthCode_AuthorizeURL(t *testing.T) {
	s := NewAuthCode(model.ProviderEagleView,
		"https://example.com/authorize", "https://example.com/token",
		"my-client", "secret", "https://example.com/callback", newMemTokenStore())

	u := s.AuthorizeURL("xyz")
	assert.Contains(t, u, "https://example.com/authorize?")
	assert.Contains(t, u, "client_id=my-client")
	assert.Contains(t, u, "response_type=code")
	assert.Contains(t, u, "state=xyz")
}

func TestPGTokenStore_LoadMissing(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT access_token, refresh_token, expires_at FROM provider_credentials`).
		WithArgs("EAGLEVIEW").
		WillReturnRows(pgxmock.NewRows([]string{"access_token", "refresh_token", "expires_at"}))

	store := NewPGTokenStore(mock)
	cred, err := store.Load(context.Background(), model.ProviderEagleView)
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGTokenStore_Save(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO provider_credentials .* ON CONFLICT \(provider\) DO UPDATE SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewPGTokenStore(mock)
	err = store.Save(context.Background(), model.ProviderEagleView, &StoredCredential{
		AccessToken:  "a",
		RefreshToken: "r",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
