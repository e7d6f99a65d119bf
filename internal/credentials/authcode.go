package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/panda-crm/measure-engine/internal/db"
	"github.com/panda-crm/measure-engine/internal/model"
)

// StoredCredential is a persisted OAuth credential for one provider.
type StoredCredential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// TokenStore persists long-lived OAuth credentials across process restarts.
type TokenStore interface {
	Load(ctx context.Context, p model.Provider) (*StoredCredential, error)
	Save(ctx context.Context, p model.Provider, cred *StoredCredential) error
}

// PGTokenStore keeps credentials in the provider_credentials table.
type PGTokenStore struct {
	pool db.Pool
}

// NewPGTokenStore creates a TokenStore over a database pool.
func NewPGTokenStore(pool db.Pool) *PGTokenStore {
	return &PGTokenStore{pool: pool}
}

// Load implements TokenStore. Returns nil when no credential is stored.
func (s *PGTokenStore) Load(ctx context.Context, p model.Provider) (*StoredCredential, error) {
	var cred StoredCredential
	var access, refresh *string
	err := s.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, expires_at FROM provider_credentials WHERE provider = $1`,
		string(p)).Scan(&access, &refresh, &cred.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "credentials: load stored credential")
	}
	if access != nil {
		cred.AccessToken = *access
	}
	if refresh != nil {
		cred.RefreshToken = *refresh
	}
	return &cred, nil
}

// Save implements TokenStore.
func (s *PGTokenStore) Save(ctx context.Context, p model.Provider, cred *StoredCredential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_credentials (provider, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		string(p), cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	if err != nil {
		return eris.Wrap(err, "credentials: save stored credential")
	}
	return nil
}

// AuthCode implements the OAuth2 authorization-code grant with a persisted
// refresh token. Used by EagleView, whose API tokens are tied to a human
// account authorized once via browser.
type AuthCode struct {
	provider     model.Provider
	authorizeURL string
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURI  string
	store        TokenStore
	http         *http.Client
}

// AuthCodeOption configures the strategy.
type AuthCodeOption func(*AuthCode)

// WithAuthCodeHTTPClient overrides the default http.Client.
func WithAuthCodeHTTPClient(hc *http.Client) AuthCodeOption {
	return func(s *AuthCode) {
		s.http = hc
	}
}

// NewAuthCode creates an authorization-code strategy.
func NewAuthCode(p model.Provider, authorizeURL, tokenURL, clientID, clientSecret, redirectURI string, store TokenStore, opts ...AuthCodeOption) *AuthCode {
	s := &AuthCode{
		provider:     p,
		authorizeURL: authorizeURL,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		store:        store,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AuthorizeURL builds the browser URL a human visits to grant access.
func (s *AuthCode) AuthorizeURL(state string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {s.clientID},
		"redirect_uri":  {s.redirectURI},
		"state":         {state},
	}
	return s.authorizeURL + "?" + q.Encode()
}

// Exchange trades an authorization code for tokens and persists them.
func (s *AuthCode) Exchange(ctx context.Context, code string) error {
	if s.clientID == "" || s.clientSecret == "" {
		return &NotConfiguredError{Provider: s.provider}
	}
	tr, err := s.postToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {s.redirectURI},
	})
	if err != nil {
		return err
	}
	return s.persist(ctx, tr, "")
}

// Fetch implements Strategy. It refreshes the access token using the stored
// refresh token; a missing or rejected refresh token means a human must
// reauthorize.
func (s *AuthCode) Fetch(ctx context.Context) (*Token, error) {
	if s.clientID == "" || s.clientSecret == "" {
		return nil, &NotConfiguredError{Provider: s.provider}
	}

	cred, err := s.store.Load(ctx, s.provider)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.RefreshToken == "" {
		return nil, &ReauthorizationRequiredError{Provider: s.provider, Reason: "no stored refresh token"}
	}

	tr, err := s.postToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	})
	var rejected *tokenRejectedError
	if errors.As(err, &rejected) {
		return nil, &ReauthorizationRequiredError{Provider: s.provider, Reason: rejected.Error()}
	}
	if err != nil {
		return nil, err
	}

	if err := s.persist(ctx, tr, cred.RefreshToken); err != nil {
		return nil, err
	}

	tok := &Token{AccessToken: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// tokenRejectedError marks a definitive upstream rejection (4xx) as opposed
// to a transient failure.
type tokenRejectedError struct {
	status int
	body   string
}

func (e *tokenRejectedError) Error() string {
	return "token endpoint rejected request with status " + http.StatusText(e.status) + ": " + e.body
}

func (s *AuthCode) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "credentials: create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "credentials: send token request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "credentials: read token response")
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &tokenRejectedError{status: resp.StatusCode, body: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("credentials: token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, eris.Wrap(err, "credentials: unmarshal token response")
	}
	if tr.AccessToken == "" {
		return nil, eris.New("credentials: token endpoint returned empty access token")
	}
	return &tr, nil
}

// persist saves the token response. Servers that do not rotate refresh
// tokens omit refresh_token from refresh responses; the previously stored
// token stays valid and must be kept.
func (s *AuthCode) persist(ctx context.Context, tr *tokenResponse, priorRefresh string) error {
	cred := &StoredCredential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = priorRefresh
	}
	if tr.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		cred.ExpiresAt = &exp
	}
	return s.store.Save(ctx, s.provider, cred)
}
