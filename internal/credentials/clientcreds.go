package credentials

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/panda-crm/measure-engine/internal/model"
)

// tokenResponse is the standard OAuth2 token endpoint body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// ClientCredentials implements the OAuth2 client-credentials grant. Used by
// providers whose API access is machine-to-machine (GAF QuickMeasure).
type ClientCredentials struct {
	provider     model.Provider
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	http         *http.Client
}

// ClientCredentialsOption configures the strategy.
type ClientCredentialsOption func(*ClientCredentials)

// WithClientCredentialsHTTPClient overrides the default http.Client.
func WithClientCredentialsHTTPClient(hc *http.Client) ClientCredentialsOption {
	return func(s *ClientCredentials) {
		s.http = hc
	}
}

// WithScope sets the requested OAuth scope.
func WithScope(scope string) ClientCredentialsOption {
	return func(s *ClientCredentials) {
		s.scope = scope
	}
}

// NewClientCredentials creates a client-credentials strategy.
func NewClientCredentials(p model.Provider, tokenURL, clientID, clientSecret string, opts ...ClientCredentialsOption) *ClientCredentials {
	s := &ClientCredentials{
		provider:     p,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fetch implements Strategy.
func (s *ClientCredentials) Fetch(ctx context.Context) (*Token, error) {
	if s.clientID == "" || s.clientSecret == "" {
		return nil, &NotConfiguredError{Provider: s.provider}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}
	if s.scope != "" {
		form.Set("scope", s.scope)
	}

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

	tok := &Token{AccessToken: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
