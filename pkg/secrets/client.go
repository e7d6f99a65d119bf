// Package secrets resolves named secrets from a managed secret store, falling
// back to environment variables when the store is unreachable or unset.
package secrets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client resolves named secrets. A missing secret returns "" with a nil
// error; callers decide whether that is fatal.
type Client interface {
	Get(ctx context.Context, name string) (string, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithEnvPrefix sets the prefix for environment fallback lookups.
func WithEnvPrefix(prefix string) Option {
	return func(c *httpClient) {
		c.envPrefix = prefix
	}
}

type httpClient struct {
	baseURL   string
	token     string
	envPrefix string
	http      *http.Client
}

// NewClient creates a secret store client. An empty baseURL disables the
// store entirely; secrets then come from the environment only.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		envPrefix: "MEASURE_SECRET_",
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type secretResponse struct {
	Value string `json:"value"`
}

// Get implements Client. Store misses and store failures fall back to the
// environment; only a malformed store response is an error.
func (c *httpClient) Get(ctx context.Context, name string) (string, error) {
	if c.baseURL != "" {
		value, err := c.getFromStore(ctx, name)
		if err == nil && value != "" {
			return value, nil
		}
		if err != nil {
			zap.L().Warn("secret store lookup failed, falling back to environment",
				zap.String("secret", name),
				zap.Error(err),
			)
		}
	}
	return os.Getenv(c.envKey(name)), nil
}

func (c *httpClient) getFromStore(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/secrets/"+name, nil)
	if err != nil {
		return "", eris.Wrap(err, "secrets: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "secrets: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "secrets: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("secrets: unexpected status %d", resp.StatusCode)
	}

	var sr secretResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", eris.Wrap(err, "secrets: unmarshal response")
	}
	return sr.Value, nil
}

// envKey converts a secret name to its environment variable form:
// "eagleview-client-secret" becomes "MEASURE_SECRET_EAGLEVIEW_CLIENT_SECRET".
func (c *httpClient) envKey(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(upper)
	return c.envPrefix + upper
}
