// Package compute invokes remote compute functions by name over HTTP. The
// measurement pipeline's imagery, segmentation, and rendering stages run as
// named functions behind this gateway.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/panda-crm/measure-engine/internal/resilience"
)

// Client invokes named compute functions with a JSON payload and decodes the
// JSON result into out.
type Client interface {
	Invoke(ctx context.Context, fn string, payload, out any) error
}

// FunctionError is a structured failure returned by a function, as opposed to
// a transport or gateway failure.
type FunctionError struct {
	Function string
	Message  string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("compute: function %s failed: %s", e.Function, e.Message)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-invocation timeout. Segmentation runs can take
// minutes on large parcels.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithRetry sets the retry policy for gateway calls. Only transport failures
// and transient gateway statuses are retried; function failures are not.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewClient creates a compute gateway client.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 2 * time.Minute,
		},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// functionFailure is the error envelope functions return on handled failures.
type functionFailure struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// Invoke implements Client.
func (c *httpClient) Invoke(ctx context.Context, fn string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "compute: marshal payload for %s", fn)
	}

	retry := c.retry
	retry.OnRetry = resilience.RetryLogger("compute", fn)

	respBody, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
			return c.roundTrip(ctx, fn, body)
		})
	})
	if err != nil {
		return err
	}

	// A 200 with an error envelope is a handled function failure.
	var failure functionFailure
	if err := json.Unmarshal(respBody, &failure); err == nil && failure.ErrorMessage != "" {
		return &FunctionError{Function: fn, Message: failure.ErrorMessage}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrapf(err, "compute: unmarshal response from %s", fn)
	}
	return nil
}

func (c *httpClient) roundTrip(ctx context.Context, fn string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/functions/"+fn+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "compute: create request for %s", fn)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "compute: invoke %s", fn)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "compute: read response from %s", fn)
	}
	if resp.StatusCode != http.StatusOK {
		gwErr := eris.Errorf("compute: %s returned status %d: %s", fn, resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(gwErr, resp.StatusCode)
		}
		return nil, gwErr
	}
	return respBody, nil
}
