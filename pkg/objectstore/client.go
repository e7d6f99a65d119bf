// Package objectstore stores report artifacts (PDFs, XML exports, raw
// payloads) in a bucketed HTTP object store and mints presigned download
// links for Salesforce users.
package objectstore

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
)

// Client stores and serves report artifacts.
type Client interface {
	// Put uploads data under key and returns the object reference
	// ("bucket/key") recorded on the report.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)

	// PresignedURL returns a time-limited download URL for an object
	// reference previously returned by Put.
	PresignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	bucket  string
	token   string
	http    *http.Client
}

// NewClient creates an object store client writing into bucket.
func NewClient(baseURL, bucket, token string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		token:   token,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Put implements Client.
func (c *httpClient) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/"+c.bucket+"/"+key, bytes.NewReader(data))
	if err != nil {
		return "", eris.Wrap(err, "objectstore: create put request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "objectstore: put object")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", eris.Errorf("objectstore: put returned status %d: %s", resp.StatusCode, string(body))
	}
	return c.bucket + "/" + key, nil
}

type presignRequest struct {
	Ref        string `json:"ref"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type presignResponse struct {
	URL string `json:"url"`
}

// PresignedURL implements Client.
func (c *httpClient) PresignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(presignRequest{Ref: ref, TTLSeconds: int(ttl.Seconds())})
	if err != nil {
		return "", eris.Wrap(err, "objectstore: marshal presign request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/presign", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "objectstore: create presign request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "objectstore: presign request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "objectstore: read presign response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("objectstore: presign returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var pr presignResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", eris.Wrap(err, "objectstore: unmarshal presign response")
	}
	if pr.URL == "" {
		return "", eris.New("objectstore: presign returned empty url")
	}
	return pr.URL, nil
}

// ArtifactKey builds the canonical object key for a report artifact.
func ArtifactKey(reportID, kind string) string {
	return fmt.Sprintf("reports/%s/%s", reportID, kind)
}
