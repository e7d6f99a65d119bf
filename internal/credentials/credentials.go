// Package credentials manages provider API tokens. Each provider registers a
// Strategy describing how its token is obtained; the Manager caches tokens,
// refreshes them before expiry, and collapses concurrent refreshes so a burst
// of requests produces a single upstream call.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/panda-crm/measure-engine/internal/model"
)

// refreshSkew is how long before expiry a cached token is considered stale.
const refreshSkew = 5 * time.Minute

// Token is an access token with its expiry. A zero ExpiresAt means the token
// does not expire (static API keys).
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Strategy obtains a fresh token for one provider.
type Strategy interface {
	Fetch(ctx context.Context) (*Token, error)
}

// NotConfiguredError indicates a provider has no credentials configured.
// Callers should surface a setup hint rather than retry.
type NotConfiguredError struct {
	Provider model.Provider
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("credentials: provider %s is not configured", e.Provider)
}

// ReauthorizationRequiredError indicates a stored refresh token is missing or
// was rejected upstream. A human must re-run the authorization flow.
type ReauthorizationRequiredError struct {
	Provider model.Provider
	Reason   string
}

func (e *ReauthorizationRequiredError) Error() string {
	return fmt.Sprintf("credentials: provider %s requires reauthorization: %s", e.Provider, e.Reason)
}

// Manager caches provider tokens and dedupes refreshes.
type Manager struct {
	mu         sync.Mutex
	strategies map[model.Provider]Strategy
	cache      map[model.Provider]*Token
	group      singleflight.Group
	now        func() time.Time
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an empty Manager. Register strategies before use.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		strategies: map[model.Provider]Strategy{},
		cache:      map[model.Provider]*Token{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register installs the token strategy for a provider, replacing any existing
// one and dropping its cached token.
func (m *Manager) Register(p model.Provider, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[p] = s
	delete(m.cache, p)
}

// Token returns a valid access token for the provider, fetching or refreshing
// as needed. Concurrent callers share a single upstream fetch.
func (m *Manager) Token(ctx context.Context, p model.Provider) (string, error) {
	m.mu.Lock()
	strategy, ok := m.strategies[p]
	if !ok {
		m.mu.Unlock()
		return "", &NotConfiguredError{Provider: p}
	}
	if tok := m.cache[p]; tok != nil && m.valid(tok) {
		m.mu.Unlock()
		return tok.AccessToken, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(string(p), func() (any, error) {
		// Re-check under the flight: another caller may have refreshed.
		m.mu.Lock()
		if tok := m.cache[p]; tok != nil && m.valid(tok) {
			m.mu.Unlock()
			return tok.AccessToken, nil
		}
		m.mu.Unlock()

		tok, err := strategy.Fetch(ctx)
		if err != nil {
			return "", err
		}

		m.mu.Lock()
		m.cache[p] = tok
		m.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for a provider, forcing the next Token
// call to fetch. Used after a 401 from the provider API.
func (m *Manager) Invalidate(p model.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, p)
}

func (m *Manager) valid(tok *Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	if tok.ExpiresAt.IsZero() {
		return true
	}
	return m.now().Before(tok.ExpiresAt.Add(-refreshSkew))
}
