package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/model"
)

type stubStrategy struct {
	calls int32
	delay time.Duration
	tok   Token
	err   error
}

func (s *stubStrategy) Fetch(ctx context.Context) (*Token, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	tok := s.tok
	return &tok, nil
}

func TestManager_UnregisteredProvider(t *testing.T) {
	m := NewManager()

	_, err := m.Token(context.Background(), model.ProviderEagleView)
	var notConfigured *NotConfiguredError
	require.ErrorAs(t, err, &notConfigured)
	assert.Equal(t, model.ProviderEagleView, notConfigured.Provider)
}

func TestManager_CachesToken(t *testing.T) {
	stub := &stubStrategy{tok: Token{AccessToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}}
	m := NewManager()
	m.Register(model.ProviderQuickMeasure, stub)

	for range 3 {
		tok, err := m.Token(context.Background(), model.ProviderQuickMeasure)
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))
}

func TestManager_ConcurrentCallersShareOneFetch(t *testing.T) {
	stub := &stubStrategy{
		delay: 50 * time.Millisecond,
		tok:   Token{AccessToken: "tok-shared", ExpiresAt: time.Now().Add(time.Hour)},
	}
	m := NewManager()
	m.Register(model.ProviderQuickMeasure, stub)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background(), model.ProviderQuickMeasure)
			assert.NoError(t, err)
			assert.Equal(t, "tok-shared", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))
}

func TestManager_RefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	clock := now
	var mu sync.Mutex
	m := NewManager(WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))

	// Token good for an hour; the refresh window is five minutes before expiry.
	stub := &stubStrategy{tok: Token{AccessToken: "tok", ExpiresAt: now.Add(time.Hour)}}
	m.Register(model.ProviderQuickMeasure, stub)

	_, err := m.Token(context.Background(), model.ProviderQuickMeasure)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))

	mu.Lock()
	clock = now.Add(54 * time.Minute)
	mu.Unlock()
	_, err = m.Token(context.Background(), model.ProviderQuickMeasure)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls), "still inside validity window")

	mu.Lock()
	clock = now.Add(56 * time.Minute)
	mu.Unlock()
	_, err = m.Token(context.Background(), model.ProviderQuickMeasure)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&stub.calls), "within five minutes of expiry")
}

func TestManager_StaticKeyNeverExpires(t *testing.T) {
	m := NewManager(WithClock(func() time.Time {
		return time.Now().Add(1000 * time.Hour)
	}))
	stub := &stubStrategy{tok: Token{AccessToken: "api-key"}}
	m.Register(model.ProviderSolar, stub)

	for range 2 {
		tok, err := m.Token(context.Background(), model.ProviderSolar)
		require.NoError(t, err)
		assert.Equal(t, "api-key", tok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))
}

func TestManager_InvalidateForcesRefetch(t *testing.T) {
	stub := &stubStrategy{tok: Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}}
	m := NewManager()
	m.Register(model.ProviderEagleView, stub)

	_, err := m.Token(context.Background(), model.ProviderEagleView)
	require.NoError(t, err)

	m.Invalidate(model.ProviderEagleView)

	_, err = m.Token(context.Background(), model.ProviderEagleView)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&stub.calls))
}

func TestManager_FetchErrorNotCached(t *testing.T) {
	stub := &stubStrategy{err: errors.New("upstream down")}
	m := NewManager()
	m.Register(model.ProviderQuickMeasure, stub)

	_, err := m.Token(context.Background(), model.ProviderQuickMeasure)
	require.Error(t, err)
	_, err = m.Token(context.Background(), model.ProviderQuickMeasure)
	require.Error(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&stub.calls), "errors are retried, not cached")
}
