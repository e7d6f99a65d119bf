package credentials

import (
	"context"

	"github.com/panda-crm/measure-engine/internal/model"
)

// SecretSource resolves a named secret. Satisfied by pkg/secrets.Client.
type SecretSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// APIKey serves a static key from the secret store. Used by providers whose
// auth is a long-lived key (Google Solar, geocoding).
type APIKey struct {
	provider   model.Provider
	source     SecretSource
	secretName string
}

// NewAPIKey creates an API-key strategy reading secretName from source.
func NewAPIKey(p model.Provider, source SecretSource, secretName string) *APIKey {
	return &APIKey{provider: p, source: source, secretName: secretName}
}

// Fetch implements Strategy. API keys never expire; the manager caches them
// for the life of the process unless invalidated.
func (s *APIKey) Fetch(ctx context.Context) (*Token, error) {
	key, err := s.source.Get(ctx, s.secretName)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, &NotConfiguredError{Provider: s.provider}
	}
	return &Token{AccessToken: key}, nil
}
