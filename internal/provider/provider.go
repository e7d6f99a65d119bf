// Package provider implements order-based measurement provider adapters.
// Each adapter translates one provider's order/status/result protocol into
// state transitions on a MeasurementReport.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/panda-crm/measure-engine/internal/model"
)

// Adapter is the protocol surface shared by order-based providers.
type Adapter interface {
	Provider() model.Provider

	// SubmitOrder places an order for the report and records the provider's
	// external id. On success the report transitions PENDING -> ORDERED.
	SubmitOrder(ctx context.Context, r *model.MeasurementReport) error

	// HandleWebhook applies an inbound provider event to the report,
	// advancing its status and attaching measurements when delivered.
	HandleWebhook(ctx context.Context, r *model.MeasurementReport, event json.RawMessage) error
}

// Poller is implemented by adapters whose orders can be reconciled by
// polling. Webhook-only providers are advanced by events alone.
type Poller interface {
	// PollStatus checks the provider for the report's current state and
	// advances it. Transient provider failures return an error and leave
	// the report non-terminal for the next cycle.
	PollStatus(ctx context.Context, r *model.MeasurementReport) error
}

// APIError is a non-success response from a provider API. The owning report
// moves to FAILED; the response text is retained in the raw payload for
// audit.
type APIError struct {
	Provider   model.Provider
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// CoverageError means a provider has no data for the location. This is a
// recognized outcome, not a failure; callers try the next source.
type CoverageError struct {
	Provider model.Provider
	Reason   string
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("provider %s has no coverage: %s", e.Provider, e.Reason)
}

// Registry holds the configured adapters keyed by provider.
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry creates a Registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: map[model.Provider]Adapter{}}
	for _, a := range adapters {
		reg.adapters[a.Provider()] = a
	}
	return reg
}

// Lookup returns the adapter for a provider, or nil if none is configured.
func (r *Registry) Lookup(p model.Provider) Adapter {
	return r.adapters[p]
}

// Providers lists the registered providers.
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
