// Package engine ties geocoding, fallback selection, provider adapters and
// the report store into the measurement acquisition operations the CLI and
// webhook server expose.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/fallback"
	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/internal/provider"
	"github.com/panda-crm/measure-engine/internal/store"
	"github.com/panda-crm/measure-engine/pkg/geocode"
)

// ErrAddressNotFound means no geocoder could resolve the address to
// coordinates.
var ErrAddressNotFound = eris.New("engine: address could not be geocoded")

// ErrUnmatchedWebhook means a webhook event referenced no known report. The
// event is dropped after logging; providers resend and the reconciler catches
// anything that stays lost.
var ErrUnmatchedWebhook = eris.New("engine: webhook matches no report")

// Selector picks a no-cost measurement source for a location.
type Selector interface {
	Select(ctx context.Context, req fallback.Request) (*fallback.Estimate, error)
}

// Delivered is invoked whenever a report reaches DELIVERED, e.g. to sync the
// measurement to the CRM. Failures are logged, never propagated; delivery has
// already happened and the sync can be replayed.
type Delivered func(ctx context.Context, r *model.MeasurementReport)

// Engine exposes the measurement acquisition operations.
type Engine struct {
	store     store.Store
	geocoder  geocode.Client
	selector  Selector
	registry  *provider.Registry
	delivered Delivered
	now       func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithDeliveredHook registers the post-delivery callback.
func WithDeliveredHook(fn Delivered) Option {
	return func(e *Engine) {
		e.delivered = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(st store.Store, gc geocode.Client, sel Selector, reg *provider.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		geocoder: gc,
		selector: sel,
		registry: reg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// InstantMeasure produces a measurement from no-cost sources, synchronously.
// The address is geocoded unless coordinates are supplied, the best covered
// source measures, and the delivered report is persisted in one step.
func (e *Engine) InstantMeasure(ctx context.Context, input model.OrderInput) (*model.MeasurementReport, error) {
	lat, lng, err := e.resolveCoordinates(ctx, input)
	if err != nil {
		return nil, err
	}

	reportID := uuid.NewString()
	est, err := e.selector.Select(ctx, fallback.Request{
		ReportID:  reportID,
		Latitude:  lat,
		Longitude: lng,
		Address:   input.Address,
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	r := &model.MeasurementReport{
		ID:            reportID,
		Provider:      est.Provider,
		ReportType:    model.ReportTypeInstant,
		Status:        model.StatusPending,
		Address:       input.Address,
		Latitude:      &lat,
		Longitude:     &lng,
		OpportunityID: input.OpportunityID,
		AccountID:     input.AccountID,
		OrderedByID:   input.OrderedByID,
		Measurement:   est.Measurement,
		PDFRef:        est.PDFRef,
	}
	if err := r.Transition(model.StatusOrdered, now); err != nil {
		return nil, err
	}
	if err := r.Transition(model.StatusDelivered, now); err != nil {
		return nil, err
	}

	stored, err := e.store.Upsert(ctx, r)
	if err != nil {
		return nil, eris.Wrap(err, "engine: persist instant measurement")
	}

	zap.L().Info("instant measurement delivered",
		zap.String("report_id", stored.ID),
		zap.String("opportunity_id", stored.OpportunityID),
		zap.String("provider", string(stored.Provider)),
		zap.Float64("confidence", stored.Measurement.Confidence),
	)
	if e.delivered != nil {
		e.delivered(ctx, stored)
	}
	return stored, nil
}

// OrderReport submits a paid measurement order to the named provider. A
// non-terminal report already outstanding for the (opportunity, provider)
// pair is returned as-is instead of double-ordering.
func (e *Engine) OrderReport(ctx context.Context, input model.OrderInput) (*model.MeasurementReport, error) {
	adapter := e.registry.Lookup(input.Provider)
	if adapter == nil {
		return nil, eris.Errorf("engine: no adapter registered for provider %s", input.Provider)
	}

	existing, err := e.store.GetByOpportunityProvider(ctx, input.OpportunityID, input.Provider)
	if err != nil {
		return nil, eris.Wrap(err, "engine: check outstanding order")
	}
	if existing != nil && !existing.Status.Terminal() {
		// A PENDING row with no external id is a submission that never
		// reached the provider (crash between persist and submit); resume
		// it. Anything else is genuinely outstanding.
		if existing.Status != model.StatusPending || existing.ExternalID != "" {
			zap.L().Info("order already outstanding, not resubmitting",
				zap.String("report_id", existing.ID),
				zap.String("opportunity_id", input.OpportunityID),
				zap.String("provider", string(input.Provider)),
			)
			return existing, nil
		}
		zap.L().Warn("resuming stalled pending order",
			zap.String("report_id", existing.ID),
			zap.String("opportunity_id", input.OpportunityID),
			zap.String("provider", string(input.Provider)),
		)
	}

	r := &model.MeasurementReport{
		Provider:      input.Provider,
		ReportType:    input.ReportType,
		Status:        model.StatusPending,
		Address:       input.Address,
		Latitude:      input.Latitude,
		Longitude:     input.Longitude,
		OpportunityID: input.OpportunityID,
		AccountID:     input.AccountID,
		OrderedByID:   input.OrderedByID,
	}

	// Persist PENDING before submitting so a crash mid-submission leaves a
	// traceable row rather than an orphaned provider order.
	stored, err := e.store.Upsert(ctx, r)
	if err != nil {
		return nil, eris.Wrap(err, "engine: persist pending order")
	}

	if err := adapter.SubmitOrder(ctx, stored); err != nil {
		stored.RawPayload = submitFailurePayload(err)
		if terr := stored.Transition(model.StatusFailed, e.now()); terr == nil {
			if uerr := e.store.Update(ctx, stored); uerr != nil {
				zap.L().Error("persist failed order", zap.String("report_id", stored.ID), zap.Error(uerr))
			}
		}
		return stored, eris.Wrap(err, "engine: submit order")
	}

	if err := e.store.Update(ctx, stored); err != nil {
		return nil, eris.Wrap(err, "engine: persist submitted order")
	}

	zap.L().Info("measurement order submitted",
		zap.String("report_id", stored.ID),
		zap.String("opportunity_id", stored.OpportunityID),
		zap.String("provider", string(stored.Provider)),
		zap.String("external_id", stored.ExternalID),
	)
	return stored, nil
}

// HandleWebhook routes a provider callback to its report. Events matching no
// report return ErrUnmatchedWebhook; events for terminal reports are ignored
// (providers redeliver).
func (e *Engine) HandleWebhook(ctx context.Context, p model.Provider, event json.RawMessage) (*model.MeasurementReport, error) {
	adapter := e.registry.Lookup(p)
	if adapter == nil {
		return nil, eris.Errorf("engine: no adapter registered for provider %s", p)
	}

	r, err := e.findByEventRefs(ctx, event)
	if err != nil {
		return nil, err
	}
	if r == nil {
		zap.L().Warn("webhook matched no report, dropping",
			zap.String("provider", string(p)),
			zap.ByteString("event", event),
		)
		return nil, ErrUnmatchedWebhook
	}
	if r.Status.Terminal() {
		zap.L().Info("webhook for terminal report ignored",
			zap.String("report_id", r.ID),
			zap.String("status", string(r.Status)),
		)
		return r, nil
	}

	if err := adapter.HandleWebhook(ctx, r, event); err != nil {
		return nil, eris.Wrap(err, "engine: handle webhook")
	}

	if err := e.store.Update(ctx, r); err != nil {
		return nil, eris.Wrap(err, "engine: persist webhook result")
	}

	if r.Status == model.StatusDelivered && e.delivered != nil {
		e.delivered(ctx, r)
	}
	return r, nil
}

// Get returns one report by id.
func (e *Engine) Get(ctx context.Context, id string) (*model.MeasurementReport, error) {
	return e.store.Get(ctx, id)
}

// Stats aggregates report counts and averages per provider.
func (e *Engine) Stats(ctx context.Context) (*store.ReportStats, error) {
	return e.store.Stats(ctx)
}

func (e *Engine) resolveCoordinates(ctx context.Context, input model.OrderInput) (float64, float64, error) {
	if input.Latitude != nil && input.Longitude != nil {
		return *input.Latitude, *input.Longitude, nil
	}

	res, err := e.geocoder.Geocode(ctx, geocode.AddressInput{
		Street:  input.Address.Street,
		City:    input.Address.City,
		State:   input.Address.State,
		ZipCode: input.Address.ZipCode,
	})
	if err != nil {
		return 0, 0, eris.Wrap(err, "engine: geocode address")
	}
	if !res.Matched {
		return 0, 0, ErrAddressNotFound
	}
	return res.Latitude, res.Longitude, nil
}

// submitFailurePayload captures a rejected submission for audit, including
// the provider's status and message when the failure was an API response.
func submitFailurePayload(err error) json.RawMessage {
	envelope := map[string]any{"error": err.Error()}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		envelope["status_code"] = apiErr.StatusCode
		envelope["provider_message"] = apiErr.Message
	}
	raw, merr := json.Marshal(envelope)
	if merr != nil {
		return nil
	}
	return raw
}

func (e *Engine) findByEventRefs(ctx context.Context, event json.RawMessage) (*model.MeasurementReport, error) {
	for _, ref := range provider.ExtractRefs(event) {
		r, err := e.store.FindByExternalRef(ctx, ref)
		if err != nil {
			return nil, eris.Wrap(err, "engine: resolve webhook reference")
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}
