package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/fallback"
	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/internal/provider"
	"github.com/panda-crm/measure-engine/internal/store"
	"github.com/panda-crm/measure-engine/pkg/geocode"
)

type memStore struct {
	reports map[string]*model.MeasurementReport
	updates int
}

func newMemStore() *memStore {
	return &memStore{reports: map[string]*model.MeasurementReport{}}
}

func (m *memStore) Upsert(_ context.Context, r *model.MeasurementReport) (*model.MeasurementReport, error) {
	for _, existing := range m.reports {
		if existing.OpportunityID == r.OpportunityID && existing.Provider == r.Provider {
			r.ID = existing.ID
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	stored := *r
	m.reports[r.ID] = &stored
	return r, nil
}

func (m *memStore) Update(_ context.Context, r *model.MeasurementReport) error {
	m.updates++
	stored := *r
	m.reports[r.ID] = &stored
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.MeasurementReport, error) {
	r, ok := m.reports[id]
	if !ok {
		return nil, eris.Errorf("get report %s: not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) GetByOpportunityProvider(_ context.Context, oppID string, p model.Provider) (*model.MeasurementReport, error) {
	for _, r := range m.reports {
		if r.OpportunityID == oppID && r.Provider == p {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindByExternalRef(_ context.Context, ref string) (*model.MeasurementReport, error) {
	for _, r := range m.reports {
		if r.ExternalID == ref || r.JobID == ref || r.ID == ref {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListOutstanding(context.Context, time.Time, int) ([]model.MeasurementReport, error) {
	return nil, nil
}

func (m *memStore) Stats(context.Context) (*store.ReportStats, error) {
	return &store.ReportStats{Total: len(m.reports)}, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }

func (m *memStore) Close() error { return nil }

type fakeGeocoder struct {
	result *geocode.Result
	err    error
	calls  int
}

func (f *fakeGeocoder) Geocode(context.Context, geocode.AddressInput) (*geocode.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeSelector struct {
	est *fallback.Estimate
	err error
	got fallback.Request
}

func (f *fakeSelector) Select(_ context.Context, req fallback.Request) (*fallback.Estimate, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.est, nil
}

type fakeAdapter struct {
	name       model.Provider
	submitErr  error
	externalID string
	webhookTo  model.OrderStatus
	webhookErr error
	submits    int
	webhooks   int
}

func (a *fakeAdapter) Provider() model.Provider { return a.name }

func (a *fakeAdapter) SubmitOrder(_ context.Context, r *model.MeasurementReport) error {
	a.submits++
	if a.submitErr != nil {
		return a.submitErr
	}
	r.ExternalID = a.externalID
	return r.Transition(model.StatusOrdered, time.Now())
}

func (a *fakeAdapter) HandleWebhook(_ context.Context, r *model.MeasurementReport, _ json.RawMessage) error {
	a.webhooks++
	if a.webhookErr != nil {
		return a.webhookErr
	}
	if a.webhookTo != "" {
		return r.Transition(a.webhookTo, time.Now())
	}
	return nil
}

func solarEstimate() *fallback.Estimate {
	return &fallback.Estimate{
		Provider:    model.ProviderSolar,
		Measurement: &model.CanonicalMeasurement{TotalRoofArea: 2400, Confidence: 0.85},
		PDFRef:      "roof-artifacts/reports/x/measurement.pdf",
	}
}

func dallasInput() model.OrderInput {
	return model.OrderInput{
		OpportunityID: "opp-1",
		Address:       model.Address{Street: "123 Main St", City: "Dallas", State: "TX", ZipCode: "75201"},
	}
}

func TestInstantMeasureWithCoordinatesSkipsGeocoding(t *testing.T) {
	gc := &fakeGeocoder{}
	sel := &fakeSelector{est: solarEstimate()}
	st := newMemStore()
	e := New(st, gc, sel, provider.NewRegistry())

	input := dallasInput()
	lat, lng := 32.7767, -96.797
	input.Latitude, input.Longitude = &lat, &lng

	r, err := e.InstantMeasure(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 0, gc.calls)
	assert.Equal(t, lat, sel.got.Latitude)
	assert.Equal(t, model.StatusDelivered, r.Status)
	assert.Equal(t, model.ProviderSolar, r.Provider)
	assert.Equal(t, model.ReportTypeInstant, r.ReportType)
	assert.NotNil(t, r.OrderedAt)
	assert.NotNil(t, r.DeliveredAt)
	assert.Len(t, st.reports, 1)
}

func TestInstantMeasureGeocodesAddress(t *testing.T) {
	gc := &fakeGeocoder{result: &geocode.Result{Latitude: 32.7, Longitude: -96.8, Matched: true}}
	sel := &fakeSelector{est: solarEstimate()}
	e := New(newMemStore(), gc, sel, provider.NewRegistry())

	_, err := e.InstantMeasure(context.Background(), dallasInput())
	require.NoError(t, err)
	assert.Equal(t, 1, gc.calls)
	assert.Equal(t, 32.7, sel.got.Latitude)
	assert.Equal(t, -96.8, sel.got.Longitude)
}

func TestInstantMeasureUnmatchedAddress(t *testing.T) {
	gc := &fakeGeocoder{result: &geocode.Result{Matched: false}}
	e := New(newMemStore(), gc, &fakeSelector{est: solarEstimate()}, provider.NewRegistry())

	_, err := e.InstantMeasure(context.Background(), dallasInput())
	require.ErrorIs(t, err, ErrAddressNotFound)
}

func TestInstantMeasureInvokesDeliveredHook(t *testing.T) {
	var hooked []string
	e := New(newMemStore(),
		&fakeGeocoder{result: &geocode.Result{Latitude: 1, Longitude: 2, Matched: true}},
		&fakeSelector{est: solarEstimate()},
		provider.NewRegistry(),
		WithDeliveredHook(func(_ context.Context, r *model.MeasurementReport) {
			hooked = append(hooked, r.ID)
		}))

	r, err := e.InstantMeasure(context.Background(), dallasInput())
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, hooked)
}

func TestOrderReportSubmitsAndPersists(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, externalID: "qm-789"}
	st := newMemStore()
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	input := dallasInput()
	input.Provider = model.ProviderQuickMeasure
	input.ReportType = model.ReportTypeResidential

	r, err := e.OrderReport(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOrdered, r.Status)
	assert.Equal(t, "qm-789", r.ExternalID)
	assert.Equal(t, 1, adapter.submits)

	persisted, err := st.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOrdered, persisted.Status)
}

func TestOrderReportUnknownProvider(t *testing.T) {
	e := New(newMemStore(), &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry())

	input := dallasInput()
	input.Provider = model.ProviderEagleView
	_, err := e.OrderReport(context.Background(), input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter registered")
}

func TestOrderReportReturnsOutstandingOrder(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, externalID: "qm-789"}
	st := newMemStore()
	ordered := time.Now()
	st.reports["rep-1"] = &model.MeasurementReport{
		ID:            "rep-1",
		OpportunityID: "opp-1",
		Provider:      model.ProviderQuickMeasure,
		Status:        model.StatusOrdered,
		OrderedAt:     &ordered,
	}
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	input := dallasInput()
	input.Provider = model.ProviderQuickMeasure

	r, err := e.OrderReport(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "rep-1", r.ID)
	assert.Equal(t, 0, adapter.submits, "outstanding order must not be resubmitted")
}

func TestOrderReportReordersAfterTerminalFailure(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, externalID: "qm-2"}
	st := newMemStore()
	st.reports["rep-1"] = &model.MeasurementReport{
		ID:            "rep-1",
		OpportunityID: "opp-1",
		Provider:      model.ProviderQuickMeasure,
		Status:        model.StatusFailed,
	}
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	input := dallasInput()
	input.Provider = model.ProviderQuickMeasure

	r, err := e.OrderReport(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.submits)
	assert.Equal(t, model.StatusOrdered, r.Status)
}

func TestOrderReportResumesStalledPendingOrder(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, externalID: "qm-3"}
	st := newMemStore()
	// A crash between the PENDING upsert and the provider accepting the
	// order leaves a PENDING row with no external id.
	st.reports["rep-1"] = &model.MeasurementReport{
		ID:            "rep-1",
		OpportunityID: "opp-1",
		Provider:      model.ProviderQuickMeasure,
		Status:        model.StatusPending,
	}
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	input := dallasInput()
	input.Provider = model.ProviderQuickMeasure

	r, err := e.OrderReport(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.submits, "stalled submission must be resumed")
	assert.Equal(t, "rep-1", r.ID, "resumed order reuses the stalled row")
	assert.Equal(t, model.StatusOrdered, r.Status)
	assert.Equal(t, "qm-3", r.ExternalID)
}

func TestOrderReportSubmissionFailureRetainsProviderError(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, submitErr: &provider.APIError{
		Provider:   model.ProviderQuickMeasure,
		StatusCode: 422,
		Message:    "address not found",
	}}
	st := newMemStore()
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	input := dallasInput()
	input.Provider = model.ProviderQuickMeasure

	r, err := e.OrderReport(context.Background(), input)
	require.Error(t, err)

	persisted, perr := st.Get(context.Background(), r.ID)
	require.NoError(t, perr)
	assert.Equal(t, model.StatusFailed, persisted.Status)

	var audit struct {
		Error           string `json:"error"`
		StatusCode      int    `json:"status_code"`
		ProviderMessage string `json:"provider_message"`
	}
	require.NoError(t, json.Unmarshal(persisted.RawPayload, &audit))
	assert.Equal(t, 422, audit.StatusCode)
	assert.Equal(t, "address not found", audit.ProviderMessage)
	assert.Contains(t, audit.Error, "address not found")
}

func TestOrderReportSubmissionFailureMarksFailed(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, submitErr: eris.New("quickmeasure: order rejected")}
	st := newMemStore()
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	input := dallasInput()
	input.Provider = model.ProviderQuickMeasure

	r, err := e.OrderReport(context.Background(), input)
	require.Error(t, err)
	require.NotNil(t, r)
	assert.Equal(t, model.StatusFailed, r.Status)

	persisted, perr := st.Get(context.Background(), r.ID)
	require.NoError(t, perr)
	assert.Equal(t, model.StatusFailed, persisted.Status)
}

func TestHandleWebhookDeliversMatchedReport(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, webhookTo: model.StatusDelivered}
	st := newMemStore()
	ordered := time.Now()
	st.reports["rep-1"] = &model.MeasurementReport{
		ID:         "rep-1",
		Provider:   model.ProviderQuickMeasure,
		Status:     model.StatusOrdered,
		ExternalID: "qm-789",
		OrderedAt:  &ordered,
	}

	var hooked int
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter),
		WithDeliveredHook(func(context.Context, *model.MeasurementReport) { hooked++ }))

	event := json.RawMessage(`{"orderId":"qm-789","status":"COMPLETED"}`)
	r, err := e.HandleWebhook(context.Background(), model.ProviderQuickMeasure, event)
	require.NoError(t, err)
	assert.Equal(t, "rep-1", r.ID)
	assert.Equal(t, model.StatusDelivered, r.Status)
	assert.Equal(t, 1, adapter.webhooks)
	assert.Equal(t, 1, hooked)
	assert.Equal(t, model.StatusDelivered, st.reports["rep-1"].Status)
}

func TestHandleWebhookUnmatchedEventDropped(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure}
	e := New(newMemStore(), &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	event := json.RawMessage(`{"orderId":"qm-unknown","status":"COMPLETED"}`)
	_, err := e.HandleWebhook(context.Background(), model.ProviderQuickMeasure, event)
	require.ErrorIs(t, err, ErrUnmatchedWebhook)
	assert.Equal(t, 0, adapter.webhooks)
}

func TestHandleWebhookTerminalReportIgnored(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderQuickMeasure, webhookTo: model.StatusDelivered}
	st := newMemStore()
	st.reports["rep-1"] = &model.MeasurementReport{
		ID:         "rep-1",
		Provider:   model.ProviderQuickMeasure,
		Status:     model.StatusDelivered,
		ExternalID: "qm-789",
	}
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	event := json.RawMessage(`{"orderId":"qm-789","status":"FAILED"}`)
	r, err := e.HandleWebhook(context.Background(), model.ProviderQuickMeasure, event)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, r.Status)
	assert.Equal(t, 0, adapter.webhooks, "terminal reports must not be reprocessed")
}

func TestHandleWebhookMatchesByJobID(t *testing.T) {
	adapter := &fakeAdapter{name: model.ProviderEagleView, webhookTo: model.StatusProcessing}
	st := newMemStore()
	st.reports["rep-1"] = &model.MeasurementReport{
		ID:         "rep-1",
		Provider:   model.ProviderEagleView,
		Status:     model.StatusOrdered,
		ExternalID: "cr-1",
		JobID:      "job-5",
	}
	e := New(st, &fakeGeocoder{}, &fakeSelector{}, provider.NewRegistry(adapter))

	event := json.RawMessage(`{"JobId":"job-5","Status":"JobStateChanged"}`)
	r, err := e.HandleWebhook(context.Background(), model.ProviderEagleView, event)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, r.Status)
}
