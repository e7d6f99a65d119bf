package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/credentials"
	"github.com/panda-crm/measure-engine/internal/estimator"
	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/internal/resilience"
)

// QuickMeasure orders GAF QuickMeasure reports. Orders are placed
// synchronously; final measurements arrive on a webhook. Some orders skip
// PROCESSING entirely and jump straight to DELIVERED.
type QuickMeasure struct {
	baseURL    string
	webhookURL string
	creds      *credentials.Manager
	http       *http.Client
	retry      resilience.RetryConfig
	now        func() time.Time
}

// QuickMeasureOption configures the adapter.
type QuickMeasureOption func(*QuickMeasure)

// WithQuickMeasureHTTPClient overrides the default http.Client.
func WithQuickMeasureHTTPClient(hc *http.Client) QuickMeasureOption {
	return func(a *QuickMeasure) {
		a.http = hc
	}
}

// WithQuickMeasureRetry sets the retry policy for provider API calls.
func WithQuickMeasureRetry(cfg resilience.RetryConfig) QuickMeasureOption {
	return func(a *QuickMeasure) {
		a.retry = cfg
	}
}

// WithQuickMeasureClock overrides the time source, for tests.
func WithQuickMeasureClock(now func() time.Time) QuickMeasureOption {
	return func(a *QuickMeasure) {
		a.now = now
	}
}

// NewQuickMeasure creates the QuickMeasure adapter.
func NewQuickMeasure(baseURL, webhookURL string, creds *credentials.Manager, opts ...QuickMeasureOption) *QuickMeasure {
	a := &QuickMeasure{
		baseURL:    strings.TrimRight(baseURL, "/"),
		webhookURL: webhookURL,
		creds:      creds,
		http:       &http.Client{Timeout: 30 * time.Second},
		retry:      resilience.DefaultRetryConfig(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider implements Adapter.
func (a *QuickMeasure) Provider() model.Provider {
	return model.ProviderQuickMeasure
}

type quickMeasureOrderRequest struct {
	Address      string `json:"address"`
	City         string `json:"city"`
	State        string `json:"state"`
	Zip          string `json:"zip"`
	ProductCode  string `json:"productCode"`
	DeliveryCode string `json:"deliveryCode"`
	ReferenceID  string `json:"referenceId"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
}

type quickMeasureOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// SubmitOrder implements Adapter.
func (a *QuickMeasure) SubmitOrder(ctx context.Context, r *model.MeasurementReport) error {
	token, err := a.creds.Token(ctx, a.Provider())
	if err != nil {
		return err
	}

	product := quickMeasureProduct(r.ReportType)
	payload := quickMeasureOrderRequest{
		Address:      r.Address.Street,
		City:         r.Address.City,
		State:        r.Address.State,
		Zip:          r.Address.ZipCode,
		ProductCode:  product.Product,
		DeliveryCode: product.Delivery,
		ReferenceID:  r.ID,
		WebhookURL:   a.webhookURL,
	}

	var resp quickMeasureOrderResponse
	if err := a.post(ctx, token, "/orders", payload, &resp); err != nil {
		return err
	}
	if resp.OrderID == "" {
		return &APIError{Provider: a.Provider(), Message: "order response missing orderId"}
	}

	r.ExternalID = resp.OrderID
	return r.Transition(model.StatusOrdered, a.now())
}

// HandleWebhook implements Adapter. QuickMeasure's legacy webhook schema uses
// PascalCase keys and the current one camelCase; both are accepted.
func (a *QuickMeasure) HandleWebhook(_ context.Context, r *model.MeasurementReport, event json.RawMessage) error {
	fields, err := decodeLooseJSON(event)
	if err != nil {
		return eris.Wrap(err, "quickmeasure: decode webhook event")
	}

	status := strings.ToUpper(fields.str("status"))
	r.RawPayload = event

	switch status {
	case "COMPLETED", "DELIVERED":
		m, err := parseQuickMeasurePayload(fields)
		if err != nil {
			return err
		}
		r.Measurement = m
		return r.Transition(model.StatusDelivered, a.now())
	case "PROCESSING", "IN_PROGRESS":
		// Optional intermediate state; some orders never report it.
		if r.Status == model.StatusOrdered {
			return r.Transition(model.StatusProcessing, a.now())
		}
		return nil
	case "FAILED", "REJECTED", "CANCELLED":
		zap.L().Warn("quickmeasure order failed",
			zap.String("report_id", r.ID),
			zap.String("order_id", r.ExternalID),
			zap.String("status", status),
		)
		return r.Transition(model.StatusFailed, a.now())
	default:
		zap.L().Debug("quickmeasure webhook with unhandled status",
			zap.String("report_id", r.ID),
			zap.String("status", status),
		)
		return nil
	}
}

type quickMeasureStatusResponse struct {
	OrderID string          `json:"orderId"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result"`
}

// PollStatus implements Poller. The status endpoint returns the same result
// document the webhook would deliver, so completed polls reuse the webhook
// path.
func (a *QuickMeasure) PollStatus(ctx context.Context, r *model.MeasurementReport) error {
	token, err := a.creds.Token(ctx, a.Provider())
	if err != nil {
		return err
	}

	var resp quickMeasureStatusResponse
	if err := a.get(ctx, token, "/orders/"+r.ExternalID, &resp); err != nil {
		return err
	}

	event := map[string]any{"orderId": resp.OrderID, "status": resp.Status}
	if len(resp.Result) > 0 {
		var result map[string]any
		if err := json.Unmarshal(resp.Result, &result); err == nil {
			for k, v := range result {
				event[k] = v
			}
		}
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "quickmeasure: encode poll result")
	}
	return a.HandleWebhook(ctx, r, raw)
}

func (a *QuickMeasure) post(ctx context.Context, token, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "quickmeasure: marshal request")
	}
	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("quickmeasure", path)
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "quickmeasure: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		return a.do(req, token, out)
	})
}

func (a *QuickMeasure) get(ctx context.Context, token, path string, out any) error {
	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("quickmeasure", path)
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
		if err != nil {
			return eris.Wrap(err, "quickmeasure: create request")
		}
		return a.do(req, token, out)
	})
}

func (a *QuickMeasure) do(req *http.Request, token string, out any) error {
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "quickmeasure: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "quickmeasure: read response")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		a.creds.Invalidate(a.Provider())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Provider: a.Provider(), StatusCode: resp.StatusCode, Message: string(body)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "quickmeasure: unmarshal response")
	}
	return nil
}

// parseQuickMeasurePayload maps a completed order document into the canonical
// model. Provider-supplied lengths are tagged HIGH; anything the provider
// omitted is estimated from area and facet count afterward.
func parseQuickMeasurePayload(fields looseFields) (*model.CanonicalMeasurement, error) {
	measurements, ok := fields.child("measurements")
	if !ok {
		return nil, eris.New("quickmeasure: completed order missing measurements")
	}

	m := &model.CanonicalMeasurement{}
	m.SetArea(measurements.num("roofArea"))
	m.FacetCount = int(measurements.num("facetCount"))
	if m.FacetCount == 0 {
		m.FacetCount = int(measurements.num("facets"))
	}
	m.PredominantPitch = measurements.str("predominantPitch")
	m.PitchDegrees = estimator.NotationDegrees(m.PredominantPitch)

	high := func(field string) model.LinearMeasurement {
		v := measurements.num(field)
		if v <= 0 {
			return model.LinearMeasurement{Confidence: model.ConfidenceNone}
		}
		return model.LinearMeasurement{LengthFt: v, Confidence: model.ConfidenceHigh, Source: "quickmeasure"}
	}
	m.Linear.Ridge = high("ridgeLength")
	m.Linear.Hip = high("hipLength")
	m.Linear.Valley = high("valleyLength")
	m.Linear.Rake = high("rakeLength")
	m.Linear.Eave = high("eaveLength")
	m.Linear.Flashing = high("flashingLength")
	m.Linear.StepFlashing = high("stepFlashingLength")
	m.Linear.DripEdge = high("dripEdgeLength")

	if features, ok := measurements.child("features"); ok {
		m.Features = model.FeatureCounts{
			Chimneys:  int(features.num("chimneys")),
			Skylights: int(features.num("skylights")),
			Vents:     int(features.num("vents")),
			Pipes:     int(features.num("pipes")),
		}
	}

	m.DataSources = []string{"quickmeasure"}
	m.Confidence = 1.0
	// Provider areas are sloped roof surface; the estimator works from the
	// ground footprint, so flatten by the pitch factor first.
	estimator.FillLinear(m, m.TotalRoofArea/estimator.PitchFactor(m.PitchDegrees))
	m.Materials = estimator.Materials(m)
	m.Warnings = estimator.Validate(m)
	return m, nil
}
