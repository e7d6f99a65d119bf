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
	"github.com/panda-crm/measure-engine/pkg/objectstore"
)

// EagleView orders EagleView measurement reports. An order creates a capture
// request; once imagery capture completes the provider creates a job, which
// is polled to completion. The finished report PDF is downloaded into the
// object store so the reference outlives EagleView's expiring URLs.
type EagleView struct {
	baseURL string
	creds   *credentials.Manager
	objects objectstore.Client
	http    *http.Client
	retry   resilience.RetryConfig
	now     func() time.Time
}

// EagleViewOption configures the adapter.
type EagleViewOption func(*EagleView)

// WithEagleViewHTTPClient overrides the default http.Client.
func WithEagleViewHTTPClient(hc *http.Client) EagleViewOption {
	return func(a *EagleView) {
		a.http = hc
	}
}

// WithEagleViewRetry sets the retry policy for provider API calls.
func WithEagleViewRetry(cfg resilience.RetryConfig) EagleViewOption {
	return func(a *EagleView) {
		a.retry = cfg
	}
}

// WithEagleViewClock overrides the time source, for tests.
func WithEagleViewClock(now func() time.Time) EagleViewOption {
	return func(a *EagleView) {
		a.now = now
	}
}

// NewEagleView creates the EagleView adapter.
func NewEagleView(baseURL string, creds *credentials.Manager, objects objectstore.Client, opts ...EagleViewOption) *EagleView {
	a := &EagleView{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		objects: objects,
		http:    &http.Client{Timeout: 60 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider implements Adapter.
func (a *EagleView) Provider() model.Provider {
	return model.ProviderEagleView
}

type eagleViewCaptureRequest struct {
	Address      string `json:"address"`
	City         string `json:"city"`
	State        string `json:"state"`
	Zip          string `json:"zip"`
	ProductID    string `json:"productId"`
	DeliveryTier string `json:"deliveryTier"`
	ReferenceID  string `json:"referenceId"`
}

type eagleViewCaptureResponse struct {
	CaptureRequestID string `json:"captureRequestId"`
	Status           string `json:"status"`
}

// SubmitOrder implements Adapter.
func (a *EagleView) SubmitOrder(ctx context.Context, r *model.MeasurementReport) error {
	token, err := a.creds.Token(ctx, a.Provider())
	if err != nil {
		return err
	}

	product := eagleViewProduct(r.ReportType)
	payload := eagleViewCaptureRequest{
		Address:      r.Address.Street,
		City:         r.Address.City,
		State:        r.Address.State,
		Zip:          r.Address.ZipCode,
		ProductID:    product.Product,
		DeliveryTier: product.Delivery,
		ReferenceID:  r.ID,
	}

	var resp eagleViewCaptureResponse
	if err := a.post(ctx, token, "/v3/capture-requests", payload, &resp); err != nil {
		return err
	}
	if resp.CaptureRequestID == "" {
		return &APIError{Provider: a.Provider(), Message: "capture response missing captureRequestId"}
	}

	r.ExternalID = resp.CaptureRequestID
	return r.Transition(model.StatusOrdered, a.now())
}

type eagleViewCaptureStatus struct {
	CaptureRequestID string `json:"captureRequestId"`
	Status           string `json:"status"`
	JobID            string `json:"jobId"`
}

type eagleViewJob struct {
	JobID         string          `json:"jobId"`
	Status        string          `json:"status"`
	Measurements  json.RawMessage `json:"measurements"`
	ReportFileURL string          `json:"reportFileUrl"`
	FailureReason string          `json:"failureReason"`
}

// PollStatus implements Poller. The capture request is checked first; once a
// job exists its state drives the report.
func (a *EagleView) PollStatus(ctx context.Context, r *model.MeasurementReport) error {
	token, err := a.creds.Token(ctx, a.Provider())
	if err != nil {
		return err
	}

	if r.JobID == "" {
		var capture eagleViewCaptureStatus
		if err := a.get(ctx, token, "/v3/capture-requests/"+r.ExternalID, &capture); err != nil {
			return err
		}
		if capture.JobID == "" {
			// Capture still pending; nothing to advance.
			return nil
		}
		r.JobID = capture.JobID
		if r.Status == model.StatusOrdered {
			if err := r.Transition(model.StatusProcessing, a.now()); err != nil {
				return err
			}
		}
	}

	var job eagleViewJob
	if err := a.get(ctx, token, "/v3/jobs/"+r.JobID, &job); err != nil {
		return err
	}

	switch strings.ToUpper(job.Status) {
	case "COMPLETED":
		return a.complete(ctx, token, r, &job)
	case "FAILED":
		raw, _ := json.Marshal(job)
		r.RawPayload = raw
		zap.L().Warn("eagleview job failed",
			zap.String("report_id", r.ID),
			zap.String("job_id", r.JobID),
			zap.String("reason", job.FailureReason),
		)
		return r.Transition(model.StatusFailed, a.now())
	default:
		return nil
	}
}

// HandleWebhook implements Adapter. EagleView sends job lifecycle events
// keyed by capture request id or job id; completed jobs funnel into the same
// completion path as polling.
func (a *EagleView) HandleWebhook(ctx context.Context, r *model.MeasurementReport, event json.RawMessage) error {
	fields, err := decodeLooseJSON(event)
	if err != nil {
		return eris.Wrap(err, "eagleview: decode webhook event")
	}
	r.RawPayload = event

	if jobID := fields.str("jobId"); jobID != "" && r.JobID == "" {
		r.JobID = jobID
		if r.Status == model.StatusOrdered {
			if err := r.Transition(model.StatusProcessing, a.now()); err != nil {
				return err
			}
		}
	}

	switch strings.ToUpper(fields.str("status")) {
	case "COMPLETED":
		// The event itself carries no measurement payload; poll the job for
		// the full document and artifact.
		return a.PollStatus(ctx, r)
	case "FAILED":
		return r.Transition(model.StatusFailed, a.now())
	default:
		return nil
	}
}

// complete parses job measurements, downloads the report artifact into the
// object store, and delivers the report.
func (a *EagleView) complete(ctx context.Context, token string, r *model.MeasurementReport, job *eagleViewJob) error {
	m, err := parseEagleViewMeasurements(job.Measurements)
	if err != nil {
		return err
	}

	if job.ReportFileURL != "" {
		ref, err := a.archiveReport(ctx, token, r.ID, job.ReportFileURL)
		if err != nil {
			// Measurements still deliver; the artifact is lost once the
			// provider URL expires, so log at error level.
			zap.L().Error("eagleview report artifact download failed",
				zap.String("report_id", r.ID),
				zap.Error(err),
			)
		} else {
			r.PDFRef = ref
		}
	}

	raw, marshalErr := json.Marshal(job)
	if marshalErr == nil {
		r.RawPayload = raw
	}
	r.Measurement = m
	return r.Transition(model.StatusDelivered, a.now())
}

func (a *EagleView) archiveReport(ctx context.Context, token, reportID, fileURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "eagleview: create artifact request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "eagleview: download artifact")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("eagleview: artifact download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "eagleview: read artifact")
	}

	return a.objects.Put(ctx, objectstore.ArtifactKey(reportID, "report.pdf"), "application/pdf", data)
}

func parseEagleViewMeasurements(raw json.RawMessage) (*model.CanonicalMeasurement, error) {
	if len(raw) == 0 {
		return nil, eris.New("eagleview: completed job missing measurements")
	}
	fields, err := decodeLooseJSON(raw)
	if err != nil {
		return nil, eris.Wrap(err, "eagleview: decode measurements")
	}

	m := &model.CanonicalMeasurement{}
	m.SetArea(fields.num("totalRoofArea"))
	m.FacetCount = int(fields.num("facetCount"))
	m.PredominantPitch = fields.str("predominantPitch")
	m.PitchDegrees = estimator.NotationDegrees(m.PredominantPitch)

	high := func(field string) model.LinearMeasurement {
		v := fields.num(field)
		if v <= 0 {
			return model.LinearMeasurement{Confidence: model.ConfidenceNone}
		}
		return model.LinearMeasurement{LengthFt: v, Confidence: model.ConfidenceHigh, Source: "eagleview"}
	}
	m.Linear.Ridge = high("ridgeLength")
	m.Linear.Hip = high("hipLength")
	m.Linear.Valley = high("valleyLength")
	m.Linear.Rake = high("rakeLength")
	m.Linear.Eave = high("eaveLength")
	m.Linear.Flashing = high("flashingLength")
	m.Linear.StepFlashing = high("stepFlashingLength")
	m.Linear.DripEdge = high("dripEdgeLength")

	m.DataSources = []string{"eagleview"}
	m.Confidence = 1.0
	// Provider areas are sloped roof surface; the estimator works from the
	// ground footprint, so flatten by the pitch factor first.
	estimator.FillLinear(m, m.TotalRoofArea/estimator.PitchFactor(m.PitchDegrees))
	m.Materials = estimator.Materials(m)
	m.Warnings = estimator.Validate(m)
	return m, nil
}

func (a *EagleView) post(ctx context.Context, token, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "eagleview: marshal request")
	}
	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("eagleview", path)
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "eagleview: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		return a.do(req, token, out)
	})
}

func (a *EagleView) get(ctx context.Context, token, path string, out any) error {
	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("eagleview", path)
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
		if err != nil {
			return eris.Wrap(err, "eagleview: create request")
		}
		return a.do(req, token, out)
	})
}

func (a *EagleView) do(req *http.Request, token string, out any) error {
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "eagleview: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "eagleview: read response")
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
		return eris.Wrap(err, "eagleview: unmarshal response")
	}
	return nil
}
