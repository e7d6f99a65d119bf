// Package pipeline orchestrates the aerial measurement pipeline: fetch
// imagery for a coordinate, segment the roof, derive measurements, and
// optionally render a PDF. Stages run strictly in sequence; each consumes the
// prior stage's output. Independent requests run in parallel.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/config"
	"github.com/panda-crm/measure-engine/internal/estimator"
	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/pkg/compute"
	"github.com/panda-crm/measure-engine/pkg/objectstore"
)

// Stage names, used in failure reporting.
const (
	StageImagery = "imagery"
	StageSegment = "segment"
	StageMeasure = "measure"
	StageReport  = "report"
)

// groundAreaCalibration corrects orthoimagery footprints for eave overhangs
// invisible from directly overhead.
const groundAreaCalibration = 1.13

// ErrNoCoverage means the imagery source has nothing for the location. Not a
// failure; the caller tries another source.
var ErrNoCoverage = eris.New("pipeline: no imagery coverage at location")

// StageError reports which pipeline stage failed. Remaining stages are
// skipped.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the failure is worth retrying on a later poll.
// Imagery and segmentation failures are often transient (tile service load,
// cold model); measurement and rendering failures are deterministic.
func (e *StageError) Recoverable() bool {
	return e.Stage == StageImagery || e.Stage == StageSegment
}

// Request is one pipeline invocation.
type Request struct {
	ReportID  string
	Latitude  float64
	Longitude float64
	Address   model.Address

	// Source selects the imagery/model pair: "naip" for public orthoimagery
	// with the baseline segmenter, "ml" for the ML-enhanced analyzer.
	Source string

	RenderPDF bool
}

// Result is a completed pipeline run.
type Result struct {
	Measurement *model.CanonicalMeasurement
	ImageKey    string
	PDFRef      string

	// SegmentationConfidence is the segmenter's own score, before the
	// overall measurement confidence is derived from it.
	SegmentationConfidence float64
}

// Runner executes measurement pipelines against the compute gateway.
type Runner struct {
	compute compute.Client
	objects objectstore.Client
	fns     config.ComputeConfig
	cfg     config.PipelineConfig
}

// NewRunner creates a pipeline Runner.
func NewRunner(cc compute.Client, objects objectstore.Client, fns config.ComputeConfig, cfg config.PipelineConfig) *Runner {
	return &Runner{compute: cc, objects: objects, fns: fns, cfg: cfg}
}

type imageryRequest struct {
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	BBox      [4]float64 `json:"bbox"` // minLng, minLat, maxLng, maxLat
	Source    string     `json:"source"`
	GSDMeters float64    `json:"gsdMeters"`
}

type imageryResult struct {
	ImageKey  string  `json:"imageKey"`
	GSDMeters float64 `json:"gsdMeters"`
	Covered   bool    `json:"covered"`
	Captured  string  `json:"captured,omitempty"`
}

type roofSegment struct {
	Outline        [][]float64 `json:"outline"` // pixel coordinates
	PitchDegrees   float64     `json:"pitchDegrees"`
	AzimuthDegrees float64     `json:"azimuthDegrees"`
}

type segmentResult struct {
	MaskKey    string        `json:"maskKey"`
	Confidence float64       `json:"confidence"`
	Segments   []roofSegment `json:"segments"`
}

type measureRequest struct {
	MaskKey   string  `json:"maskKey"`
	GSDMeters float64 `json:"gsdMeters"`
}

type measureResult struct {
	RidgeLength    float64 `json:"ridgeLength"`
	HipLength      float64 `json:"hipLength"`
	ValleyLength   float64 `json:"valleyLength"`
	RakeLength     float64 `json:"rakeLength"`
	EaveLength     float64 `json:"eaveLength"`
	FlashingLength float64 `json:"flashingLength"`
}

type reportRequest struct {
	Measurement *model.CanonicalMeasurement `json:"measurement"`
	Address     model.Address               `json:"address"`
}

type reportResult struct {
	PDFBase64 string `json:"pdfBase64"`
}

// Run executes the pipeline for one request. Cancellation between stages
// aborts cleanly; the caller's report stays PROCESSING and is safe to retry.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	segmenterFn := r.fns.SegmentFn
	if req.Source == "ml" {
		segmenterFn = r.fns.MLAnalyzerFn
	}

	// Stage 1: imagery.
	gsd := r.cfg.GSDMeters
	imagery, err := r.fetchImagery(ctx, req, gsd)
	if err != nil {
		return nil, err
	}
	if imagery.GSDMeters > 0 {
		gsd = imagery.GSDMeters
	}

	// Stage 2: segmentation.
	var seg segmentResult
	if err := r.compute.Invoke(ctx, segmenterFn, map[string]any{"imageKey": imagery.ImageKey}, &seg); err != nil {
		return nil, &StageError{Stage: StageSegment, Err: err}
	}
	if len(seg.Segments) == 0 {
		return nil, &StageError{Stage: StageSegment, Err: eris.New("no roof segments detected")}
	}

	// Stage 3: edge measurement.
	var edges measureResult
	if err := r.compute.Invoke(ctx, r.fns.MeasureFn, measureRequest{MaskKey: seg.MaskKey, GSDMeters: gsd}, &edges); err != nil {
		return nil, &StageError{Stage: StageMeasure, Err: err}
	}

	m := r.buildMeasurement(req.Source, gsd, &seg, &edges)

	result := &Result{
		Measurement:            m,
		ImageKey:               imagery.ImageKey,
		SegmentationConfidence: seg.Confidence,
	}

	// Stage 4: optional PDF render.
	if req.RenderPDF && r.cfg.RenderPDF {
		ref, err := r.renderPDF(ctx, req, m)
		if err != nil {
			return nil, err
		}
		result.PDFRef = ref
	}

	return result, nil
}

// HasCoverage probes the imagery source without running the rest of the
// pipeline.
func (r *Runner) HasCoverage(ctx context.Context, source string, lat, lng float64) (bool, error) {
	_, err := r.fetchImagery(ctx, Request{Latitude: lat, Longitude: lng, Source: source}, r.cfg.GSDMeters)
	if errors.Is(err, ErrNoCoverage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Runner) fetchImagery(ctx context.Context, req Request, gsd float64) (*imageryResult, error) {
	payload := imageryRequest{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		BBox:      boundingBox(req.Latitude, req.Longitude, r.cfg.BufferMeters),
		Source:    req.Source,
		GSDMeters: gsd,
	}

	var imagery imageryResult
	if err := r.compute.Invoke(ctx, r.fns.ImageryFn, payload, &imagery); err != nil {
		return nil, &StageError{Stage: StageImagery, Err: err}
	}
	if !imagery.Covered || imagery.ImageKey == "" {
		return nil, ErrNoCoverage
	}
	return &imagery, nil
}

// buildMeasurement combines segment geometry and detected edges into the
// canonical model. Detected edge lengths keep HIGH confidence; gaps are
// filled by estimation from area and facet count.
func (r *Runner) buildMeasurement(source string, gsd float64, seg *segmentResult, edges *measureResult) *model.CanonicalMeasurement {
	m := &model.CanonicalMeasurement{}

	var groundArea float64
	var pitchWeighted, pitchAreaSum float64
	facets := make([]model.FacetSegment, 0, len(seg.Segments))

	for _, s := range seg.Segments {
		area := outlineAreaSqFt(s.Outline, gsd)
		groundArea += area
		if s.PitchDegrees > 0 && area > 0 {
			pitchWeighted += s.PitchDegrees * area
			pitchAreaSum += area
		}
		facets = append(facets, model.FacetSegment{
			PitchDegrees:   s.PitchDegrees,
			AzimuthDegrees: s.AzimuthDegrees,
			Direction:      estimator.DegreesToCompass(s.AzimuthDegrees),
			AreaSqFt:       area,
		})
	}

	if r.cfg.ApplyCalibration {
		groundArea *= groundAreaCalibration
	}

	pitch := estimator.DefaultPitchDegrees
	if pitchAreaSum > 0 {
		pitch = pitchWeighted / pitchAreaSum
	}

	m.SetArea(groundArea * estimator.PitchFactor(pitch))
	m.PitchDegrees = pitch
	m.PredominantPitch = estimator.PitchNotation(pitch)
	m.FacetCount = len(seg.Segments)
	m.Facets = facets

	detected := func(v float64) model.LinearMeasurement {
		if v <= 0 {
			return model.LinearMeasurement{Confidence: model.ConfidenceNone}
		}
		return model.LinearMeasurement{LengthFt: v, Confidence: model.ConfidenceHigh, Source: "edge_detection"}
	}
	m.Linear.Ridge = detected(edges.RidgeLength)
	m.Linear.Hip = detected(edges.HipLength)
	m.Linear.Valley = detected(edges.ValleyLength)
	m.Linear.Rake = detected(edges.RakeLength)
	m.Linear.Eave = detected(edges.EaveLength)
	m.Linear.Flashing = detected(edges.FlashingLength)

	m.DataSources = []string{sourceName(source)}
	estimator.FillLinear(m, groundArea)
	m.Materials = estimator.Materials(m)
	m.Warnings = estimator.Validate(m)
	m.Confidence = estimator.OverallConfidence(seg.Confidence, len(m.DataSources), m.Linear)
	return m
}

func (r *Runner) renderPDF(ctx context.Context, req Request, m *model.CanonicalMeasurement) (string, error) {
	var rendered reportResult
	payload := reportRequest{Measurement: m, Address: req.Address}
	if err := r.compute.Invoke(ctx, r.fns.ReportFn, payload, &rendered); err != nil {
		return "", &StageError{Stage: StageReport, Err: err}
	}

	data, err := base64.StdEncoding.DecodeString(rendered.PDFBase64)
	if err != nil {
		return "", &StageError{Stage: StageReport, Err: eris.Wrap(err, "decode rendered pdf")}
	}

	ref, err := r.objects.Put(ctx, objectstore.ArtifactKey(req.ReportID, "measurement.pdf"), "application/pdf", data)
	if err != nil {
		return "", &StageError{Stage: StageReport, Err: err}
	}

	zap.L().Debug("pipeline rendered report pdf",
		zap.String("report_id", req.ReportID),
		zap.String("ref", ref),
	)
	return ref, nil
}

func sourceName(source string) string {
	if source == "ml" {
		return "panda_ml"
	}
	return "naip"
}
