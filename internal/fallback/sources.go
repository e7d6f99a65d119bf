package fallback

import (
	"context"

	"github.com/panda-crm/measure-engine/internal/estimator"
	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/internal/pipeline"
	"github.com/panda-crm/measure-engine/pkg/solar"
)

// PipelineSource runs the aerial measurement pipeline as a fallback source.
// The imagery source name selects the segmenter: "ml" for the ML-enhanced
// analyzer, anything else for the public-orthoimagery baseline.
type PipelineSource struct {
	runner   *pipeline.Runner
	source   string
	provider model.Provider
}

// NewMLSource creates the ML-enhanced pipeline source.
func NewMLSource(runner *pipeline.Runner) *PipelineSource {
	return &PipelineSource{runner: runner, source: "ml", provider: model.ProviderPandaML}
}

// NewAerialSource creates the public-orthoimagery pipeline source.
func NewAerialSource(runner *pipeline.Runner) *PipelineSource {
	return &PipelineSource{runner: runner, source: "naip", provider: model.ProviderAerial}
}

func (p *PipelineSource) Name() string { return p.source }

func (p *PipelineSource) Provider() model.Provider { return p.provider }

func (p *PipelineSource) HasCoverage(ctx context.Context, lat, lng float64) (bool, error) {
	return p.runner.HasCoverage(ctx, p.source, lat, lng)
}

func (p *PipelineSource) Measure(ctx context.Context, req Request) (*Estimate, error) {
	res, err := p.runner.Run(ctx, pipeline.Request{
		ReportID:  req.ReportID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Address:   req.Address,
		Source:    p.source,
		RenderPDF: true,
	})
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Provider:    p.provider,
		Measurement: res.Measurement,
		ImageKey:    res.ImageKey,
		PDFRef:      res.PDFRef,
	}, nil
}

// SolarSource derives a measurement from Google Solar building insights.
// No imagery processing happens on our side, so it is the cheapest source,
// but linear measurements are entirely estimated.
type SolarSource struct {
	client solar.Client
}

// NewSolarSource creates the Google Solar fallback source.
func NewSolarSource(client solar.Client) *SolarSource {
	return &SolarSource{client: client}
}

func (s *SolarSource) Name() string { return "google_solar" }

func (s *SolarSource) Provider() model.Provider { return model.ProviderSolar }

func (s *SolarSource) HasCoverage(ctx context.Context, lat, lng float64) (bool, error) {
	return s.client.HasCoverage(ctx, lat, lng)
}

func (s *SolarSource) Measure(ctx context.Context, req Request) (*Estimate, error) {
	insights, err := s.client.BuildingInsights(ctx, req.Latitude, req.Longitude)
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Provider:    model.ProviderSolar,
		Measurement: measurementFromInsights(insights),
	}, nil
}

// measurementFromInsights maps Solar API roof geometry to the canonical
// model. Segment stats carry true sloped areas, so no pitch factor is applied
// to the total; the ground footprint drives the linear estimates.
func measurementFromInsights(in *solar.BuildingInsights) *model.CanonicalMeasurement {
	m := &model.CanonicalMeasurement{}

	var pitchWeighted, pitchAreaSum float64
	facets := make([]model.FacetSegment, 0, len(in.SolarPotential.RoofSegmentStats))
	for _, seg := range in.SolarPotential.RoofSegmentStats {
		area := estimator.SquareMetersToSquareFeet(seg.Stats.AreaMeters2)
		if seg.PitchDegrees > 0 && area > 0 {
			pitchWeighted += seg.PitchDegrees * area
			pitchAreaSum += area
		}
		facets = append(facets, model.FacetSegment{
			PitchDegrees:   seg.PitchDegrees,
			AzimuthDegrees: seg.AzimuthDegrees,
			Direction:      estimator.DegreesToCompass(seg.AzimuthDegrees),
			AreaSqFt:       area,
		})
	}

	pitch := estimator.DefaultPitchDegrees
	if pitchAreaSum > 0 {
		pitch = pitchWeighted / pitchAreaSum
	}

	m.SetArea(estimator.SquareMetersToSquareFeet(in.SolarPotential.WholeRoofStats.AreaMeters2))
	m.PitchDegrees = pitch
	m.PredominantPitch = estimator.PitchNotation(pitch)
	m.FacetCount = len(facets)
	m.Facets = facets
	m.DataSources = []string{"google_solar"}

	groundArea := estimator.SquareMetersToSquareFeet(in.SolarPotential.WholeRoofStats.GroundAreaMeters2)
	if groundArea <= 0 {
		groundArea = m.TotalRoofArea / estimator.PitchFactor(pitch)
	}
	estimator.FillLinear(m, groundArea)
	m.Materials = estimator.Materials(m)
	m.Warnings = estimator.Validate(m)
	m.Confidence = qualityConfidence(in.ImageryQuality)
	return m
}

func qualityConfidence(quality string) float64 {
	switch quality {
	case "HIGH":
		return 0.85
	case "MEDIUM":
		return 0.70
	default:
		return 0.50
	}
}
