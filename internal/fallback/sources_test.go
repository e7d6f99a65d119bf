package fallback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/pkg/solar"
)

type fakeSolar struct {
	insights *solar.BuildingInsights
	err      error
}

func (f *fakeSolar) BuildingInsights(context.Context, float64, float64) (*solar.BuildingInsights, error) {
	return f.insights, f.err
}

func (f *fakeSolar) HasCoverage(context.Context, float64, float64) (bool, error) {
	return f.err == nil, nil
}

func gableInsights() *solar.BuildingInsights {
	// Two symmetric 100 m^2 sloped planes of a 6/12 gable.
	return &solar.BuildingInsights{
		ImageryQuality: "HIGH",
		SolarPotential: solar.SolarPotential{
			WholeRoofStats: solar.SizeAndSunshineStats{
				AreaMeters2:       200,
				GroundAreaMeters2: 179,
			},
			RoofSegmentStats: []solar.RoofSegment{
				{PitchDegrees: 26.57, AzimuthDegrees: 90, Stats: solar.SizeAndSunshineStats{AreaMeters2: 100}},
				{PitchDegrees: 26.57, AzimuthDegrees: 270, Stats: solar.SizeAndSunshineStats{AreaMeters2: 100}},
			},
		},
	}
}

func TestSolarSourceMeasure(t *testing.T) {
	src := NewSolarSource(&fakeSolar{insights: gableInsights()})

	est, err := src.Measure(context.Background(), Request{ReportID: "rep-1"})
	require.NoError(t, err)
	assert.Equal(t, model.ProviderSolar, est.Provider)

	m := est.Measurement
	assert.InDelta(t, 200*10.7639, m.TotalRoofArea, 0.1)
	assert.Equal(t, "6/12", m.PredominantPitch)
	assert.Equal(t, 2, m.FacetCount)
	assert.Equal(t, "E", m.Facets[0].Direction)
	assert.Equal(t, "W", m.Facets[1].Direction)
	assert.Equal(t, []string{"google_solar"}, m.DataSources)
	assert.InDelta(t, 0.85, m.Confidence, 0.001)

	// Nothing is detected from imagery, so every linear field is estimated.
	assert.Equal(t, model.ConfidenceEstimated, m.Linear.Ridge.Confidence)
	assert.Greater(t, m.Linear.Ridge.LengthFt, 0.0)
	assert.Greater(t, m.Linear.Eave.LengthFt, 0.0)
	require.NotNil(t, m.Materials)
	assert.Greater(t, m.Materials.ShinglesSquares, 0.0)
}

func TestSolarSourceQualityConfidence(t *testing.T) {
	in := gableInsights()
	in.ImageryQuality = "MEDIUM"
	src := NewSolarSource(&fakeSolar{insights: in})

	est, err := src.Measure(context.Background(), Request{})
	require.NoError(t, err)
	assert.InDelta(t, 0.70, est.Measurement.Confidence, 0.001)

	in.ImageryQuality = "LOW"
	est, err = src.Measure(context.Background(), Request{})
	require.NoError(t, err)
	assert.InDelta(t, 0.50, est.Measurement.Confidence, 0.001)
}

func TestSolarSourceDerivesGroundAreaWhenMissing(t *testing.T) {
	in := gableInsights()
	in.SolarPotential.WholeRoofStats.GroundAreaMeters2 = 0
	src := NewSolarSource(&fakeSolar{insights: in})

	est, err := src.Measure(context.Background(), Request{})
	require.NoError(t, err)
	// Linear estimates still derive from a back-computed footprint.
	assert.Greater(t, est.Measurement.Linear.Eave.LengthFt, 0.0)
}
