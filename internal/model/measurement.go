package model

// ConfidenceTier tags whether a measurement came directly from a provider or
// was heuristically derived.
type ConfidenceTier string

const (
	ConfidenceHigh      ConfidenceTier = "HIGH"
	ConfidenceEstimated ConfidenceTier = "ESTIMATED"
	ConfidenceNone      ConfidenceTier = "NONE"
)

// RoofComplexity classifies a roof by facet count.
type RoofComplexity string

const (
	ComplexitySimple      RoofComplexity = "SIMPLE"
	ComplexityModerate    RoofComplexity = "MODERATE"
	ComplexityComplex     RoofComplexity = "COMPLEX"
	ComplexityVeryComplex RoofComplexity = "VERY_COMPLEX"
)

// LinearMeasurement is a single edge-category length with provenance.
type LinearMeasurement struct {
	LengthFt   float64        `json:"length_ft"`
	Confidence ConfidenceTier `json:"confidence"`
	Source     string         `json:"source,omitempty"` // edge_detection, calculated, provider name
}

// LinearMeasurements holds every edge category of the canonical model. Each
// field carries its own confidence tag; estimator-derived values are never
// blended with provider values without marking provenance.
type LinearMeasurements struct {
	Ridge        LinearMeasurement `json:"ridge"`
	Hip          LinearMeasurement `json:"hip"`
	Valley       LinearMeasurement `json:"valley"`
	Rake         LinearMeasurement `json:"rake"`
	Eave         LinearMeasurement `json:"eave"`
	Flashing     LinearMeasurement `json:"flashing"`
	StepFlashing LinearMeasurement `json:"step_flashing"`
	DripEdge     LinearMeasurement `json:"drip_edge"`
}

// FacetSegment is one planar roof segment.
type FacetSegment struct {
	PitchDegrees   float64 `json:"pitch_degrees"`
	AzimuthDegrees float64 `json:"azimuth_degrees"`
	Direction      string  `json:"direction,omitempty"` // 8-point compass
	AreaSqFt       float64 `json:"area_sqft"`
}

// FeatureCounts are roof obstructions detected by a provider.
type FeatureCounts struct {
	Chimneys  int `json:"chimneys"`
	Skylights int `json:"skylights"`
	Vents     int `json:"vents"`
	Pipes     int `json:"pipes"`
}

// MaterialRecommendation holds ordering quantities with waste applied.
type MaterialRecommendation struct {
	ShinglesSquares  float64 `json:"shingles_squares"`
	UnderlaymentSqFt float64 `json:"underlayment_sqft"`
	RidgeCapLF       float64 `json:"ridge_cap_lf"`
	StarterLF        float64 `json:"starter_lf"`
	DripEdgeLF       float64 `json:"drip_edge_lf"`
	IceWaterLF       float64 `json:"ice_water_lf"`
}

// CanonicalMeasurement is the shared shape every provider response maps into.
type CanonicalMeasurement struct {
	TotalRoofArea    float64 `json:"total_roof_area"`    // square feet
	TotalRoofSquares float64 `json:"total_roof_squares"` // area / 100

	PredominantPitch string             `json:"predominant_pitch,omitempty"` // e.g. "6/12"
	PitchDegrees     float64            `json:"pitch_degrees,omitempty"`
	PitchBreakdown   map[string]float64 `json:"pitch_breakdown,omitempty"` // notation → area sqft

	FacetCount int            `json:"facet_count"`
	Facets     []FacetSegment `json:"facets,omitempty"`

	Complexity  RoofComplexity `json:"complexity,omitempty"`
	WasteFactor float64        `json:"waste_factor,omitempty"`

	Linear    LinearMeasurements      `json:"linear"`
	Features  FeatureCounts           `json:"features"`
	Materials *MaterialRecommendation `json:"materials,omitempty"`

	// Confidence is the overall numeric score [0,1]. LowConfidence marks
	// results below the configured trust threshold; callers should suggest a
	// paid provider report.
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence,omitempty"`

	DataSources []string `json:"data_sources,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// SetArea sets the total roof area and keeps the squares invariant
// (squares == area / 100).
func (m *CanonicalMeasurement) SetArea(sqft float64) {
	m.TotalRoofArea = sqft
	m.TotalRoofSquares = sqft / 100
}
