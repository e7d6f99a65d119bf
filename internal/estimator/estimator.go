// Package estimator derives linear roof measurements and complexity
// classifications from area, facet count, and pitch when a provider does not
// supply them directly. All functions are pure and deterministic.
package estimator

import (
	"math"

	"github.com/panda-crm/measure-engine/internal/model"
)

// EaveLength approximates total eave length as the perimeter of a square with
// the same ground footprint.
func EaveLength(groundAreaSqFt float64) float64 {
	if groundAreaSqFt <= 0 {
		return 0
	}
	return 4 * math.Sqrt(groundAreaSqFt)
}

// DripEdgeLength runs the roof perimeter, same as the eave approximation.
func DripEdgeLength(groundAreaSqFt float64) float64 {
	return EaveLength(groundAreaSqFt)
}

// RidgeLength estimates the dominant ridge. More facets mean the roof is cut
// up and the dominant ridge is shorter.
func RidgeLength(groundAreaSqFt float64, facetCount int) float64 {
	if groundAreaSqFt <= 0 {
		return 0
	}
	factor := 0.45
	if facetCount > 4 {
		factor = 0.35
	}
	return 2 * math.Sqrt(groundAreaSqFt) * factor
}

// RakeLength estimates gable-end rake length. pitch is the rise per 12 run
// (e.g. 6 for a 6/12 roof); pass 0 when unknown. Six or more facets suggests a
// hip roof with short rakes.
func RakeLength(groundAreaSqFt, pitch float64, facetCount int) float64 {
	if groundAreaSqFt <= 0 {
		return 0
	}
	if facetCount >= 6 {
		return 0.5 * math.Sqrt(groundAreaSqFt)
	}
	mult := 1.15
	if pitch > 0 {
		mult = 1 + (pitch/12)*0.3
	}
	return 2 * math.Sqrt(groundAreaSqFt) * mult
}

// HipLength is zero for simple gables; otherwise scales with facet count,
// capped at eight contributing hips.
func HipLength(groundAreaSqFt float64, facetCount int) float64 {
	if groundAreaSqFt <= 0 || facetCount <= 4 {
		return 0
	}
	hips := facetCount - 2
	if hips > 8 {
		hips = 8
	}
	return float64(hips) * 0.7 * math.Sqrt(groundAreaSqFt)
}

// ValleyLength is zero for simple roofs; valleys appear in pairs beyond six
// facets.
func ValleyLength(groundAreaSqFt float64, facetCount int) float64 {
	if groundAreaSqFt <= 0 || facetCount <= 6 {
		return 0
	}
	pairs := math.Floor(float64(facetCount-6) / 2)
	return pairs * 0.6 * math.Sqrt(groundAreaSqFt)
}

// FlashingLength scales with roof size relative to a 2000 sqft baseline.
func FlashingLength(groundAreaSqFt float64) float64 {
	if groundAreaSqFt <= 0 {
		return 0
	}
	return 30 * math.Sqrt(groundAreaSqFt/2000)
}

// StepFlashingLength scales with facet count (more facets, more wall
// intersections), capped at three baseline units.
func StepFlashingLength(groundAreaSqFt float64, facetCount int) float64 {
	if groundAreaSqFt <= 0 {
		return 0
	}
	units := math.Min(float64(facetCount)/4, 3)
	return 20 * units * math.Sqrt(groundAreaSqFt/2000)
}

// Complexity classifies a roof by facet count: <=4 simple, <=8 moderate,
// <=15 complex, above very complex.
func Complexity(facetCount int) model.RoofComplexity {
	switch {
	case facetCount <= 4:
		return model.ComplexitySimple
	case facetCount <= 8:
		return model.ComplexityModerate
	case facetCount <= 15:
		return model.ComplexityComplex
	default:
		return model.ComplexityVeryComplex
	}
}

// WasteFactor suggests a material waste fraction for the same complexity bands.
func WasteFactor(facetCount int) float64 {
	switch {
	case facetCount <= 4:
		return 0.10
	case facetCount <= 8:
		return 0.12
	case facetCount <= 15:
		return 0.15
	default:
		return 0.18
	}
}

// estimated wraps a derived length with the ESTIMATED provenance tag.
func estimated(lengthFt float64) model.LinearMeasurement {
	return model.LinearMeasurement{
		LengthFt:   round1(lengthFt),
		Confidence: model.ConfidenceEstimated,
		Source:     "calculated",
	}
}

// FillLinear populates every linear field of m that has no usable value,
// deriving lengths from the ground footprint, facet count and pitch. Fields a
// provider already supplied are left untouched; every derived field is tagged
// ESTIMATED.
func FillLinear(m *model.CanonicalMeasurement, groundAreaSqFt float64) {
	pitch := 0.0
	if m.PitchDegrees > 0 {
		pitch = DegreesToPitchRatio(m.PitchDegrees)
	}
	fc := m.FacetCount

	fill := func(lm *model.LinearMeasurement, value float64) {
		if lm.Confidence == model.ConfidenceHigh && lm.LengthFt > 0 {
			return
		}
		*lm = estimated(value)
	}

	fill(&m.Linear.Eave, EaveLength(groundAreaSqFt))
	fill(&m.Linear.DripEdge, DripEdgeLength(groundAreaSqFt))
	fill(&m.Linear.Ridge, RidgeLength(groundAreaSqFt, fc))
	fill(&m.Linear.Rake, RakeLength(groundAreaSqFt, pitch, fc))
	fill(&m.Linear.Hip, HipLength(groundAreaSqFt, fc))
	fill(&m.Linear.Valley, ValleyLength(groundAreaSqFt, fc))
	fill(&m.Linear.Flashing, FlashingLength(groundAreaSqFt))
	fill(&m.Linear.StepFlashing, StepFlashingLength(groundAreaSqFt, fc))

	if m.Complexity == "" {
		m.Complexity = Complexity(fc)
	}
	if m.WasteFactor == 0 {
		m.WasteFactor = WasteFactor(fc)
	}
}

// Waste factors for material ordering, calibrated against GAF QuickMeasure
// reference reports.
const (
	shingleWaste      = 1.15
	underlaymentWaste = 1.10
	linearWaste       = 1.10
)

// Materials computes recommended order quantities from a measurement's area
// and linear lengths, applying standard waste factors.
func Materials(m *model.CanonicalMeasurement) *model.MaterialRecommendation {
	l := m.Linear
	return &model.MaterialRecommendation{
		ShinglesSquares:  round1(m.TotalRoofSquares * shingleWaste),
		UnderlaymentSqFt: math.Round(m.TotalRoofArea * underlaymentWaste),
		RidgeCapLF:       math.Round((l.Ridge.LengthFt + l.Hip.LengthFt) * linearWaste),
		StarterLF:        math.Round(l.Eave.LengthFt * linearWaste),
		DripEdgeLF:       math.Round(l.DripEdge.LengthFt * linearWaste),
		IceWaterLF:       math.Round((l.Eave.LengthFt + l.Valley.LengthFt) * linearWaste),
	}
}

// Validate returns human-readable warnings for implausible measurements.
func Validate(m *model.CanonicalMeasurement) []string {
	var warnings []string
	if m.TotalRoofArea < 500 {
		warnings = append(warnings, "total roof area seems low (<500 sqft)")
	} else if m.TotalRoofArea > 10000 {
		warnings = append(warnings, "total roof area seems high (>10,000 sqft)")
	}
	if m.Linear.Ridge.LengthFt == 0 {
		warnings = append(warnings, "ridge length not detected; manual verification recommended")
	}
	if m.Linear.Eave.LengthFt == 0 {
		warnings = append(warnings, "eave length not detected; manual verification recommended")
	}
	return warnings
}

// OverallConfidence combines segmentation confidence with a multi-source bonus
// and a penalty per missing linear measurement, clamped to [0,1].
func OverallConfidence(segConfidence float64, sourceCount int, linear model.LinearMeasurements) float64 {
	score := segConfidence
	if sourceCount > 1 {
		score += 0.1
	}
	for _, lm := range []model.LinearMeasurement{
		linear.Ridge, linear.Hip, linear.Valley, linear.Rake,
		linear.Eave, linear.Flashing, linear.StepFlashing, linear.DripEdge,
	} {
		if lm.Confidence == model.ConfidenceNone {
			score -= 0.05
		}
	}
	return math.Round(math.Min(1, math.Max(0, score))*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
