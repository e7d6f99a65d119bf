package estimator

import (
	"fmt"
	"math"
)

// pitchFactors maps rise/12 notation to the flat-to-slope area multiplier.
// Values are 1/cos(atan(rise/12)), calibrated against EagleView reports.
var pitchFactors = map[int]float64{
	2:  1.014,
	3:  1.031,
	4:  1.054,
	5:  1.083,
	6:  1.118,
	7:  1.158,
	8:  1.202,
	9:  1.250,
	10: 1.302,
	11: 1.357,
	12: 1.414,
	14: 1.537,
	16: 1.667,
}

// DegreesToPitchRatio converts a pitch angle to rise per 12 inches of run,
// rounded to one decimal.
func DegreesToPitchRatio(degrees float64) float64 {
	rise := math.Tan(degrees*math.Pi/180) * 12
	return math.Round(rise*10) / 10
}

// PitchNotation formats a pitch angle as conventional rise/12 notation,
// e.g. 26.57 degrees -> "6/12".
func PitchNotation(degrees float64) string {
	rise := int(math.Round(math.Tan(degrees*math.Pi/180) * 12))
	return fmt.Sprintf("%d/12", rise)
}

// NotationDegrees parses conventional rise/run pitch notation ("6/12") back
// to a pitch angle. Returns DefaultPitchDegrees when the notation is empty or
// malformed.
func NotationDegrees(notation string) float64 {
	var rise, run float64
	if _, err := fmt.Sscanf(notation, "%f/%f", &rise, &run); err != nil || run <= 0 || rise < 0 {
		return DefaultPitchDegrees
	}
	return math.Atan(rise/run) * 180 / math.Pi
}

// PitchFactor returns the multiplier converting flat (ground) area to sloped
// roof area for the given pitch angle. Known rises use the calibrated table;
// anything else falls back to 1/cos.
func PitchFactor(degrees float64) float64 {
	if degrees <= 0 || degrees >= 90 {
		return 1
	}
	rise := int(math.Round(math.Tan(degrees*math.Pi/180) * 12))
	if f, ok := pitchFactors[rise]; ok {
		return f
	}
	return 1 / math.Cos(degrees*math.Pi/180)
}

// DefaultPitchDegrees is the common residential 6/12 pitch, assumed when no
// source supplies one.
const DefaultPitchDegrees = 26.57

var compassPoints = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// DegreesToCompass maps an azimuth to the nearest 8-point compass direction.
func DegreesToCompass(degrees float64) string {
	idx := int(math.Round(degrees/45)) % 8
	if idx < 0 {
		idx += 8
	}
	return compassPoints[idx]
}

// SquareMetersToSquareFeet converts metric provider areas to square feet.
func SquareMetersToSquareFeet(m2 float64) float64 {
	return m2 * 10.7639
}
