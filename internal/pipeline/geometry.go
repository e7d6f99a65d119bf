package pipeline

import (
	"math"

	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/estimator"
)

const metersPerDegreeLat = 111320.0

// boundingBox returns [minLng, minLat, maxLng, maxLat] for a square buffer of
// the given radius in meters around a coordinate.
func boundingBox(lat, lng, bufferMeters float64) [4]float64 {
	dLat := bufferMeters / metersPerDegreeLat
	dLng := bufferMeters / (metersPerDegreeLat * math.Cos(lat*math.Pi/180))

	b := geom.NewBounds(geom.XY)
	b.Set(lng-dLng, lat-dLat, lng+dLng, lat+dLat)
	return [4]float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}
}

// outlineAreaSqFt computes the ground area of a roof outline given in pixel
// coordinates, scaled by the imagery's ground sample distance. Malformed
// outlines contribute zero area.
func outlineAreaSqFt(outline [][]float64, gsdMeters float64) float64 {
	if len(outline) < 3 || gsdMeters <= 0 {
		return 0
	}

	flat := make([]float64, 0, (len(outline)+1)*2)
	for _, pt := range outline {
		if len(pt) < 2 {
			return 0
		}
		flat = append(flat, pt[0], pt[1])
	}
	// Close the ring if the segmenter left it open.
	if flat[0] != flat[len(flat)-2] || flat[1] != flat[len(flat)-1] {
		flat = append(flat, flat[0], flat[1])
	}

	ring := geom.NewLinearRingFlat(geom.XY, flat)
	poly := geom.NewPolygon(geom.XY)
	if err := poly.Push(ring); err != nil {
		zap.L().Debug("pipeline: skipping malformed roof outline", zap.Error(err))
		return 0
	}

	areaPx := math.Abs(poly.Area())
	areaM2 := areaPx * gsdMeters * gsdMeters
	return estimator.SquareMetersToSquareFeet(areaM2)
}
