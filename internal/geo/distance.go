// Package geo holds the geodesic and radio-range primitives shared by the
// tracking core.
package geo

import (
	"math"

	"pettrack/internal/model"
)

// EarthRadiusM is the mean Earth radius used by the haversine formula.
const EarthRadiusM = 6371000.0

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b model.GeoPoint) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	// floating point can push h slightly outside [0,1] near antipodes
	h = math.Min(1, math.Max(0, h))
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// SegmentDistances returns the distance between each consecutive pair of points.
func SegmentDistances(points []model.GeoPoint) []float64 {
	if len(points) < 2 {
		return nil
	}
	out := make([]float64, len(points)-1)
	for i := 1; i < len(points); i++ {
		out[i-1] = DistanceMeters(points[i-1], points[i])
	}
	return out
}

// PathLength sums the consecutive segment distances.
func PathLength(points []model.GeoPoint) float64 {
	total := 0.0
	for _, d := range SegmentDistances(points) {
		total += d
	}
	return total
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
