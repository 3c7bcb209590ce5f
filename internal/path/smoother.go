package path

import "pettrack/internal/model"

// DefaultWindow is the smoothing window used when none is requested.
const DefaultWindow = 5

// Smooth applies a centered moving average to latitude and longitude.
// The window narrows at the ends instead of wrapping or padding, and the
// i-th timestamp is kept as is. Paths no longer than the window are
// returned unchanged. Smoothing an already smoothed path changes it again.
func Smooth(points []model.PathPoint, window int) []model.PathPoint {
	if window <= 0 {
		window = DefaultWindow
	}
	n := len(points)
	if n <= window {
		return points
	}
	half := window / 2
	out := make([]model.PathPoint, n)
	for i := range points {
		start := max(0, i-half)
		end := min(n-1, i+half)
		var lat, lng float64
		for _, p := range points[start : end+1] {
			lat += p.Point.Lat
			lng += p.Point.Lng
		}
		cnt := float64(end - start + 1)
		out[i] = model.PathPoint{
			Point: model.GeoPoint{Lat: lat / cnt, Lng: lng / cnt},
			At:    points[i].At,
		}
	}
	return out
}
