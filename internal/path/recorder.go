// Package path records, smooths and exports the movement path of the tag.
package path

import (
	"time"

	"pettrack/internal/geo"
	"pettrack/internal/model"
)

// MinStepM is the jitter floor: a fix closer than this to the last point is dropped.
const MinStepM = 2.0

// Recorder accumulates the path of the current session.
// Not safe for concurrent use; the tracking coordinator owns it.
type Recorder struct {
	points []model.PathPoint
}

func NewRecorder() *Recorder { return &Recorder{} }

// OnLocation appends the fix when the tag is connected and the fix moved
// more than MinStepM from the last recorded point.
func (r *Recorder) OnLocation(loc model.GeoPoint, at time.Time, connected bool) bool {
	if !connected {
		return false
	}
	if n := len(r.points); n > 0 && geo.DistanceMeters(r.points[n-1].Point, loc) <= MinStepM {
		return false
	}
	r.points = append(r.points, model.PathPoint{Point: loc, At: at})
	return true
}

// Reset starts a new path at loc.
func (r *Recorder) Reset(loc model.GeoPoint, at time.Time) {
	r.points = []model.PathPoint{{Point: loc, At: at}}
}

func (r *Recorder) Clear() { r.points = nil }

func (r *Recorder) Len() int { return len(r.points) }

// Points returns a copy of the recorded path.
func (r *Recorder) Points() []model.PathPoint {
	out := make([]model.PathPoint, len(r.points))
	copy(out, r.points)
	return out
}

// Last returns the most recent point.
func (r *Recorder) Last() (model.PathPoint, bool) {
	if len(r.points) == 0 {
		return model.PathPoint{}, false
	}
	return r.points[len(r.points)-1], true
}
