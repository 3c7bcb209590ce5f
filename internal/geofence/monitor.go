// Package geofence classifies location fixes against a circular zone and
// reports boundary crossings.
package geofence

import (
	"pettrack/internal/geo"
	"pettrack/internal/model"
)

// Monitor is a strict-threshold classifier: a fix strictly farther than the
// radius from the center is outside. There is no hysteresis band.
// Not safe for concurrent use; the tracking coordinator owns it.
type Monitor struct {
	status      model.GeofenceStatus
	initialized bool
	lastDist    float64
}

func NewMonitor() *Monitor { return &Monitor{} }

// OnLocation classifies loc and returns the crossing it caused, if any.
// The first fix only initializes the status.
func (m *Monitor) OnLocation(loc model.GeoPoint, cfg model.GeofenceConfig) (model.Transition, bool) {
	d := geo.DistanceMeters(cfg.Center, loc)
	m.lastDist = d
	outside := d > cfg.RadiusM

	if !m.initialized {
		m.initialized = true
		m.status = statusFor(outside)
		return 0, false
	}
	switch {
	case outside && m.status == model.StatusInside:
		m.status = model.StatusOutside
		return model.ExitedZone, true
	case !outside && m.status == model.StatusOutside:
		m.status = model.StatusInside
		return model.ReenteredZone, true
	}
	return 0, false
}

func (m *Monitor) Status() model.GeofenceStatus { return m.status }

// LastDistance is the distance to the center computed for the latest fix.
func (m *Monitor) LastDistance() float64 { return m.lastDist }

// Reset returns the monitor to Unknown; the next fix initializes it again.
func (m *Monitor) Reset() {
	m.status = model.StatusUnknown
	m.initialized = false
	m.lastDist = 0
}

func statusFor(outside bool) model.GeofenceStatus {
	if outside {
		return model.StatusOutside
	}
	return model.StatusInside
}
