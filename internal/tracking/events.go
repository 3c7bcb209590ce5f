package tracking

import (
	"context"
	"time"

	"pettrack/internal/model"
)

// Event is an inbound message for the coordinator loop.
type Event interface{ event() }

type LocationFix struct {
	Point model.GeoPoint
	// At defaults to the coordinator clock when zero.
	At time.Time
}

type BLEObservation struct {
	Observation model.DeviceObservation
}

// LinkUp reports that the platform established the GATT link.
type LinkUp struct{ Address string }

// LinkDown reports link loss or a failed connection attempt.
type LinkDown struct{ Address string }

type ConfigChanged struct{ Settings model.Settings }

type ClearPath struct{}

func (LocationFix) event()    {}
func (BLEObservation) event() {}
func (LinkUp) event()         {}
func (LinkDown) event()       {}
func (ConfigChanged) event()  {}
func (ClearPath) event()      {}

// Outbound update types published to the EventSink.
const (
	TypeGeofenceExited    = "geofence.exited"
	TypeGeofenceReentered = "geofence.reentered"
	TypeTagCandidate      = "tag.candidate"
	TypeTagConnecting     = "tag.connecting"
	TypeTagConnected      = "tag.connected"
	TypeTagDisconnected   = "tag.disconnected"
	TypePathAppended      = "path.appended"
	TypePathReset         = "path.reset"
	TypePathCleared       = "path.cleared"
	TypeScanStarted       = "scan.started"
	TypeScanStopped       = "scan.stopped"
	TypeSessionStarted    = "session.started"
	TypeSessionStopped    = "session.stopped"
)

// Update is one processed-event notification.
type Update struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

type EventSink interface {
	Emit(ctx context.Context, u Update) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, u Update) error

func (f SinkFunc) Emit(ctx context.Context, u Update) error { return f(ctx, u) }
