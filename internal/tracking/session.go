package tracking

import (
	"context"
	"time"

	"pettrack/internal/ble"
	"pettrack/internal/geofence"
	"pettrack/internal/model"
	"pettrack/internal/path"
	"pettrack/internal/store"
)

// Session is the per-run tracking context. Only the coordinator loop touches it.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time

	monitor  *geofence.Monitor
	recorder *path.Recorder
	lastFix  *model.PathPoint

	scanCancel context.CancelFunc
	scanDone   chan struct{}
	sub        *store.Subscription
	subCancel  context.CancelFunc
}

func newSession(id string, at time.Time) *Session {
	return &Session{
		ID:        id,
		StartedAt: at,
		monitor:   geofence.NewMonitor(),
		recorder:  path.NewRecorder(),
	}
}

func (s *Session) Active() bool { return s != nil && s.EndedAt.IsZero() }

// Snapshot is a consistent copy of the tracking state.
type Snapshot struct {
	SessionID  string                `json:"sessionId,omitempty"`
	Active     bool                  `json:"active"`
	StartedAt  *time.Time            `json:"startedAt,omitempty"`
	Status     model.GeofenceStatus  `json:"status"`
	DistanceM  float64               `json:"distanceM"`
	Geofence   model.GeofenceConfig  `json:"geofence"`
	Muted      bool                  `json:"muted"`
	Connection model.ConnectionState `json:"connection"`
	Address    string                `json:"address,omitempty"`
	ScanPhase  string                `json:"scanPhase"`
	LastFix    *model.PathPoint      `json:"lastFix,omitempty"`
	Path       []model.PathPoint     `json:"path"`
	Devices    []ble.Device          `json:"devices"`
}
