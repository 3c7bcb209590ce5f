package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the daemon
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	LocationFixes = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pettrack_location_fixes_total", Help: "Location fixes processed by the coordinator."},
	)
	// GeofenceTransitions counts boundary crossings by direction
	GeofenceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pettrack_geofence_transitions_total", Help: "Geofence transitions by direction."},
		[]string{"direction"},
	)
	BLEObservations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pettrack_ble_observations_total", Help: "BLE advertisements observed."},
	)
	BLECandidates = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pettrack_ble_candidates_total", Help: "Observations that qualified as tag candidates."},
	)
	// ConnectionState is 1 for the current arbiter state label and 0 for the others
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pettrack_connection_state", Help: "Current tag connection state."},
		[]string{"state"},
	)
	PathPoints = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pettrack_path_points", Help: "Points in the current session path."},
	)
	// Notifications counts alert outcomes by status (sent, muted, failed)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pettrack_notifications_total", Help: "Notifications by sink and status."},
		[]string{"sink", "status"},
	)
	// EffectsDropped counts side effects dropped because the queue was full
	EffectsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pettrack_effects_dropped_total", Help: "Side effects dropped on a full queue."},
	)
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(LocationFixes)
		Registry.MustRegister(GeofenceTransitions)
		Registry.MustRegister(BLEObservations)
		Registry.MustRegister(BLECandidates)
		Registry.MustRegister(ConnectionState)
		Registry.MustRegister(PathPoints)
		Registry.MustRegister(Notifications)
		Registry.MustRegister(EffectsDropped)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// SetConnectionState marks state as the only active label.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
