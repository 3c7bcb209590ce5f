// Package api implements the HTTP and WebSocket surface of pettrackd.
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pettrack/internal/auth"
	"pettrack/internal/config"
	"pettrack/internal/geocode"
	"pettrack/internal/notify"
	"pettrack/internal/store"
	"pettrack/internal/tracking"
)

type pinger interface{ Ping(ctx context.Context) error }

type Server struct {
	Coord    *tracking.Coordinator
	Settings *store.Settings
	Paths    store.PathStore
	Geocoder geocode.Geocoder
	Auth     *auth.Verifier
	Broker   EventBroker
	Config   config.Config
	Log      *zap.Logger
	// Alerts, when set, takes the notification permission reported by the bridge.
	Alerts *notify.Gate

	loc     *time.Location
	limiter *rate.Limiter
	bridges atomic.Int32
	now     func() time.Time
}

// NewServer wires the handlers. Config supplies the device ID, the time zone
// and the rate limit.
func NewServer(cfg config.Config, coord *tracking.Coordinator, settings *store.Settings, paths store.PathStore,
	geo geocode.Geocoder, verifier *auth.Verifier, broker EventBroker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if broker == nil {
		broker = NewBroker()
	}
	if verifier == nil {
		verifier = auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret)
	}
	s := &Server{
		Coord:    coord,
		Settings: settings,
		Paths:    paths,
		Geocoder: geo,
		Auth:     verifier,
		Broker:   broker,
		Config:   cfg,
		Log:      log,
		loc:      cfg.Location(),
		now:      time.Now,
	}
	if cfg.Rate.RPS > 0 {
		burst := cfg.Rate.Burst
		if burst <= 0 {
			burst = int(cfg.Rate.RPS) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate.RPS), burst)
	}
	return s
}

// BridgeOnline reports whether a phone bridge is subscribed to commands on this process.
func (s *Server) BridgeOnline() bool { return s.bridges.Load() > 0 }

// Routes returns the root handler with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Ingest from the phone bridge
	mux.HandleFunc("/v1/location", s.requireIngest(s.LocationHandler))
	mux.HandleFunc("/v1/ble/observations", s.requireIngest(s.ObservationsHandler))
	mux.HandleFunc("/v1/ble/link", s.requireIngest(s.LinkHandler))

	// Session
	mux.HandleFunc("/v1/session/start", s.requireAuth(s.SessionStartHandler))
	mux.HandleFunc("/v1/session/stop", s.requireAuth(s.SessionStopHandler))
	mux.HandleFunc("/v1/session", s.requireAuth(s.SessionHandler))
	mux.HandleFunc("/v1/devices", s.requireAuth(s.DevicesHandler))

	// Settings
	mux.HandleFunc("/v1/settings", s.requireAuth(s.SettingsHandler))
	mux.HandleFunc("/v1/geofence", s.requireAuth(s.GeofenceHandler))
	mux.HandleFunc("/v1/geofence/home", s.requireAuth(s.GeofenceToHomeHandler))
	mux.HandleFunc("/v1/home", s.requireAuth(s.HomeHandler))
	mux.HandleFunc("/v1/home/geocode", s.requireAuth(s.HomeGeocodeHandler))
	mux.HandleFunc("/v1/permissions", s.requireAuth(s.PermissionsHandler))

	// Path
	mux.HandleFunc("/v1/path", s.requireAuth(s.PathHandler))
	mux.HandleFunc("/v1/path/days", s.requireAuth(s.PathDaysHandler))
	mux.HandleFunc("/v1/path/sync", s.requireAuth(s.PathSyncHandler))
	mux.HandleFunc("/v1/path/export.csv", s.requireAuth(s.PathExportHandler))

	// Streams
	mux.HandleFunc("/v1/events/ws", s.requireAuth(s.EventsWSHandler))

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/v1/debug", s.requireAuth(s.DebugJSON))

	return s.logMiddleware(metricsMiddleware(s.rateLimit(mux)))
}
