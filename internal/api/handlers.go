package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pettrack/internal/geo"
	"pettrack/internal/geocode"
	"pettrack/internal/model"
	"pettrack/internal/path"
	"pettrack/internal/store"
	"pettrack/internal/tracking"
)

// trackingProblem maps coordinator errors to problem responses.
func trackingProblem(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tracking.ErrNoSession):
		writeProblem(w, http.StatusConflict, "No active session", err.Error(), r.URL.Path)
	case errors.Is(err, tracking.ErrStopped):
		writeProblem(w, http.StatusServiceUnavailable, "Tracking stopped", err.Error(), r.URL.Path)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, http.StatusServiceUnavailable, "Request cancelled", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Tracking failed", err.Error(), r.URL.Path)
	}
}

func validPoint(p model.GeoPoint) error {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("coordinates out of range: %v,%v", p.Lat, p.Lng)
	}
	return nil
}

func parseTS(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, ts)
}

// LocationHandler handles POST /v1/location
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
		TS  string  `json:"ts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	p := model.GeoPoint{Lat: req.Lat, Lng: req.Lng}
	if err := validPoint(p); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid location", err.Error(), r.URL.Path)
		return
	}
	at, err := parseTS(req.TS)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid timestamp", err.Error(), r.URL.Path)
		return
	}
	if err := s.Coord.Submit(r.Context(), tracking.LocationFix{Point: p, At: at}); err != nil {
		trackingProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// ObservationsHandler handles POST /v1/ble/observations
func (s *Server) ObservationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Observations []struct {
			Address string `json:"address"`
			Name    string `json:"name"`
			RSSI    int    `json:"rssi"`
			TS      string `json:"ts"`
		} `json:"observations"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	obs := make([]model.DeviceObservation, 0, len(req.Observations))
	for i, o := range req.Observations {
		if strings.TrimSpace(o.Address) == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid observation", fmt.Sprintf("observation %d: address required", i), r.URL.Path)
			return
		}
		at, err := parseTS(o.TS)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid timestamp", fmt.Sprintf("observation %d: %v", i, err), r.URL.Path)
			return
		}
		obs = append(obs, model.DeviceObservation{Address: o.Address, DisplayName: o.Name, RSSI: o.RSSI, LastSeen: at})
	}
	for _, o := range obs {
		if err := s.Coord.Submit(r.Context(), tracking.BLEObservation{Observation: o}); err != nil {
			trackingProblem(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(obs)})
}

// LinkHandler handles POST /v1/ble/link
func (s *Server) LinkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Address string `json:"address"`
		State   string `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	var ev tracking.Event
	switch strings.ToLower(req.State) {
	case "connected":
		ev = tracking.LinkUp{Address: req.Address}
	case "disconnected", "failed":
		ev = tracking.LinkDown{Address: req.Address}
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid link state", "state must be connected or disconnected", r.URL.Path)
		return
	}
	if err := s.Coord.Submit(r.Context(), ev); err != nil {
		trackingProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionStartHandler handles POST /v1/session/start
func (s *Server) SessionStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := s.Coord.Start(r.Context())
	if err != nil {
		trackingProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

// SessionStopHandler handles POST /v1/session/stop
func (s *Server) SessionStopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Coord.Stop(r.Context()); err != nil {
		trackingProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionHandler handles GET /v1/session
func (s *Server) SessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.Coord.Snapshot(r.Context())
	if err != nil {
		trackingProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// DevicesHandler handles GET /v1/devices
func (s *Server) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.Coord.Snapshot(r.Context())
	if err != nil {
		trackingProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": snap.Devices})
}

// SettingsHandler handles GET/PUT /v1/settings
func (s *Server) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req struct {
			MuteAlerts *bool           `json:"muteAlerts"`
			RadiusM    *float64        `json:"radiusM"`
			Center     *model.GeoPoint `json:"center"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.RadiusM != nil {
			if err := model.ValidateRadius(*req.RadiusM); err != nil {
				writeProblem(w, http.StatusUnprocessableEntity, "Invalid radius", err.Error(), r.URL.Path)
				return
			}
		}
		if req.Center != nil {
			if err := validPoint(*req.Center); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid center", err.Error(), r.URL.Path)
				return
			}
		}
		ctx := r.Context()
		var err error
		if req.MuteAlerts != nil {
			err = s.Settings.SetMuteAlerts(ctx, *req.MuteAlerts)
		}
		if err == nil && req.RadiusM != nil {
			err = s.Settings.SetRadius(ctx, *req.RadiusM)
		}
		if err == nil && req.Center != nil {
			err = s.Settings.SetCenter(ctx, *req.Center)
		}
		if err != nil {
			writeProblem(w, http.StatusBadGateway, "Save settings failed", err.Error(), r.URL.Path)
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.writeSettings(w, r)
}

func (s *Server) writeSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.Settings.Load(r.Context())
	if err != nil {
		writeProblem(w, http.StatusBadGateway, "Load settings failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// GeofenceHandler handles PUT /v1/geofence
func (s *Server) GeofenceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.GeofenceConfig
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := req.Validate(); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid geofence", err.Error(), r.URL.Path)
		return
	}
	if err := validPoint(req.Center); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid center", err.Error(), r.URL.Path)
		return
	}
	if err := s.Settings.SetCenter(r.Context(), req.Center); err != nil {
		writeProblem(w, http.StatusBadGateway, "Save geofence failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.Settings.SetRadius(r.Context(), req.RadiusM); err != nil {
		writeProblem(w, http.StatusBadGateway, "Save geofence failed", err.Error(), r.URL.Path)
		return
	}
	s.writeSettings(w, r)
}

// GeofenceToHomeHandler handles POST /v1/geofence/home: moves the center to the home location.
func (s *Server) GeofenceToHomeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cur, err := s.Settings.Load(r.Context())
	if err != nil {
		writeProblem(w, http.StatusBadGateway, "Load settings failed", err.Error(), r.URL.Path)
		return
	}
	if cur.Home == nil {
		writeProblem(w, http.StatusConflict, "No home location set", "", r.URL.Path)
		return
	}
	if err := s.Settings.SetCenter(r.Context(), *cur.Home); err != nil {
		writeProblem(w, http.StatusBadGateway, "Save geofence failed", err.Error(), r.URL.Path)
		return
	}
	s.writeSettings(w, r)
}

// HomeHandler handles POST/DELETE /v1/home. POST takes {lat,lng} or
// {"fromCurrent":true} to use the latest fix.
func (s *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Lat         *float64 `json:"lat"`
			Lng         *float64 `json:"lng"`
			FromCurrent bool     `json:"fromCurrent"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		var home model.GeoPoint
		switch {
		case req.FromCurrent:
			snap, err := s.Coord.Snapshot(r.Context())
			if err != nil {
				trackingProblem(w, r, err)
				return
			}
			if snap.LastFix == nil {
				writeProblem(w, http.StatusConflict, "No current location", "no location fix received yet", r.URL.Path)
				return
			}
			home = snap.LastFix.Point
		case req.Lat != nil && req.Lng != nil:
			home = model.GeoPoint{Lat: *req.Lat, Lng: *req.Lng}
		default:
			writeProblem(w, http.StatusBadRequest, "Invalid home", "lat and lng or fromCurrent required", r.URL.Path)
			return
		}
		if err := validPoint(home); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid home", err.Error(), r.URL.Path)
			return
		}
		if err := s.Settings.SetHome(r.Context(), home); err != nil {
			writeProblem(w, http.StatusBadGateway, "Save home failed", err.Error(), r.URL.Path)
			return
		}
		s.writeSettings(w, r)
	case http.MethodDelete:
		if err := s.Settings.ClearHome(r.Context()); err != nil {
			writeProblem(w, http.StatusBadGateway, "Clear home failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HomeGeocodeHandler handles POST /v1/home/geocode
func (s *Server) HomeGeocodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Geocoder == nil {
		writeProblem(w, http.StatusNotImplemented, "Geocoding disabled", "", r.URL.Path)
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	p, err := s.Geocoder.Lookup(r.Context(), req.Query)
	if errors.Is(err, geocode.ErrNoResult) {
		writeProblem(w, http.StatusNotFound, "Address not found", req.Query, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusBadGateway, "Geocoding failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.Settings.SetHome(r.Context(), p); err != nil {
		writeProblem(w, http.StatusBadGateway, "Save home failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"home": p, "query": req.Query})
}

// PermissionsHandler handles GET/PUT /v1/permissions. The bridge reports
// whether the phone grants notification delivery; alerts are dropped while
// it does not.
func (s *Server) PermissionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Alerts == nil {
		writeProblem(w, http.StatusNotImplemented, "Alert gate not configured", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		if !principalFrom(r).CanIngest() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "bridge role required", r.URL.Path)
			return
		}
		var req struct {
			Notifications *bool `json:"notifications"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.Notifications == nil {
			writeProblem(w, http.StatusBadRequest, "Invalid permissions", "notifications required", r.URL.Path)
			return
		}
		s.Alerts.SetPermitted(*req.Notifications)
		s.Log.Info("notification permission reported", zap.Bool("permitted", *req.Notifications))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"notifications": s.Alerts.Permitted()})
}

// loadPath returns the session path, or the stored path of ?date= when given.
func (s *Server) loadPath(r *http.Request) ([]model.PathPoint, string, error) {
	day := r.URL.Query().Get("date")
	if day == "" {
		snap, err := s.Coord.Snapshot(r.Context())
		if err != nil {
			return nil, "", err
		}
		return snap.Path, "", nil
	}
	if _, err := time.Parse(path.DayLayout, day); err != nil {
		return nil, day, errBadDate
	}
	recs, err := s.Paths.LoadPath(r.Context(), s.Config.DeviceID, day)
	if err != nil {
		return nil, day, err
	}
	pts, err := path.FromRecords(recs, s.loc)
	return pts, day, err
}

var errBadDate = errors.New("date must be YYYY-MM-DD")

func (s *Server) pathProblem(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBadDate):
		writeProblem(w, http.StatusBadRequest, "Invalid date", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "No path for date", err.Error(), r.URL.Path)
	case errors.Is(err, tracking.ErrStopped):
		trackingProblem(w, r, err)
	default:
		writeProblem(w, http.StatusBadGateway, "Load path failed", err.Error(), r.URL.Path)
	}
}

// PathHandler handles GET/DELETE /v1/path
func (s *Server) PathHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		pts, day, err := s.loadPath(r)
		if err != nil {
			s.pathProblem(w, r, err)
			return
		}
		if v, ok := r.URL.Query()["smooth"]; ok {
			window := 0
			if len(v) > 0 && v[0] != "" {
				if window, err = strconv.Atoi(v[0]); err != nil || window < 0 {
					writeProblem(w, http.StatusBadRequest, "Invalid smooth window", v[0], r.URL.Path)
					return
				}
			}
			pts = path.Smooth(pts, window)
		}
		line := make([]model.GeoPoint, len(pts))
		for i, p := range pts {
			line[i] = p.Point
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"date":      day,
			"count":     len(pts),
			"distanceM": geo.PathLength(line),
			"points":    pts,
		})
	case http.MethodDelete:
		if err := s.Coord.Submit(r.Context(), tracking.ClearPath{}); err != nil {
			trackingProblem(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// PathDaysHandler handles GET /v1/path/days
func (s *Server) PathDaysHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	days, err := s.Paths.ListDays(r.Context(), s.Config.DeviceID)
	if err != nil {
		writeProblem(w, http.StatusBadGateway, "List days failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": days})
}

// PathSyncHandler handles POST /v1/path/sync: uploads the session path as today's path.
func (s *Server) PathSyncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.Coord.Snapshot(r.Context())
	if err != nil {
		trackingProblem(w, r, err)
		return
	}
	if len(snap.Path) == 0 {
		writeProblem(w, http.StatusConflict, "Nothing to sync", "the path is empty", r.URL.Path)
		return
	}
	day := path.Day(s.now(), s.loc)
	recs := path.ToRecords(snap.Path, s.loc)
	if err := s.Paths.SavePath(r.Context(), s.Config.DeviceID, day, recs); err != nil {
		writeProblem(w, http.StatusBadGateway, "Sync path failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day, "count": len(recs)})
}

// PathExportHandler handles GET /v1/path/export.csv
func (s *Server) PathExportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pts, day, err := s.loadPath(r)
	if err != nil {
		s.pathProblem(w, r, err)
		return
	}
	// stored days export plain; the live path carries segment distances
	withDistance := day == ""
	if day == "" {
		day = path.Day(s.now(), s.loc)
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="SmartPetPath_%s.csv"`, day))
	if err := path.WriteCSV(w, path.ToRecords(pts, s.loc), withDistance); err != nil {
		s.Log.Sugar().Warnw("csv export failed", "error", err)
	}
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler checks the remote backends that support Ping.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	for _, dep := range []any{s.Paths, s.Broker} {
		if p, ok := dep.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
				return
			}
		}
	}
	if _, err := s.Settings.Load(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
