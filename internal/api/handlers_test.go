package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pettrack/internal/auth"
	"pettrack/internal/ble"
	"pettrack/internal/config"
	"pettrack/internal/geocode"
	"pettrack/internal/metrics"
	"pettrack/internal/model"
	"pettrack/internal/notify"
	"pettrack/internal/store"
	"pettrack/internal/tracking"
)

type fakeGeocoder struct {
	p   model.GeoPoint
	err error
}

func (g fakeGeocoder) Lookup(ctx context.Context, query string) (model.GeoPoint, error) {
	return g.p, g.err
}

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}

type testEnv struct {
	s      *Server
	h      http.Handler
	paths  *store.Memory
	broker *Broker
	alerts *alerts
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Rate.RPS = 0
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{paths: store.NewMemory(), broker: NewBroker(), alerts: &alerts{}}
	settings := store.NewSettings(store.NewMemory(), nil)
	bridge := &Bridge{Broker: env.broker}
	gate := notify.NewGate(notify.Func(func(ctx context.Context, title, message string) error {
		env.alerts.mu.Lock()
		defer env.alerts.mu.Unlock()
		env.alerts.msgs = append(env.alerts.msgs, message)
		return nil
	}), nil)
	coord := tracking.New(tracking.Options{
		Radio:     bridge,
		Connector: bridge,
		Settings:  settings,
		Notifier:  gate,
		Sink:      BrokerSink{Broker: env.broker},
		Scan:      ble.ScannerConfig{ScanWindow: time.Hour, IdleWindow: time.Hour},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	geo := fakeGeocoder{p: model.GeoPoint{Lat: 35.17, Lng: 33.36}}
	env.s = NewServer(cfg, coord, settings, env.paths, geo, nil, env.broker, nil)
	env.s.Alerts = gate
	env.s.now = func() time.Time { return time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC) }
	env.h = env.s.Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthReady(t *testing.T) {
	e := newTestEnv(t, nil)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestIngestNeedsSession(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": 33.3823})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/session/stop", nil).Code)
}

func TestLocationValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 91, "lng": 0}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/location", `{"lat":1,"lng":2,"extra":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/location", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 1, "lng": 2, "ts": "yesterday"}).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodGet, "/v1/location", nil).Code)
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodPost, "/v1/session/start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	id := decode[map[string]string](t, rr)["sessionId"]
	require.NotEmpty(t, id)

	again := decode[map[string]string](t, e.do(t, http.MethodPost, "/v1/session/start", nil))
	assert.Equal(t, id, again["sessionId"])

	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": 33.3823}).Code)
	snap := decode[map[string]any](t, e.do(t, http.MethodGet, "/v1/session", nil))
	assert.Equal(t, true, snap["active"])
	assert.Equal(t, "inside", snap["status"])
	assert.NotNil(t, snap["lastFix"])

	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/v1/session/stop", nil).Code)
	snap = decode[map[string]any](t, e.do(t, http.MethodGet, "/v1/session", nil))
	assert.Equal(t, false, snap["active"])
}

func TestGeofenceExitAlerts(t *testing.T) {
	e := newTestEnv(t, nil)
	events := e.broker.Subscribe(TopicEvents)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/session/start", nil).Code)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": 33.3823}).Code)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": 33.3856}).Code)

	require.Eventually(t, func() bool { return len(e.alerts.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{notify.MsgExited}, e.alerts.list())
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == tracking.TypeGeofenceExited {
				assert.Greater(t, evt.Data["distanceM"], 100.0)
				return
			}
		case <-deadline:
			t.Fatal("no geofence.exited event")
		}
	}
}

func TestRevokedPermissionSuppressesAlerts(t *testing.T) {
	e := newTestEnv(t, nil)
	assert.Equal(t, map[string]bool{"notifications": true}, decode[map[string]bool](t, e.do(t, http.MethodGet, "/v1/permissions", nil)))

	rr := e.do(t, http.MethodPut, "/v1/permissions", map[string]any{"notifications": false})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]bool{"notifications": false}, decode[map[string]bool](t, rr))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/v1/permissions", map[string]any{}).Code)

	suppressed := metrics.Notifications.WithLabelValues("gate", "suppressed")
	before := testutil.ToFloat64(suppressed)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/session/start", nil).Code)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": 33.3823}).Code)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": 33.3856}).Code)
	require.Eventually(t, func() bool { return testutil.ToFloat64(suppressed) > before }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/v1/permissions", map[string]any{"notifications": true}).Code)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": 33.3823}).Code)

	require.Eventually(t, func() bool { return len(e.alerts.list()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{notify.MsgReentered}, e.alerts.list())
}

func TestViewerCannotReportPermissions(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Mode: "hmac", HMACSecret: "secret"}
	})
	viewer, err := e.s.Auth.Sign("smarttag", auth.RoleViewer, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/v1/permissions", strings.NewReader(`{"notifications":false}`))
	req.Header.Set("Authorization", "Bearer "+viewer)
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.True(t, e.s.Alerts.Permitted())
}

func TestTagLinkAndPath(t *testing.T) {
	e := newTestEnv(t, nil)
	cmds := e.broker.Subscribe(TopicBridge)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/session/start", nil).Code)

	rr := e.do(t, http.MethodPost, "/v1/ble/observations", map[string]any{"observations": []map[string]any{
		{"address": "AA:BB", "rssi": -20},
		{"address": "CC:DD", "name": "Headphones", "rssi": -10},
	}})
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rr)["accepted"])

	var connect Event
	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-cmds:
				if c.Type == CmdLinkConnect {
					connect = c
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "AA:BB", connect.Data["address"])

	devs := decode[map[string][]map[string]any](t, e.do(t, http.MethodGet, "/v1/devices", nil))["items"]
	require.Len(t, devs, 2)
	assert.Equal(t, "CC:DD", devs[0]["address"])

	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/v1/ble/link", map[string]any{"address": "AA:BB", "state": "connected"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/ble/link", map[string]any{"address": "AA:BB", "state": "maybe"}).Code)

	for _, lng := range []float64{33.3823, 33.3825, 33.3827} {
		require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.1856, "lng": lng}).Code)
	}
	p := decode[map[string]any](t, e.do(t, http.MethodGet, "/v1/path", nil))
	assert.Equal(t, float64(3), p["count"])
	assert.Greater(t, p["distanceM"], 30.0)
	smoothed := decode[map[string]any](t, e.do(t, http.MethodGet, "/v1/path?smooth=5", nil))
	assert.Equal(t, float64(3), smoothed["count"])
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/path?smooth=x", nil).Code)

	rr = e.do(t, http.MethodGet, "/v1/path/export.csv", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `attachment; filename="SmartPetPath_2025-06-01.csv"`, rr.Header().Get("Content-Disposition"))
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Latitude,Longitude,Timestamp,DistanceFromPrevious", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",0.00"))

	rr = e.do(t, http.MethodPost, "/v1/path/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2025-06-01", decode[map[string]any](t, rr)["date"])
	days := decode[map[string][]string](t, e.do(t, http.MethodGet, "/v1/path/days", nil))["items"]
	assert.Equal(t, []string{"2025-06-01"}, days)

	stored := decode[map[string]any](t, e.do(t, http.MethodGet, "/v1/path?date=2025-06-01", nil))
	assert.Equal(t, float64(3), stored["count"])
	rr = e.do(t, http.MethodGet, "/v1/path/export.csv?date=2025-06-01", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Body.String(), "Latitude,Longitude,Timestamp\n"))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/path?date=2025-05-31", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/path?date=31-05-2025", nil).Code)

	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/path", nil).Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, e.do(t, http.MethodGet, "/v1/path", nil))["count"])
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/path/sync", nil).Code)
}

func TestSettingsAndGeofence(t *testing.T) {
	e := newTestEnv(t, nil)
	cur := decode[model.Settings](t, e.do(t, http.MethodGet, "/v1/settings", nil))
	assert.Equal(t, model.DefaultSettings(), cur)

	assert.Equal(t, http.StatusUnprocessableEntity, e.do(t, http.MethodPut, "/v1/settings", map[string]any{"radiusM": 10}).Code)
	rr := e.do(t, http.MethodPut, "/v1/settings", map[string]any{"radiusM": 250, "muteAlerts": true})
	require.Equal(t, http.StatusOK, rr.Code)
	cur = decode[model.Settings](t, rr)
	assert.Equal(t, 250.0, cur.RadiusM)
	assert.True(t, cur.MuteAlerts)

	rr = e.do(t, http.MethodPut, "/v1/geofence", map[string]any{"center": map[string]float64{"lat": 35.2, "lng": 33.4}, "radiusM": 80})
	require.Equal(t, http.StatusOK, rr.Code)
	cur = decode[model.Settings](t, rr)
	assert.Equal(t, model.GeoPoint{Lat: 35.2, Lng: 33.4}, cur.Center)
	assert.Equal(t, 80.0, cur.RadiusM)
	assert.Equal(t, http.StatusUnprocessableEntity, e.do(t, http.MethodPut, "/v1/geofence", map[string]any{"center": map[string]float64{"lat": 35.2, "lng": 33.4}, "radiusM": 600}).Code)
}

func TestHome(t *testing.T) {
	e := newTestEnv(t, nil)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/geofence/home", nil).Code)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/home", map[string]any{"fromCurrent": true}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/home", map[string]any{"lat": 1}).Code)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/session/start", nil).Code)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/v1/location", map[string]any{"lat": 35.19, "lng": 33.39}).Code)
	rr := e.do(t, http.MethodPost, "/v1/home", map[string]any{"fromCurrent": true})
	require.Equal(t, http.StatusOK, rr.Code)
	cur := decode[model.Settings](t, rr)
	require.NotNil(t, cur.Home)
	assert.Equal(t, model.GeoPoint{Lat: 35.19, Lng: 33.39}, *cur.Home)

	rr = e.do(t, http.MethodPost, "/v1/geofence/home", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.GeoPoint{Lat: 35.19, Lng: 33.39}, decode[model.Settings](t, rr).Center)

	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/home", nil).Code)
	assert.Nil(t, decode[model.Settings](t, e.do(t, http.MethodGet, "/v1/settings", nil)).Home)
}

func TestHomeGeocode(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodPost, "/v1/home/geocode", map[string]any{"query": "Nicosia"})
	require.Equal(t, http.StatusOK, rr.Code)
	cur := decode[model.Settings](t, e.do(t, http.MethodGet, "/v1/settings", nil))
	require.NotNil(t, cur.Home)
	assert.Equal(t, model.GeoPoint{Lat: 35.17, Lng: 33.36}, *cur.Home)

	e.s.Geocoder = fakeGeocoder{err: geocode.ErrNoResult}
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/home/geocode", map[string]any{"query": "nowhere"}).Code)
	e.s.Geocoder = fakeGeocoder{err: errors.New("upstream down")}
	assert.Equal(t, http.StatusBadGateway, e.do(t, http.MethodPost, "/v1/home/geocode", map[string]any{"query": "x"}).Code)
}

func TestHMACAuth(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Mode: "hmac", HMACSecret: "secret"}
	})
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/v1/session", nil).Code)

	viewer, err := e.s.Auth.Sign("smarttag", auth.RoleViewer, time.Minute)
	require.NoError(t, err)
	bridge, err := e.s.Auth.Sign("smarttag", auth.RoleBridge, time.Minute)
	require.NoError(t, err)

	call := func(token, method, target string, body string) int {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		e.h.ServeHTTP(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusOK, call(viewer, http.MethodGet, "/v1/session", ""))
	assert.Equal(t, http.StatusForbidden, call(viewer, http.MethodPost, "/v1/location", `{"lat":1,"lng":2}`))
	assert.Equal(t, http.StatusConflict, call(bridge, http.MethodPost, "/v1/location", `{"lat":1,"lng":2}`))
	assert.Equal(t, http.StatusUnauthorized, call("garbage", http.MethodGet, "/v1/session", ""))
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Rate = config.RateConfig{RPS: 0.001, Burst: 1} })
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/session", nil).Code)
	rr := e.do(t, http.MethodGet, "/v1/session", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodGet, "/healthz", nil)
	rr := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestDebugJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	out := decode[map[string]any](t, e.do(t, http.MethodGet, "/v1/debug", nil))
	assert.Equal(t, false, out["bridgeOnline"])
	assert.Equal(t, "smarttag", out["config"].(map[string]any)["DEVICE_ID"])
}

func TestEventsWebSocket(t *testing.T) {
	e := newTestEnv(t, nil)
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	var ack wsMessage
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "connection_ack", ack.Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "ev", Payload: json.RawMessage(`{"topic":"events","prefix":"session."}`)}))
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "cmd", Payload: json.RawMessage(`{"topic":"bridge"}`)}))
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "bad", Payload: json.RawMessage(`{"topic":"nope"}`)}))
	require.Eventually(t, e.s.BridgeOnline, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/session/start", nil).Code)

	var sawError, sawSession, sawScan bool
	for !(sawError && sawSession && sawScan) {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch {
		case msg.Type == "error" && msg.ID == "bad":
			sawError = true
		case msg.Type == "next" && msg.ID == "ev":
			var evt Event
			require.NoError(t, json.Unmarshal(msg.Payload, &evt))
			assert.True(t, strings.HasPrefix(evt.Type, "session."), evt.Type)
			if evt.Type == tracking.TypeSessionStarted {
				sawSession = true
			}
		case msg.Type == "next" && msg.ID == "cmd":
			var evt Event
			require.NoError(t, json.Unmarshal(msg.Payload, &evt))
			if evt.Type == CmdScanStart {
				sawScan = true
			}
		}
	}

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "complete", ID: "cmd"}))
	require.Eventually(t, func() bool { return !e.s.BridgeOnline() }, 2*time.Second, 5*time.Millisecond)
}
