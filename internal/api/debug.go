package api

import (
	"net/http"
	"time"

	"pettrack/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":             c.Port,
			"DEVICE_ID":        c.DeviceID,
			"TIMEZONE":         c.Timezone,
			"AUTH_MODE":        c.Auth.Mode,
			"RATE_RPS":         c.Rate.RPS,
			"RATE_BURST":       c.Rate.Burst,
			"SCAN_WINDOW":      c.Scan.Window.String(),
			"IDLE_WINDOW":      c.Scan.Idle.String(),
			"HAS_DATABASE_URL": c.DatabaseURL != "",
			"HAS_REDIS_URL":    c.RedisURL != "",
			"HAS_WEBHOOK_URL":  c.Webhook.URL != "",
		},
		"bridgeOnline": s.BridgeOnline(),
	})
}
