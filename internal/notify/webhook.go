package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pettrack/internal/metrics"
)

// EventType is sent in X-Event-Type with every webhook alert.
const EventType = "alert"

// Webhook posts alerts as signed JSON to a single URL.
type Webhook struct {
	URL      string
	Secret   string
	DeviceID string
	HTTP     *http.Client
	Now      func() time.Time
}

func NewWebhook(url, secret, deviceID string) *Webhook {
	return &Webhook{URL: url, Secret: secret, DeviceID: deviceID, HTTP: &http.Client{Timeout: 5 * time.Second}, Now: time.Now}
}

type webhookPayload struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	DeviceID string            `json:"deviceId,omitempty"`
	TS       string            `json:"ts"`
	Data     map[string]string `json:"data"`
}

func (w *Webhook) Notify(ctx context.Context, title, message string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	body, err := json.Marshal(webhookPayload{
		ID:       "evt_" + uuid.NewString(),
		Type:     EventType,
		DeviceID: w.DeviceID,
		TS:       now().UTC().Format(time.RFC3339),
		Data:     map[string]string{"title": title, "message": message},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", EventType)
	if w.Secret != "" {
		req.Header.Set("X-Signature", signature(w.Secret, body))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		metrics.Notifications.WithLabelValues("webhook", "failed").Inc()
		return fmt.Errorf("webhook post: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Notifications.WithLabelValues("webhook", "failed").Inc()
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	metrics.Notifications.WithLabelValues("webhook", "sent").Inc()
	return nil
}

// signature is the lowercase hex HMAC-SHA256 of body under secret.
func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
