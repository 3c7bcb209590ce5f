package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	msgs []string
	err  error
}

func (r *recorder) Notify(ctx context.Context, title, message string) error {
	r.msgs = append(r.msgs, message)
	return r.err
}

func TestGatePermission(t *testing.T) {
	rec := &recorder{}
	g := NewGate(rec, nil)
	ctx := context.Background()

	require.True(t, g.Permitted())
	require.NoError(t, g.Notify(ctx, Title, MsgExited))
	g.SetPermitted(false)
	require.NoError(t, g.Notify(ctx, Title, MsgReentered))
	g.SetPermitted(true)
	require.NoError(t, g.Notify(ctx, Title, MsgReentered))

	assert.Equal(t, []string{MsgExited, MsgReentered}, rec.msgs)
}

func TestGateLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	g := NewGate(&recorder{err: errors.New("offline")}, zap.New(core))
	err := g.Notify(context.Background(), Title, MsgExited)
	require.Error(t, err)
	require.Equal(t, 1, logs.FilterMessage("alert delivery failed").Len())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, NewLog(zap.New(core)).Notify(context.Background(), Title, MsgExited))
	entries := logs.FilterMessage("alert").All()
	require.Len(t, entries, 1)
	assert.Equal(t, MsgExited, entries[0].ContextMap()["message"])
}

func TestMultiJoinsErrors(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("boom")}
	err := Multi{a, b}.Notify(context.Background(), Title, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"x"}, a.msgs)
	assert.Equal(t, []string{"x"}, b.msgs)
}

func TestWebhookSignsBody(t *testing.T) {
	var gotSig, gotType string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "secret", "tag-1")
	wh.HTTP = srv.Client()
	wh.Now = func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }
	require.NoError(t, wh.Notify(context.Background(), Title, MsgExited))

	assert.Equal(t, EventType, gotType)
	assert.True(t, validSignature("secret", body, gotSig))
	var p webhookPayload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.True(t, strings.HasPrefix(p.ID, "evt_"))
	assert.Equal(t, "tag-1", p.DeviceID)
	assert.Equal(t, "2025-06-01T09:00:00Z", p.TS)
	assert.Equal(t, MsgExited, p.Data["message"])
}

func TestWebhookUnsignedWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
	}))
	defer srv.Close()
	wh := NewWebhook(srv.URL, "", "")
	require.NoError(t, wh.Notify(context.Background(), Title, MsgExited))
	assert.Empty(t, gotSig)
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	err := NewWebhook(srv.URL, "s", "").Notify(context.Background(), Title, MsgExited)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

// validSignature checks X-Signature the way a receiver would.
func validSignature(secret string, body []byte, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

func TestSignatureDependsOnSecret(t *testing.T) {
	body := []byte(`{"type":"alert"}`)
	assert.True(t, validSignature("s", body, signature("s", body)))
	assert.False(t, validSignature("s", body, signature("other", body)))
	assert.False(t, validSignature("s", body, "zz"))
	assert.NotEqual(t, signature("s", body), signature("s", []byte(`{}`)))
}
