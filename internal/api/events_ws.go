package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event streaming over WebSocket, framed like graphql-transport-ws:
// connection_init/connection_ack, subscribe/next/complete, ping/pong.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsReadTimeout = 60 * time.Second
	wsKeepalive   = 20 * time.Second
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Topic string `json:"topic"`
	// Prefix filters events by type, e.g. "geofence." or "tag.".
	Prefix string `json:"prefix"`
}

// EventsWSHandler handles /v1/events/ws. Viewers may subscribe to the events
// topic; the bridge topic carries radio commands and needs the bridge role.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	pr := principalFrom(r)

	type sub struct {
		topic string
		ch    chan Event
	}
	subs := map[string]sub{}
	done := make(chan struct{})
	var wg sync.WaitGroup

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) })

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		payload, _ := json.Marshal(map[string]string{"message": msg})
		_ = write(wsMessage{Type: "error", ID: id, Payload: payload})
		_ = write(wsMessage{Type: "complete", ID: id})
	}
	unsubscribe := func(id string) {
		if s0, ok := subs[id]; ok {
			s.Broker.Unsubscribe(s0.topic, s0.ch)
			if s0.topic == TopicBridge {
				s.bridges.Add(-1)
			}
			delete(subs, id)
		}
	}

	initialized := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "connection_init":
			if initialized {
				continue
			}
			initialized = true
			_ = write(wsMessage{Type: "connection_ack"})
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(wsKeepalive)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if !initialized {
				fail(msg.ID, "connection_init required")
				continue
			}
			if msg.ID == "" {
				fail("", "id required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				fail(msg.ID, "subscription id already in use")
				continue
			}
			var pl subscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &pl); err != nil {
					fail(msg.ID, "invalid payload")
					continue
				}
			}
			if pl.Topic == "" {
				pl.Topic = TopicEvents
			}
			switch pl.Topic {
			case TopicEvents:
			case TopicBridge:
				if !pr.CanIngest() {
					fail(msg.ID, "forbidden")
					continue
				}
			default:
				fail(msg.ID, "unknown topic "+pl.Topic)
				continue
			}
			ch := s.Broker.Subscribe(pl.Topic)
			subs[msg.ID] = sub{topic: pl.Topic, ch: ch}
			if pl.Topic == TopicBridge {
				s.bridges.Add(1)
				s.Log.Info("bridge attached", zap.String("device_id", pr.DeviceID))
			}
			wg.Add(1)
			go func(id, prefix string, c chan Event) {
				defer wg.Done()
				for evt := range c {
					if prefix != "" && !strings.HasPrefix(evt.Type, prefix) {
						continue
					}
					payload, _ := json.Marshal(evt)
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, pl.Prefix, ch)
		case "complete":
			unsubscribe(msg.ID)
		default:
			// ignore
		}
	}
	close(done)
	for id := range subs {
		unsubscribe(id)
	}
	wg.Wait()
}
