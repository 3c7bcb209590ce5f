// Package main tails the pettrackd event stream over WebSocket.
//
//	PORT=8080 TOKEN=... go run ./scripts -prefix geofence. -start
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	topic := flag.String("topic", "events", "topic to follow: events or bridge")
	prefix := flag.String("prefix", "", "only print events whose type starts with this")
	start := flag.Bool("start", false, "start a tracking session before tailing")
	flag.Parse()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	hdr := http.Header{}
	if tok := os.Getenv("TOKEN"); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/events/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"topic": *topic, "prefix": *prefix})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	if *start {
		req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://localhost:%s/v1/session/start", port), nil)
		req.Header = hdr.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		_ = resp.Body.Close()
		log.Printf("session start: %s", resp.Status)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			switch m.Type {
			case "ping":
				_ = c.WriteJSON(wsMessage{Type: "pong"})
			case "next":
				log.Printf("%s", m.Payload)
			default:
				log.Printf("WS <- %s %s", m.Type, m.Payload)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	select {
	case <-sig:
		_ = c.WriteJSON(wsMessage{Type: "complete", ID: "1"})
	case <-done:
	}
}
