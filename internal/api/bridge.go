package api

import (
	"context"
	"encoding/json"
	"errors"

	"pettrack/internal/tracking"
)

// Bridge command types published on TopicBridge.
const (
	CmdScanStart   = "scan.start"
	CmdScanStop    = "scan.stop"
	CmdLinkConnect = "link.connect"
)

var ErrNoBridge = errors.New("no bridge connected")

// Bridge drives the phone-side radio through broker commands. It implements
// ble.Radio and ble.Connector; results come back on the ingest endpoints.
type Bridge struct {
	Broker EventBroker
	// Online, when set, gates StartScan on a connected bridge.
	Online func() bool
}

func (b *Bridge) StartScan(ctx context.Context) error {
	if b.Online != nil && !b.Online() {
		return ErrNoBridge
	}
	b.Broker.Publish(TopicBridge, Event{Type: CmdScanStart})
	return nil
}

func (b *Bridge) StopScan() error {
	b.Broker.Publish(TopicBridge, Event{Type: CmdScanStop})
	return nil
}

func (b *Bridge) Connect(ctx context.Context, address string) error {
	if b.Online != nil && !b.Online() {
		return ErrNoBridge
	}
	b.Broker.Publish(TopicBridge, Event{Type: CmdLinkConnect, Data: map[string]any{"address": address}})
	return nil
}

// BrokerSink publishes tracking updates on TopicEvents.
type BrokerSink struct {
	Broker EventBroker
}

func (s BrokerSink) Emit(ctx context.Context, u tracking.Update) error {
	data := map[string]any{"at": u.At}
	if u.SessionID != "" {
		data["sessionId"] = u.SessionID
	}
	for k, v := range u.Data {
		data[k] = v
	}
	// round-trip through JSON so in-memory and Redis subscribers see the same shapes
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var norm map[string]any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return err
	}
	s.Broker.Publish(TopicEvents, Event{Type: u.Type, Data: norm})
	return nil
}
