package ble

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"pettrack/internal/model"
)

const (
	MsgConnected    = "SmartTag connected!"
	MsgDisconnected = "SmartTag disconnected"
)

// Connector starts a link attempt to address. It must return promptly; the
// outcome is reported later through Arbiter.OnLinkUp / OnLinkDown.
type Connector interface {
	Connect(ctx context.Context, address string) error
}

// Outcome describes a state change and the side effects the caller must perform.
type Outcome struct {
	From    model.ConnectionState `json:"from"`
	To      model.ConnectionState `json:"to"`
	Address string                `json:"address"`
	// Notice is the alert text to deliver, empty for none.
	Notice string `json:"notice,omitempty"`
	// ResetPath asks for the path to restart at the current location.
	ResetPath bool `json:"resetPath,omitempty"`
	// PersistLastKnown asks for the current location to be saved as last known.
	PersistLastKnown bool  `json:"persistLastKnown,omitempty"`
	Err              error `json:"-"`
}

// Arbiter enforces a single active tag connection. The lock is taken the
// moment a candidate is accepted, before the connector runs, and released
// only on disconnect. There is no timeout on Connecting.
type Arbiter struct {
	conn Connector
	log  *zap.Logger

	mu      sync.Mutex
	state   model.ConnectionState
	address string
}

func NewArbiter(conn Connector, log *zap.Logger) *Arbiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Arbiter{conn: conn, log: log}
}

// InFlight reports whether an address holds the arbitration lock.
func (a *Arbiter) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == model.Connecting || a.state == model.Connected
}

// State returns the connection state and the locked address, if any.
func (a *Arbiter) State() (model.ConnectionState, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.address
}

// OnCandidate tries to take the lock for address and start a connection.
// It reports false when another arbitration already holds the lock.
func (a *Arbiter) OnCandidate(ctx context.Context, address string) (Outcome, bool) {
	a.mu.Lock()
	if a.state == model.Connecting || a.state == model.Connected {
		held := a.address
		a.mu.Unlock()
		a.log.Debug("candidate ignored, arbitration in flight", zap.String("address", address), zap.String("holder", held))
		return Outcome{}, false
	}
	from := a.state
	a.state = model.Connecting
	a.address = address
	a.mu.Unlock()

	a.log.Info("connecting to tag", zap.String("address", address))
	if err := a.conn.Connect(ctx, address); err != nil {
		a.log.Warn("connect failed", zap.String("address", address), zap.Error(err))
		out, _ := a.OnLinkDown(address)
		out.Err = err
		return out, true
	}
	return Outcome{From: from, To: model.Connecting, Address: address}, true
}

// OnLinkUp confirms the link for the locked address.
func (a *Arbiter) OnLinkUp(address string) (Outcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != model.Connecting || a.address != address {
		return Outcome{}, false
	}
	a.state = model.Connected
	a.log.Info("tag connected", zap.String("address", address))
	return Outcome{From: model.Connecting, To: model.Connected, Address: address, Notice: MsgConnected, ResetPath: true}, true
}

// OnLinkDown handles link loss or failure for the locked address and releases the lock.
func (a *Arbiter) OnLinkDown(address string) (Outcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if (a.state != model.Connecting && a.state != model.Connected) || a.address != address {
		return Outcome{}, false
	}
	from := a.state
	// Disconnected is transient: the arbiter is immediately ready for the next candidate.
	a.state = model.Idle
	a.address = ""
	a.log.Info("tag disconnected", zap.String("address", address), zap.Stringer("from", from))
	return Outcome{From: from, To: model.Disconnected, Address: address, Notice: MsgDisconnected, PersistLastKnown: true}, true
}
