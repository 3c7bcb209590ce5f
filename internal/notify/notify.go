// Package notify delivers user alerts. Delivery is best effort: a failure is
// logged and dropped, never retried. Muting is decided by the caller.
package notify

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"pettrack/internal/metrics"
)

// Title is the heading carried by every alert.
const Title = "SmartPet Tracker"

const (
	MsgExited    = "Pet exited the zone!"
	MsgReentered = "Pet re-entered the safe zone!"
)

type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Gate drops alerts while delivery is not permitted, the way the platform
// drops them when notification permission is revoked.
type Gate struct {
	next      Notifier
	log       *zap.Logger
	permitted atomic.Bool
}

func NewGate(next Notifier, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gate{next: next, log: log}
	g.permitted.Store(true)
	return g
}

func (g *Gate) SetPermitted(v bool) { g.permitted.Store(v) }
func (g *Gate) Permitted() bool     { return g.permitted.Load() }

func (g *Gate) Notify(ctx context.Context, title, message string) error {
	if !g.permitted.Load() {
		metrics.Notifications.WithLabelValues("gate", "suppressed").Inc()
		g.log.Debug("alert suppressed, delivery not permitted", zap.String("message", message))
		return nil
	}
	if err := g.next.Notify(ctx, title, message); err != nil {
		g.log.Warn("alert delivery failed", zap.String("message", message), zap.Error(err))
		return err
	}
	return nil
}

// Log writes alerts to the structured log.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) Notify(ctx context.Context, title, message string) error {
	l.log.Info("alert", zap.String("title", title), zap.String("message", message))
	metrics.Notifications.WithLabelValues("log", "sent").Inc()
	return nil
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, title, message string) error

func (f Func) Notify(ctx context.Context, title, message string) error { return f(ctx, title, message) }
