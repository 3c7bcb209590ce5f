// Package tracking composes the geofence, scanner, arbiter and path recorder
// behind one event loop that owns all mutable tracking state.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pettrack/internal/ble"
	"pettrack/internal/metrics"
	"pettrack/internal/model"
	"pettrack/internal/notify"
	"pettrack/internal/store"
)

var (
	ErrNoSession = errors.New("no active tracking session")
	ErrStopped   = errors.New("coordinator stopped")
)

const (
	defaultInbox  = 64
	defaultEffect = 128
)

var connectionStates = []string{
	model.Idle.String(), model.Connecting.String(), model.Connected.String(), model.Disconnected.String(),
}

// Options wires the coordinator. Settings may be nil: defaults are used and
// nothing is persisted.
type Options struct {
	Radio     ble.Radio
	Connector ble.Connector
	Settings  *store.Settings
	Notifier  notify.Notifier
	Sink      EventSink
	Scan      ble.ScannerConfig
	Clock     func() time.Time
	QueueSize int
	Logger    *zap.Logger
}

type Coordinator struct {
	arbiter  *ble.Arbiter
	scanner  *ble.Scanner
	settings *store.Settings
	notifier notify.Notifier
	sink     EventSink
	clock    func() time.Time
	log      *zap.Logger

	inbox   chan envelope
	effects *effectQueue
	done    chan struct{}
	runOnce sync.Once

	// owned by the loop goroutine
	runCtx  context.Context
	session *Session
	cfg     model.Settings
}

type envelope struct {
	ev    Event
	reply chan error
}

// internal requests travel through the same inbox as sensor events
type (
	snapshotReq struct{ out *Snapshot }
	startReq    struct {
		settings  model.Settings
		sub       *store.Subscription
		subCancel context.CancelFunc
		out       *startResult
	}
	stopReq struct{ out *stopResult }
)

type startResult struct {
	id      string
	already bool
}

type stopResult struct {
	scanDone  chan struct{}
	sub       *store.Subscription
	subCancel context.CancelFunc
}

func (snapshotReq) event() {}
func (startReq) event()    {}
func (stopReq) event()     {}

func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	n := opts.Notifier
	if n == nil {
		n = notify.NewLog(log)
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultEffect
	}
	c := &Coordinator{
		arbiter:  ble.NewArbiter(opts.Connector, log.Named("arbiter")),
		settings: opts.Settings,
		notifier: n,
		sink:     opts.Sink,
		clock:    clock,
		log:      log,
		inbox:    make(chan envelope, defaultInbox),
		effects:  newEffectQueue(size, log),
		done:     make(chan struct{}),
		cfg:      model.DefaultSettings(),
	}
	c.scanner = ble.NewScanner(opts.Radio, c.arbiter, opts.Scan, log.Named("scanner"))
	c.scanner.OnPhase = c.onPhase
	metrics.SetConnectionState(model.Idle.String(), connectionStates)
	return c
}

// Run processes events until ctx is cancelled. It must be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	err := ErrStopped
	c.runOnce.Do(func() {
		err = c.run(ctx)
	})
	return err
}

func (c *Coordinator) run(ctx context.Context) error {
	defer close(c.done)
	c.runCtx = ctx
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.effects.run(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case env := <-c.inbox:
			err := c.handle(env.ev)
			if env.reply != nil {
				env.reply <- err
			}
		}
	}
}

// Submit hands ev to the loop and waits until it has been processed.
func (c *Coordinator) Submit(ctx context.Context, ev Event) error {
	env := envelope{ev: ev, reply: make(chan error, 1)}
	select {
	case c.inbox <- env:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues ev without waiting; used by goroutines the loop may wait on.
func (c *Coordinator) post(ctx context.Context, ev Event) {
	select {
	case c.inbox <- envelope{ev: ev}:
	case <-ctx.Done():
	case <-c.done:
	}
}

// Start opens a tracking session, starts the scan loop and follows settings
// changes. Starting while a session is active returns the active session ID.
// The session starts with the subscription's first delivery; later
// deliveries are queued behind the start request so they cannot be
// overwritten by it.
func (c *Coordinator) Start(ctx context.Context) (string, error) {
	cur := model.DefaultSettings()
	var sub *store.Subscription
	subCancel := func() {}
	started := make(chan struct{})
	if c.settings != nil {
		subCtx, cancel := context.WithCancel(context.Background())
		first := make(chan model.Settings, 1)
		initial := true
		var err error
		sub, err = c.settings.Subscribe(subCtx, func(s model.Settings) {
			if initial {
				initial = false
				first <- s
				select {
				case <-started:
				case <-subCtx.Done():
				}
				return
			}
			c.post(subCtx, ConfigChanged{Settings: s})
		})
		if err != nil {
			cancel()
			return "", err
		}
		subCancel = cancel
		select {
		case cur = <-first:
		case <-ctx.Done():
			cancel()
			sub.Cancel()
			return "", ctx.Err()
		}
	}
	var res startResult
	err := c.Submit(ctx, startReq{settings: cur, sub: sub, subCancel: subCancel, out: &res})
	close(started)
	if err != nil || res.already {
		subCancel()
		if sub != nil {
			sub.Cancel()
		}
	}
	return res.id, err
}

// Stop ends the session: the scanner is cancelled and waited for, location
// fixes are refused, and the settings subscription is cancelled. The tag
// connection is left as is.
func (c *Coordinator) Stop(ctx context.Context) error {
	var res stopResult
	if err := c.Submit(ctx, stopReq{out: &res}); err != nil {
		return err
	}
	res.release()
	if res.scanDone != nil {
		select {
		case <-res.scanDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r stopResult) release() {
	if r.subCancel != nil {
		r.subCancel()
	}
	if r.sub != nil {
		r.sub.Cancel()
	}
}

func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.Submit(ctx, snapshotReq{out: &s})
	return s, err
}

func (c *Coordinator) handle(ev Event) error {
	switch e := ev.(type) {
	case LocationFix:
		return c.onLocation(e)
	case BLEObservation:
		return c.onObservation(e)
	case LinkUp:
		if out, ok := c.arbiter.OnLinkUp(e.Address); ok {
			c.apply(out)
		}
		return nil
	case LinkDown:
		if out, ok := c.arbiter.OnLinkDown(e.Address); ok {
			c.apply(out)
		}
		return nil
	case ConfigChanged:
		c.onConfig(e.Settings)
		return nil
	case ClearPath:
		if c.session == nil {
			return ErrNoSession
		}
		c.session.recorder.Clear()
		metrics.PathPoints.Set(0)
		c.emit(TypePathCleared, nil)
		return nil
	case snapshotReq:
		*e.out = c.snapshot()
		return nil
	case startReq:
		return c.onStart(e)
	case stopReq:
		return c.onStop(e)
	}
	c.log.Warn("unknown event", zap.Any("event", ev))
	return nil
}

func (c *Coordinator) onStart(r startReq) error {
	if c.session.Active() {
		r.out.id, r.out.already = c.session.ID, true
		return nil
	}
	s := newSession(uuid.NewString(), c.clock())
	s.sub, s.subCancel = r.sub, r.subCancel
	c.session = s
	c.onConfig(r.settings)
	c.scanner.Forget()
	metrics.PathPoints.Set(0)

	scanCtx, cancel := context.WithCancel(c.runCtx)
	s.scanCancel, s.scanDone = cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = c.scanner.Run(scanCtx)
	}(s.scanDone)

	r.out.id = s.ID
	c.log.Info("session started", zap.String("session", s.ID))
	c.emit(TypeSessionStarted, nil)
	return nil
}

func (c *Coordinator) onStop(r stopReq) error {
	s := c.session
	if !s.Active() {
		return ErrNoSession
	}
	s.EndedAt = c.clock()
	s.scanCancel()
	*r.out = stopResult{scanDone: s.scanDone, sub: s.sub, subCancel: s.subCancel}
	s.sub, s.subCancel = nil, nil
	c.log.Info("session stopped", zap.String("session", s.ID), zap.Int("points", s.recorder.Len()))
	c.emit(TypeSessionStopped, map[string]any{"points": s.recorder.Len()})
	return nil
}

// shutdown runs on the loop when Run's context ends.
func (c *Coordinator) shutdown() {
	s := c.session
	if !s.Active() {
		return
	}
	s.EndedAt = c.clock()
	s.scanCancel()
	stopResult{sub: s.sub, subCancel: s.subCancel}.release()
	<-s.scanDone
}

func (c *Coordinator) onLocation(e LocationFix) error {
	s := c.session
	if !s.Active() {
		return ErrNoSession
	}
	at := e.At
	if at.IsZero() {
		at = c.clock()
	}
	s.lastFix = &model.PathPoint{Point: e.Point, At: at}
	metrics.LocationFixes.Inc()

	if tr, ok := s.monitor.OnLocation(e.Point, c.cfg.Geofence()); ok {
		c.onTransition(tr, e.Point, s.monitor.LastDistance())
	}
	state, _ := c.arbiter.State()
	if s.recorder.OnLocation(e.Point, at, state == model.Connected) {
		metrics.PathPoints.Set(float64(s.recorder.Len()))
		c.emit(TypePathAppended, map[string]any{"point": e.Point, "at": at, "len": s.recorder.Len()})
	}
	return nil
}

func (c *Coordinator) onTransition(tr model.Transition, p model.GeoPoint, dist float64) {
	metrics.GeofenceTransitions.WithLabelValues(tr.String()).Inc()
	data := map[string]any{"point": p, "distanceM": dist, "radiusM": c.cfg.RadiusM}
	switch tr {
	case model.ExitedZone:
		c.log.Info("pet left the zone", zap.Float64("distance_m", dist))
		c.emit(TypeGeofenceExited, data)
		c.alert(notify.MsgExited)
	case model.ReenteredZone:
		c.log.Info("pet back in the zone", zap.Float64("distance_m", dist))
		c.emit(TypeGeofenceReentered, data)
		c.alert(notify.MsgReentered)
	}
}

func (c *Coordinator) onObservation(e BLEObservation) error {
	if !c.session.Active() {
		return ErrNoSession
	}
	metrics.BLEObservations.Inc()
	obs := e.Observation
	if obs.LastSeen.IsZero() {
		obs.LastSeen = c.clock()
	}
	if !c.scanner.Observe(obs) {
		return nil
	}
	metrics.BLECandidates.Inc()
	c.emit(TypeTagCandidate, map[string]any{"address": obs.Address, "rssi": obs.RSSI})
	if out, ok := c.arbiter.OnCandidate(c.runCtx, obs.Address); ok {
		c.apply(out)
	}
	return nil
}

// apply performs the side effects an arbiter transition asks for.
func (c *Coordinator) apply(out ble.Outcome) {
	state, _ := c.arbiter.State()
	metrics.SetConnectionState(state.String(), connectionStates)
	data := map[string]any{"address": out.Address, "from": out.From.String()}
	switch out.To {
	case model.Connecting:
		c.emit(TypeTagConnecting, data)
	case model.Connected:
		c.emit(TypeTagConnected, data)
	case model.Disconnected:
		if out.Err != nil {
			data["error"] = out.Err.Error()
		}
		c.emit(TypeTagDisconnected, data)
	}
	if out.Notice != "" {
		c.alert(out.Notice)
	}
	// an ended session keeps its path and last fix as they were
	s := c.session
	if out.ResetPath && s.Active() {
		if s.lastFix != nil {
			s.recorder.Reset(s.lastFix.Point, c.clock())
		} else {
			s.recorder.Clear()
		}
		metrics.PathPoints.Set(float64(s.recorder.Len()))
		c.emit(TypePathReset, map[string]any{"len": s.recorder.Len()})
	}
	if out.PersistLastKnown && s.Active() && s.lastFix != nil && c.settings != nil {
		p := s.lastFix.Point
		c.effects.push("persist last known", func(ctx context.Context) error {
			return c.settings.SetLastKnown(ctx, p)
		})
	}
}

func (c *Coordinator) onConfig(s model.Settings) {
	c.cfg = s
}

func (c *Coordinator) onPhase(p ble.Phase) {
	typ := TypeScanStopped
	if p == ble.PhaseScanning {
		typ = TypeScanStarted
	}
	// called from the scanner goroutine, so the loop-owned session is not read
	c.publish(Update{Type: typ, At: c.clock()})
}

// alert queues msg for delivery unless alerts are muted.
func (c *Coordinator) alert(msg string) {
	if c.cfg.MuteAlerts {
		return
	}
	c.effects.push("notify", func(ctx context.Context) error {
		return c.notifier.Notify(ctx, notify.Title, msg)
	})
}

func (c *Coordinator) emit(typ string, data map[string]any) {
	u := Update{Type: typ, At: c.clock(), Data: data}
	if c.session != nil {
		u.SessionID = c.session.ID
	}
	c.publish(u)
}

func (c *Coordinator) publish(u Update) {
	if c.sink == nil {
		return
	}
	c.effects.push("emit "+u.Type, func(ctx context.Context) error {
		return c.sink.Emit(ctx, u)
	})
}

func (c *Coordinator) snapshot() Snapshot {
	state, addr := c.arbiter.State()
	out := Snapshot{
		Geofence:   c.cfg.Geofence(),
		Muted:      c.cfg.MuteAlerts,
		Connection: state,
		Address:    addr,
		ScanPhase:  c.scanner.Phase().String(),
		Path:       []model.PathPoint{},
		Devices:    c.scanner.Devices(),
	}
	if s := c.session; s != nil {
		started := s.StartedAt
		out.SessionID = s.ID
		out.Active = s.Active()
		out.StartedAt = &started
		out.Status = s.monitor.Status()
		out.DistanceM = s.monitor.LastDistance()
		out.Path = s.recorder.Points()
		if s.lastFix != nil {
			fix := *s.lastFix
			out.LastFix = &fix
		}
	}
	return out
}
