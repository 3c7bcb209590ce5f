// Package ble runs the duty-cycled proximity scan and arbitrates the single
// tag connection.
package ble

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pettrack/internal/geo"
	"pettrack/internal/model"
)

const (
	DefaultScanWindow = 4 * time.Second
	DefaultIdleWindow = 6 * time.Second
	// CandidateRSSI is the strength a tag must exceed to count as "very close" (under ~1 m).
	CandidateRSSI = -30
)

// Radio is the platform BLE scanner. StartScan and StopScan calls are always paired.
type Radio interface {
	StartScan(ctx context.Context) error
	StopScan() error
}

// ArbitrationGate reports whether a connection attempt currently holds the lock.
type ArbitrationGate interface {
	InFlight() bool
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
)

func (p Phase) String() string {
	if p == PhaseScanning {
		return "scanning"
	}
	return "idle"
}

type ScannerConfig struct {
	ScanWindow time.Duration
	IdleWindow time.Duration
	TxPower    int
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	if c.ScanWindow <= 0 {
		c.ScanWindow = DefaultScanWindow
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = DefaultIdleWindow
	}
	if c.TxPower == 0 {
		c.TxPower = geo.DefaultTxPower
	}
	return c
}

// Device is a device table row with its estimated range.
type Device struct {
	model.DeviceObservation
	DistanceM float64 `json:"distanceM"`
	Candidate bool    `json:"candidate"`
}

// Scanner alternates scan and idle windows and keeps the table of observed devices.
type Scanner struct {
	radio Radio
	gate  ArbitrationGate
	cfg   ScannerConfig
	log   *zap.Logger

	// OnPhase, when set, is called after every phase change from the Run goroutine.
	OnPhase func(Phase)

	mu      sync.Mutex
	phase   Phase
	devices map[string]model.DeviceObservation
}

func NewScanner(radio Radio, gate ArbitrationGate, cfg ScannerConfig, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		radio:   radio,
		gate:    gate,
		cfg:     cfg.withDefaults(),
		log:     log,
		devices: map[string]model.DeviceObservation{},
	}
}

// Run drives the duty cycle until ctx is cancelled. A scan in progress is
// stopped before Run returns.
func (s *Scanner) Run(ctx context.Context) error {
	for {
		if err := s.scanOnce(ctx); err != nil {
			return err
		}
		if !sleep(ctx, s.cfg.IdleWindow) {
			return ctx.Err()
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.radio.StartScan(ctx); err != nil {
		// BLE off or permission missing: skip this window, retry next cycle
		s.log.Warn("scan start failed", zap.Error(err))
		return ctx.Err()
	}
	s.setPhase(PhaseScanning)
	sleep(ctx, s.cfg.ScanWindow)
	if err := s.radio.StopScan(); err != nil {
		s.log.Warn("scan stop failed", zap.Error(err))
	}
	s.setPhase(PhaseIdle)
	return ctx.Err()
}

func (s *Scanner) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	if s.OnPhase != nil {
		s.OnPhase(p)
	}
}

func (s *Scanner) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Observe upserts obs into the device table and reports whether it is a
// connection candidate: unnamed, stronger than CandidateRSSI, and no
// arbitration in flight.
func (s *Scanner) Observe(obs model.DeviceObservation) bool {
	obs = obs.Normalized()
	if obs.Address == "" {
		return false
	}
	s.mu.Lock()
	s.devices[obs.Address] = obs
	s.mu.Unlock()
	return isCandidate(obs) && (s.gate == nil || !s.gate.InFlight())
}

func isCandidate(obs model.DeviceObservation) bool {
	return obs.IsUnnamed() && obs.RSSI > CandidateRSSI
}

// Devices returns the table sorted by signal strength, strongest first.
func (s *Scanner) Devices() []Device {
	s.mu.Lock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, Device{
			DeviceObservation: d,
			DistanceM:         geo.EstimateDistance(d.RSSI, s.cfg.TxPower),
			Candidate:         isCandidate(d),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Forget empties the device table.
func (s *Scanner) Forget() {
	s.mu.Lock()
	s.devices = map[string]model.DeviceObservation{}
	s.mu.Unlock()
}

// sleep waits for d or until ctx is done; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
