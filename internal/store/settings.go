package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"pettrack/internal/model"
)

// Settings is the typed view over the persisted settings keys.
type Settings struct {
	kv  KV
	log *zap.Logger
}

func NewSettings(kv KV, log *zap.Logger) *Settings {
	if log == nil {
		log = zap.NewNop()
	}
	return &Settings{kv: kv, log: log}
}

// Load reads every key, falling back to defaults for the absent ones.
func (s *Settings) Load(ctx context.Context) (model.Settings, error) {
	out := model.DefaultSettings()
	var err error
	if out.MuteAlerts, err = s.getBool(ctx, KeyMuteAlerts, false); err != nil {
		return out, err
	}
	if out.RadiusM, err = s.getFloat(ctx, KeyGeofenceRadius, model.DefaultRadiusM); err != nil {
		return out, err
	}
	if out.Center.Lat, err = s.getFloat(ctx, KeyCenterLat, model.DefaultCenter.Lat); err != nil {
		return out, err
	}
	if out.Center.Lng, err = s.getFloat(ctx, KeyCenterLon, model.DefaultCenter.Lng); err != nil {
		return out, err
	}
	if out.Home, err = s.getPoint(ctx, KeyHomeLat, KeyHomeLon); err != nil {
		return out, err
	}
	if out.LastKnown, err = s.getPoint(ctx, KeyLastKnownLat, KeyLastKnownLon); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Settings) SetMuteAlerts(ctx context.Context, v bool) error {
	return s.kv.Set(ctx, KeyMuteAlerts, strconv.FormatBool(v))
}

func (s *Settings) SetRadius(ctx context.Context, r float64) error {
	if err := model.ValidateRadius(r); err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyGeofenceRadius, formatFloat(r))
}

func (s *Settings) SetCenter(ctx context.Context, p model.GeoPoint) error {
	return s.setPoint(ctx, KeyCenterLat, KeyCenterLon, p)
}

func (s *Settings) SetHome(ctx context.Context, p model.GeoPoint) error {
	return s.setPoint(ctx, KeyHomeLat, KeyHomeLon, p)
}

func (s *Settings) ClearHome(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyHomeLat, KeyHomeLon)
}

func (s *Settings) SetLastKnown(ctx context.Context, p model.GeoPoint) error {
	return s.setPoint(ctx, KeyLastKnownLat, KeyLastKnownLon, p)
}

// Subscription is a cancellable settings observation.
type Subscription struct {
	stop func()
	done chan struct{}
	once sync.Once
}

// Cancel stops delivery and waits for the delivery goroutine to exit.
func (s *Subscription) Cancel() {
	s.once.Do(s.stop)
	<-s.done
}

// Subscribe calls fn with the current settings and again after every change,
// from a single goroutine, until the subscription is cancelled or ctx ends.
func (s *Settings) Subscribe(ctx context.Context, fn func(model.Settings)) (*Subscription, error) {
	changes, stop, err := s.kv.Watch(ctx)
	if err != nil {
		return nil, fmt.Errorf("watch settings: %w", err)
	}
	cur, err := s.Load(ctx)
	if err != nil {
		stop()
		return nil, err
	}
	sub := &Subscription{stop: stop, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		fn(cur)
		for {
			select {
			case <-ctx.Done():
				sub.once.Do(stop)
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				next, err := s.Load(ctx)
				if err != nil {
					s.log.Warn("reload settings failed", zap.Error(err))
					continue
				}
				fn(next)
			}
		}
	}()
	return sub, nil
}

func (s *Settings) getBool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get %s: %w", key, err)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func (s *Settings) getFloat(ctx context.Context, key string, def float64) (float64, error) {
	v, ok, err := s.lookupFloat(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

func (s *Settings) lookupFloat(ctx context.Context, key string) (float64, bool, error) {
	v, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, true, nil
}

// getPoint returns nil unless both coordinates are present.
func (s *Settings) getPoint(ctx context.Context, latKey, lonKey string) (*model.GeoPoint, error) {
	lat, okLat, err := s.lookupFloat(ctx, latKey)
	if err != nil {
		return nil, err
	}
	lon, okLon, err := s.lookupFloat(ctx, lonKey)
	if err != nil {
		return nil, err
	}
	if !okLat || !okLon {
		return nil, nil
	}
	return &model.GeoPoint{Lat: lat, Lng: lon}, nil
}

// setPoint writes both coordinates together so a watcher never reloads a
// half-updated point.
func (s *Settings) setPoint(ctx context.Context, latKey, lonKey string, p model.GeoPoint) error {
	return s.kv.SetMany(ctx, map[string]string{latKey: formatFloat(p.Lat), lonKey: formatFloat(p.Lng)})
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
