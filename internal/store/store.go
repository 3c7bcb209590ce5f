package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"pettrack/internal/model"
)

// KV is the key/value store behind the persisted settings. Every key is
// independently readable and writable.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all pairs and signals watchers once.
	SetMany(ctx context.Context, pairs map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	// Watch delivers the names of keys changed after the call. The returned
	// func stops the watch and closes the channel.
	Watch(ctx context.Context) (<-chan string, func(), error)
}

// PathStore is the remote path storage, keyed by device and calendar date.
type PathStore interface {
	// SavePath replaces the stored path of deviceID on day.
	SavePath(ctx context.Context, deviceID, day string, recs []model.PathRecord) error
	LoadPath(ctx context.Context, deviceID, day string) ([]model.PathRecord, error)
	ListDays(ctx context.Context, deviceID string) ([]string, error)
}

// Settings keys.
const (
	KeyMuteAlerts     = "muteAlerts"
	KeyGeofenceRadius = "geofenceRadius"
	KeyCenterLat      = "geofenceCenterLat"
	KeyCenterLon      = "geofenceCenterLon"
	KeyHomeLat        = "homeLat"
	KeyHomeLon        = "homeLon"
	KeyLastKnownLat   = "lastKnownLat"
	KeyLastKnownLon   = "lastKnownLon"
)

var ErrNotFound = errors.New("not found")

// changedKeys is the change notification payload for a multi-key write.
func changedKeys(pairs map[string]string) string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
