package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Core domain types for the tracking core.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PathPoint is one recorded position of the tag.
type PathPoint struct {
	Point GeoPoint  `json:"point"`
	At    time.Time `json:"at"`
}

const (
	MinRadiusM     = 50.0
	MaxRadiusM     = 500.0
	DefaultRadiusM = 100.0
)

// DefaultCenter is the geofence center used until one is configured.
var DefaultCenter = GeoPoint{Lat: 35.1856, Lng: 33.3823}

var ErrRadiusOutOfRange = errors.New("geofence radius out of range")

type GeofenceConfig struct {
	Center  GeoPoint `json:"center"`
	RadiusM float64  `json:"radiusM"`
}

// Validate checks the radius against the allowed [50, 500] meter band.
func (c GeofenceConfig) Validate() error {
	return ValidateRadius(c.RadiusM)
}

func ValidateRadius(r float64) error {
	if r < MinRadiusM || r > MaxRadiusM {
		return fmt.Errorf("%w: %.1f not in [%.0f, %.0f]", ErrRadiusOutOfRange, r, MinRadiusM, MaxRadiusM)
	}
	return nil
}

// DefaultGeofence returns the configuration used when nothing is persisted.
func DefaultGeofence() GeofenceConfig {
	return GeofenceConfig{Center: DefaultCenter, RadiusM: DefaultRadiusM}
}

type GeofenceStatus int

const (
	StatusUnknown GeofenceStatus = iota
	StatusInside
	StatusOutside
)

func (s GeofenceStatus) String() string {
	switch s {
	case StatusInside:
		return "inside"
	case StatusOutside:
		return "outside"
	default:
		return "unknown"
	}
}

func (s GeofenceStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is a geofence boundary crossing.
type Transition int

const (
	ExitedZone Transition = iota + 1
	ReenteredZone
)

func (t Transition) String() string {
	switch t {
	case ExitedZone:
		return "exited"
	case ReenteredZone:
		return "reentered"
	default:
		return "none"
	}
}

// UnknownName is the display name reported for devices that do not advertise one.
const UnknownName = "unknown"

type DeviceObservation struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"name"`
	RSSI        int       `json:"rssi"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Normalized returns the observation with an empty name replaced by UnknownName.
func (o DeviceObservation) Normalized() DeviceObservation {
	if strings.TrimSpace(o.DisplayName) == "" {
		o.DisplayName = UnknownName
	}
	return o
}

// IsUnnamed reports whether the device did not advertise a name.
func (o DeviceObservation) IsUnnamed() bool {
	return o.DisplayName == "" || strings.EqualFold(o.DisplayName, UnknownName)
}

// ConnectionState of the single arbitrated tag link.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Connected
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Settings mirrors the persisted user preferences.
type Settings struct {
	MuteAlerts bool      `json:"muteAlerts"`
	RadiusM    float64   `json:"radiusM"`
	Center     GeoPoint  `json:"center"`
	Home       *GeoPoint `json:"home,omitempty"`
	LastKnown  *GeoPoint `json:"lastKnown,omitempty"`
}

// Geofence returns the geofence configuration carried by the settings.
func (s Settings) Geofence() GeofenceConfig {
	return GeofenceConfig{Center: s.Center, RadiusM: s.RadiusM}
}

// DefaultSettings returns the settings of a fresh install.
func DefaultSettings() Settings {
	return Settings{RadiusM: DefaultRadiusM, Center: DefaultCenter}
}

// PathRecord is the export/remote representation of one path point.
type PathRecord struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timestamp string  `json:"time"`
}
