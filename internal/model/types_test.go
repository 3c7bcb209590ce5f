package model

import (
	"errors"
	"testing"
)

func TestValidateRadius(t *testing.T) {
	for _, r := range []float64{50, 100, 500} {
		if err := ValidateRadius(r); err != nil {
			t.Fatalf("radius %v: unexpected %v", r, err)
		}
	}
	for _, r := range []float64{0, 49.9, 500.1} {
		if err := ValidateRadius(r); !errors.Is(err, ErrRadiusOutOfRange) {
			t.Fatalf("radius %v: want ErrRadiusOutOfRange, got %v", r, err)
		}
	}
	if err := DefaultGeofence().Validate(); err != nil {
		t.Fatalf("default geofence invalid: %v", err)
	}
}

func TestObservationNormalized(t *testing.T) {
	o := DeviceObservation{Address: "AA"}.Normalized()
	if o.DisplayName != UnknownName || !o.IsUnnamed() {
		t.Fatalf("got %+v", o)
	}
	if (DeviceObservation{DisplayName: "Unknown"}).IsUnnamed() != true {
		t.Fatal("Unknown should be unnamed")
	}
	if (DeviceObservation{DisplayName: "Galaxy Buds"}).IsUnnamed() {
		t.Fatal("named device reported unnamed")
	}
}

func TestEnumStrings(t *testing.T) {
	if Connecting.String() != "connecting" || StatusOutside.String() != "outside" || ReenteredZone.String() != "reentered" {
		t.Fatal("unexpected enum strings")
	}
}

func TestEnumStringsOutOfRange(t *testing.T) {
	if got := ConnectionState(42).String(); got != "unknown" {
		t.Fatalf("ConnectionState(42) = %q", got)
	}
	if got := ConnectionState(-1).String(); got != "unknown" {
		t.Fatalf("ConnectionState(-1) = %q", got)
	}
	if got := GeofenceStatus(9).String(); got != "unknown" {
		t.Fatalf("GeofenceStatus(9) = %q", got)
	}
}
