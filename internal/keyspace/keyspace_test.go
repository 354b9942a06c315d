package keyspace

import (
	"errors"
	"testing"

	"github.com/HackxAnkit/SurgePricing/internal/model"
)

func TestKey_Format(t *testing.T) {
	cell := model.CellKey{Resolution: 8, CellID: "89c25985"}
	if got := Key(cell, PurposeSurge); got != "geofence:8:89c25985:surge" {
		t.Errorf("unexpected key %q", got)
	}
	if got := Signal(cell, model.SignalDriver); got != "geofence:8:89c25985:drivers" {
		t.Errorf("unexpected signal key %q", got)
	}
	if got := Record(cell, "r1"); got != "geofence:8:89c25985:record:r1" {
		t.Errorf("unexpected record key %q", got)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	cells := []model.CellKey{
		{Resolution: 8, CellID: "89c25985"},
		{Resolution: 12, CellID: "89c259854ac"},
		{Resolution: 4, CellID: "default"},
	}
	for _, cell := range cells {
		key := Signal(cell, model.SignalRequest)
		got, purpose, err := Parse(key)
		if err != nil {
			t.Fatalf("Parse(%q): %v", key, err)
		}
		if got != cell {
			t.Errorf("Parse(%q) cell = %+v, want %+v", key, got, cell)
		}
		if purpose != PurposeRequests {
			t.Errorf("Parse(%q) purpose = %s", key, purpose)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	keys := []string{
		"",
		"geofence",
		"geofence:8:89c25985",
		"market:8:89c25985:drivers",
		"geofence:x:89c25985:drivers",
		"geofence:8:89C25985:drivers", // tokens are lowercase
		"geofence:8:89c25985:record:r1",
	}
	for _, k := range keys {
		if _, _, err := Parse(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey for %q, got %v", k, err)
		}
	}
}

func TestSignalPattern(t *testing.T) {
	if got := SignalPattern(model.SignalDriver); got != "geofence:*:*:drivers" {
		t.Errorf("unexpected pattern %q", got)
	}
}

func TestSignal_PurposePerType(t *testing.T) {
	cell := model.CellKey{Resolution: 7, CellID: "3bae"}
	if got := Signal(cell, model.SignalDriver); got != Key(cell, PurposeDrivers) {
		t.Errorf("driver key = %q", got)
	}
	if got := Signal(cell, model.SignalRequest); got != Key(cell, PurposeRequests) {
		t.Errorf("request key = %q", got)
	}
	if got := SignalPattern(model.SignalRequest); got != "geofence:*:*:requests" {
		t.Errorf("unexpected pattern %q", got)
	}
}
