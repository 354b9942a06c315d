// Package keyspace formats and parses the store keys that hold per-cell
// state. Every key is scoped by resolution, cell id and purpose:
//
//	geofence:{resolution}:{cellID}:{purpose}
//
// Cell ids are S2 tokens (lowercase hex) or the literal "default".
package keyspace

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/HackxAnkit/SurgePricing/internal/model"
)

// Purpose names the kind of state a key holds.
type Purpose string

const (
	PurposeDrivers   Purpose = "drivers"
	PurposeRequests  Purpose = "requests"
	PurposeSurge     Purpose = "surge"
	PurposeBaseline  Purpose = "baseline"
	PurposeFirstSeen Purpose = "first_seen"
	PurposeDemand    Purpose = "demand"
	PurposeRecord    Purpose = "record"
)

const prefix = "geofence"

// keyRegex matches: geofence:{res}:{cell}:{purpose}
// Example: geofence:8:89c25985:drivers
var keyRegex = regexp.MustCompile(`^geofence:(\d{1,2}):([0-9a-z]+):([a-z_]+)$`)

var ErrInvalidKey = errors.New("keyspace: invalid key format")

// Key returns the key for one purpose of one cell.
func Key(cell model.CellKey, p Purpose) string {
	return fmt.Sprintf("%s:%d:%s:%s", prefix, cell.Resolution, cell.CellID, p)
}

// Signal returns the windowed-set key for a signal type.
func Signal(cell model.CellKey, s model.Signal) string {
	return Key(cell, signalPurpose(s))
}

func signalPurpose(s model.Signal) Purpose {
	if s == model.SignalDriver {
		return PurposeDrivers
	}
	return PurposeRequests
}

// Record returns the payload key for one entity in a cell. Payload keys sit
// outside the four-part layout so prefix scans for signal sets never see them.
func Record(cell model.CellKey, entityID string) string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", prefix, cell.Resolution, cell.CellID, PurposeRecord, entityID)
}

// SignalPattern returns the glob that enumerates every windowed set of one
// signal type across all cells and resolutions.
func SignalPattern(s model.Signal) string {
	return fmt.Sprintf("%s:*:*:%s", prefix, signalPurpose(s))
}

// Parse splits a four-part key back into its cell and purpose.
func Parse(key string) (model.CellKey, Purpose, error) {
	m := keyRegex.FindStringSubmatch(key)
	if m == nil {
		return model.CellKey{}, "", fmt.Errorf("%w: %s (expected geofence:{res}:{cell}:{purpose})", ErrInvalidKey, key)
	}
	res, err := strconv.Atoi(m[1])
	if err != nil {
		return model.CellKey{}, "", fmt.Errorf("%w: resolution %s", ErrInvalidKey, m[1])
	}
	return model.CellKey{Resolution: res, CellID: m[2]}, Purpose(m[3]), nil
}
