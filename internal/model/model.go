// Package model defines the core domain types shared across the surge engine.
// Money values use shopspring/decimal; multipliers and ratios stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal tags which kind of presence a windowed set tracks.
type Signal string

const (
	SignalDriver  Signal = "drivers"
	SignalRequest Signal = "requests"
)

// Valid reports whether s is a known signal type.
func (s Signal) Valid() bool {
	return s == SignalDriver || s == SignalRequest
}

// CellKey addresses one cell at one resolution. Every piece of per-cell state
// in the store is scoped by it.
type CellKey struct {
	Resolution int    `json:"resolution"`
	CellID     string `json:"cell_id"`
}

// SurgeState is the persisted multiplier for one cell.
type SurgeState struct {
	Resolution    int     `json:"resolution"`
	CellID        string  `json:"cell_id"`
	Multiplier    float64 `json:"multiplier"`
	LastUpdatedMs int64   `json:"last_updated_ms"`
}

// LastUpdated returns the update time as a time.Time.
func (s SurgeState) LastUpdated() time.Time {
	return time.UnixMilli(s.LastUpdatedMs)
}

// BaselineState is the rolling reference for one cell. Ratio is the averaged
// demand/supply ratio; Supply is the averaged available-driver count used by
// drop detection.
type BaselineState struct {
	Resolution    int     `json:"resolution"`
	CellID        string  `json:"cell_id"`
	Ratio         float64 `json:"ratio"`
	Supply        float64 `json:"supply"`
	Samples       int64   `json:"samples"`
	WindowStartMs int64   `json:"window_start_ms"`
	LastSampleMs  int64   `json:"last_sample_ms"`
}

// WindowStart returns the time the current averaging window opened.
func (b BaselineState) WindowStart() time.Time {
	return time.UnixMilli(b.WindowStartMs)
}

// PriceQuote is derived per request and never stored.
type PriceQuote struct {
	BaseFare   decimal.Decimal `json:"base_fare"`
	DistanceKm float64         `json:"distance_km"`
	Multiplier float64         `json:"multiplier"`
	FinalPrice decimal.Decimal `json:"final_price"`
	Currency   string          `json:"currency"`
	CellID     string          `json:"cell_id"`
}

// RideRequestRecord is the payload kept alongside a live ride-request entry
// so drivers can see what is waiting in their cell.
type RideRequestRecord struct {
	RequestID       string          `json:"requestId"`
	RiderID         string          `json:"riderId"`
	PickupLat       float64         `json:"pickupLat"`
	PickupLng       float64         `json:"pickupLng"`
	DropLat         float64         `json:"dropLat"`
	DropLng         float64         `json:"dropLng"`
	DistanceKm      float64         `json:"distanceKm"`
	BasePrice       decimal.Decimal `json:"basePrice"`
	SurgeMultiplier float64         `json:"surgeMultiplier"`
	FinalPrice      decimal.Decimal `json:"finalPrice"`
	GeofenceID      string          `json:"geofenceId"`
	PickupName      string          `json:"pickupName,omitempty"`
	DropName        string          `json:"dropName,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// HistoryEntry is one committed multiplier transition, kept for audit.
type HistoryEntry struct {
	Resolution int       `json:"resolution" db:"resolution"`
	CellID     string    `json:"cell_id" db:"cell_id"`
	Previous   float64   `json:"previous" db:"previous"`
	Multiplier float64   `json:"multiplier" db:"multiplier"`
	Demand     int64     `json:"demand" db:"demand"`
	Supply     int64     `json:"supply" db:"supply"`
	Reason     string    `json:"reason" db:"reason"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}
