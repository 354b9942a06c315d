// Package geo maps coordinates to stable cell ids and picks a cell
// resolution for a trip.
//
// Cells are S2 cells. A resolution step is meant to split a cell into roughly
// seven children, so resolution r maps to the S2 level whose cell area is
// closest to that progression (each S2 level splits into four).
package geo

import (
	"errors"
	"math"

	"github.com/golang/geo/s2"
)

// DefaultCell is the bucket used when coordinates cannot be indexed.
const DefaultCell = "default"

// MaxResolution is the finest resolution accepted by the indexer.
const MaxResolution = 15

// EarthRadiusKm is the mean Earth radius.
const EarthRadiusKm = 6371.0

// ErrUnindexable is returned for coordinates that cannot be placed in a cell.
var ErrUnindexable = errors.New("geo: coordinates not indexable")

// log4(7): the number of S2 levels per resolution step.
var levelsPerStep = math.Log(7) / math.Log(4)

// levelOffset anchors resolution 0 to continental-scale S2 cells.
const levelOffset = 2

// Indexer maps coordinates to cell ids. It holds no state; the zero value is
// ready to use.
type Indexer struct{}

// NewIndexer returns an Indexer.
func NewIndexer() Indexer {
	return Indexer{}
}

// Level returns the S2 level backing a resolution.
func Level(resolution int) int {
	level := int(math.Round(float64(resolution)*levelsPerStep)) + levelOffset
	if level < 0 {
		return 0
	}
	if level > s2.MaxLevel {
		return s2.MaxLevel
	}
	return level
}

// Index returns the cell id containing (lat, lng) at resolution. Equal inputs
// always produce equal ids, across processes and restarts.
func (Indexer) Index(lat, lng float64, resolution int) (string, error) {
	if !ValidCoordinate(lat, lng) || resolution < 0 || resolution > MaxResolution {
		return "", ErrUnindexable
	}
	leaf := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lng))
	return leaf.Parent(Level(resolution)).ToToken(), nil
}

// IndexOrDefault is Index with the DefaultCell fallback. Pricing never fails
// on bad geodata.
func (ix Indexer) IndexOrDefault(lat, lng float64, resolution int) string {
	cell, err := ix.Index(lat, lng, resolution)
	if err != nil {
		return DefaultCell
	}
	return cell
}

// CellCenter returns the center of a cell produced by Index.
func CellCenter(cellID string) (lat, lng float64, err error) {
	id := s2.CellIDFromToken(cellID)
	if !id.IsValid() {
		return 0, 0, ErrUnindexable
	}
	ll := id.LatLng()
	return ll.Lat.Degrees(), ll.Lng.Degrees(), nil
}

// ValidCoordinate reports whether lat/lng are finite and in range.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// resolutionSteps are upper distance bounds in km. A trip shorter than
// steps[i] uses base-i; anything longer uses base-len(steps).
var resolutionSteps = []float64{3, 10, 25, 60}

// SelectResolution picks a coarser resolution for longer trips so pickup
// and drop-off are not split across tiny, sparse cells. It is non-increasing
// in distanceKm. NaN or negative distances get the base resolution.
func SelectResolution(distanceKm float64, base int) int {
	if math.IsNaN(distanceKm) || distanceKm < 0 {
		return base
	}
	res := base - len(resolutionSteps)
	for i, limit := range resolutionSteps {
		if distanceKm < limit {
			res = base - i
			break
		}
	}
	if res < 0 {
		return 0
	}
	return res
}

// Resolutions lists every resolution SelectResolution can return for base,
// finest first. Driver presence is written at all of them so a booking at
// any trip length sees the same drivers.
func Resolutions(base int) []int {
	out := make([]int, 0, len(resolutionSteps)+1)
	for i := 0; i <= len(resolutionSteps); i++ {
		r := base - i
		if r < 0 {
			break
		}
		out = append(out, r)
	}
	return out
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}
