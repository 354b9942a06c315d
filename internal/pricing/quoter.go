// Package pricing converts a distance and a surge multiplier into a fare.
// All money math is decimal; only the multiplier is a float.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/model"
)

var (
	ErrNonPhysicalDistance = errors.New("pricing: distance must be a positive finite number")
	ErrInvalidMultiplier   = errors.New("pricing: multiplier must be a positive finite number")
)

// centPlaces is the rounding precision for quoted amounts.
const centPlaces = 2

// Quoter prices trips. It is immutable and safe for concurrent use.
type Quoter struct {
	pricePerKm decimal.Decimal
	baseFare   decimal.Decimal
	currency   string
}

// NewQuoter creates a Quoter from the fare settings in cfg.
func NewQuoter(cfg config.SurgeConfig) *Quoter {
	return &Quoter{
		pricePerKm: decimal.NewFromFloat(cfg.PricePerKm),
		baseFare:   decimal.NewFromFloat(cfg.BaseFare),
		currency:   cfg.Currency,
	}
}

func validMultiplier(m float64) bool {
	return !math.IsNaN(m) && !math.IsInf(m, 0) && m > 0
}

// Quote prices a trip: base = distance * pricePerKm, final = base * multiplier.
func (q *Quoter) Quote(distanceKm, multiplier float64, cellID string) (model.PriceQuote, error) {
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm <= 0 {
		return model.PriceQuote{}, ErrNonPhysicalDistance
	}
	if !validMultiplier(multiplier) {
		return model.PriceQuote{}, ErrInvalidMultiplier
	}

	base := decimal.NewFromFloat(distanceKm).Mul(q.pricePerKm).Round(centPlaces)
	return q.quote(base, distanceKm, multiplier, cellID), nil
}

// FlatQuote prices the configured base fare at multiplier. It backs the
// location-only price check, which has no trip distance.
func (q *Quoter) FlatQuote(multiplier float64, cellID string) (model.PriceQuote, error) {
	if !validMultiplier(multiplier) {
		return model.PriceQuote{}, ErrInvalidMultiplier
	}
	return q.quote(q.baseFare, 0, multiplier, cellID), nil
}

func (q *Quoter) quote(base decimal.Decimal, distanceKm, multiplier float64, cellID string) model.PriceQuote {
	final := base.Mul(decimal.NewFromFloat(multiplier)).Round(centPlaces)
	return model.PriceQuote{
		BaseFare:   base,
		DistanceKm: distanceKm,
		Multiplier: multiplier,
		FinalPrice: final,
		Currency:   q.currency,
		CellID:     cellID,
	}
}
