// Package surge turns live demand and supply counts into a bounded,
// rate-limited price multiplier per cell.
//
// Calculate is the pure transition. Engine wraps it with store reads, an
// optimistic compare-and-set commit, and degraded-mode fallbacks.
package surge

import (
	"math"
	"time"

	"github.com/HackxAnkit/SurgePricing/internal/baseline"
	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/model"
)

// Reason names the rule that decided a transition.
type Reason string

const (
	ReasonWarmup     Reason = "warmup"      // cell too new, pinned to base
	ReasonShortage   Reason = "shortage"    // supply below minDrivers
	ReasonParity     Reason = "parity"      // ratio <= 1
	ReasonDemand     Reason = "demand"      // ratio above 1
	ReasonSupplyDrop Reason = "supply_drop" // drop escalation raised the target
	ReasonHeld       Reason = "held"        // too soon since the last step
)

// Input is everything one transition depends on.
type Input struct {
	Demand int64
	Supply int64

	// Previous is the last committed multiplier. Zero means there is none.
	Previous float64
	// Elapsed is the time since Previous was committed.
	Elapsed time.Duration
	// Age is the time since the cell's first observed activity.
	Age time.Duration

	Baseline    model.BaselineState
	HasBaseline bool
}

// Result is the outcome of one transition.
type Result struct {
	Multiplier float64 // value to commit
	Raw        float64 // ratio-derived multiplier before escalation and clamping
	Target     float64 // clamped value the multiplier is moving toward
	Previous   float64 // effective previous value (base when cold)
	Ratio      float64 // +Inf when supply is below minDrivers
	Cold       bool    // no usable previous value
	Reason     Reason
}

// Calculate computes the next multiplier. It never divides by zero and always
// returns a value in [base, max] that differs from the effective previous
// value by at most MaxSurgeJump.
func Calculate(in Input, cfg config.SurgeConfig) Result {
	base, max := cfg.BaseSurgeMultiplier, cfg.MaxSurgeMultiplier

	res := Result{Previous: clamp(in.Previous, base, max)}
	if in.Previous <= 0 || in.Elapsed > cfg.Freshness() {
		res.Previous = base
		res.Cold = true
	}

	res.Ratio, res.Raw, res.Reason = rawMultiplier(in.Demand, in.Supply, cfg)

	if in.Age < cfg.Warmup() {
		// A warm previous value still steps down by the jump limit.
		res.Target = base
		res.Multiplier = step(res.Previous, base, cfg)
		res.Reason = ReasonWarmup
		return res
	}

	target := res.Raw
	if in.HasBaseline && baseline.SupplyDropped(in.Supply, in.Baseline, cfg.SurgeDropThreshold) {
		shortfall := 1 - float64(in.Supply)/in.Baseline.Supply
		escalated := base + shortfall*(max-base)
		if escalated > target {
			target = escalated
			res.Reason = ReasonSupplyDrop
		}
	}
	res.Target = round(clamp(target, base, max))

	// A negative elapsed means the writer's clock ran ahead of ours; that is
	// skew, not a burst, so it does not hold.
	if !res.Cold && in.Elapsed >= 0 && in.Elapsed < cfg.MinStepInterval() {
		res.Multiplier = res.Previous
		res.Reason = ReasonHeld
		return res
	}

	res.Multiplier = step(res.Previous, res.Target, cfg)
	return res
}

// step moves from previous toward target by at most MaxSurgeJump.
func step(previous, target float64, cfg config.SurgeConfig) float64 {
	next := target
	switch delta := target - previous; {
	case delta > cfg.MaxSurgeJump:
		next = previous + cfg.MaxSurgeJump
	case delta < -cfg.MaxSurgeJump:
		next = previous - cfg.MaxSurgeJump
	}
	return round(clamp(next, cfg.BaseSurgeMultiplier, cfg.MaxSurgeMultiplier))
}

// rawMultiplier applies the ratio rule. Supply below minDrivers, including
// zero, is maximal shortage.
func rawMultiplier(demand, supply int64, cfg config.SurgeConfig) (ratio, raw float64, reason Reason) {
	if supply < int64(cfg.MinDrivers) {
		return math.Inf(1), cfg.MaxSurgeMultiplier, ReasonShortage
	}
	ratio = float64(demand) / float64(supply)
	if ratio <= 1 {
		return ratio, cfg.BaseSurgeMultiplier, ReasonParity
	}
	return ratio, math.Min(cfg.BaseSurgeMultiplier+ratio/2, cfg.MaxSurgeMultiplier), ReasonDemand
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// round trims float noise so repeated jump steps land on clean values.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
