// Package baseline keeps a rolling per-cell reference of the demand/supply
// ratio and of driver supply.
//
// The average is a time-weighted EWMA with time constant equal to the
// baseline window: a sample dt after the previous one gets weight
// 1 - exp(-dt/window). A cell's baseline is undefined until a full window of
// history has accumulated; a gap longer than the window starts over.
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/keyspace"
	"github.com/HackxAnkit/SurgePricing/internal/model"
	"github.com/HackxAnkit/SurgePricing/internal/store"
)

// ErrConflict is returned when concurrent writers keep winning the baseline
// update race.
var ErrConflict = errors.New("baseline: update conflict")

// Sample is one demand/supply observation.
type Sample struct {
	Demand int64
	Supply int64
}

// Ratio is demand per available driver. With no drivers the ratio is the raw
// demand so the average stays finite.
func (s Sample) Ratio() float64 {
	if s.Supply <= 0 {
		return float64(s.Demand)
	}
	return float64(s.Demand) / float64(s.Supply)
}

// Estimator owns BaselineState. State lives in the store and is updated with
// compare-and-set, so any number of instances may observe the same cell.
type Estimator struct {
	store   store.Store
	window  time.Duration
	retries int
}

// NewEstimator creates an Estimator.
func NewEstimator(st store.Store, cfg config.SurgeConfig) *Estimator {
	return &Estimator{
		store:   st,
		window:  cfg.BaselineWindow(),
		retries: cfg.CASRetries,
	}
}

func (e *Estimator) ttl() time.Duration {
	return 2 * e.window
}

// Observe folds a sample into the cell's baseline and returns the new state.
// Samples not newer than the last one are ignored.
func (e *Estimator) Observe(ctx context.Context, cell model.CellKey, s Sample, now time.Time) (model.BaselineState, error) {
	key := keyspace.Key(cell, keyspace.PurposeBaseline)

	for attempt := 0; attempt < e.retries; attempt++ {
		raw, ok, err := e.store.Get(ctx, key)
		if err != nil {
			return model.BaselineState{}, err
		}

		if !ok {
			next := fresh(cell, s, now)
			data, err := json.Marshal(next)
			if err != nil {
				return model.BaselineState{}, err
			}
			won, err := e.store.SetNX(ctx, key, string(data), e.ttl())
			if err != nil {
				return model.BaselineState{}, err
			}
			if won {
				return next, nil
			}
			continue
		}

		var cur model.BaselineState
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			slog.Warn("resetting unreadable baseline", "cell", cell.CellID, "res", cell.Resolution, "err", err)
			cur = model.BaselineState{}
		}

		next, changed := e.fold(cur, cell, s, now)
		if !changed {
			return cur, nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return model.BaselineState{}, err
		}
		won, err := e.store.CompareAndSet(ctx, key, raw, string(data), e.ttl())
		if err != nil {
			return model.BaselineState{}, err
		}
		if won {
			return next, nil
		}
	}
	return model.BaselineState{}, fmt.Errorf("%w: %d/%s after %d attempts", ErrConflict, cell.Resolution, cell.CellID, e.retries)
}

// fold applies one sample. It reports false when the sample is not newer than
// the state and nothing should be written.
func (e *Estimator) fold(cur model.BaselineState, cell model.CellKey, s Sample, now time.Time) (model.BaselineState, bool) {
	nowMs := now.UnixMilli()
	if cur.Samples == 0 || nowMs-cur.LastSampleMs > e.window.Milliseconds() {
		return fresh(cell, s, now), true
	}
	dt := nowMs - cur.LastSampleMs
	if dt <= 0 {
		return cur, false
	}

	alpha := 1 - math.Exp(-float64(dt)/float64(e.window.Milliseconds()))
	next := cur
	next.Ratio += alpha * (s.Ratio() - cur.Ratio)
	next.Supply += alpha * (float64(s.Supply) - cur.Supply)
	next.Samples++
	next.LastSampleMs = nowMs
	return next, true
}

func fresh(cell model.CellKey, s Sample, now time.Time) model.BaselineState {
	return model.BaselineState{
		Resolution:    cell.Resolution,
		CellID:        cell.CellID,
		Ratio:         s.Ratio(),
		Supply:        float64(s.Supply),
		Samples:       1,
		WindowStartMs: now.UnixMilli(),
		LastSampleMs:  now.UnixMilli(),
	}
}

// Baseline returns the cell's state and whether the baseline is defined at
// now. It is undefined during warmup (less than one window of history) and
// after the cell has gone unsampled for longer than a window.
func (e *Estimator) Baseline(ctx context.Context, cell model.CellKey, now time.Time) (model.BaselineState, bool, error) {
	raw, ok, err := e.store.Get(ctx, keyspace.Key(cell, keyspace.PurposeBaseline))
	if err != nil || !ok {
		return model.BaselineState{}, false, err
	}
	var st model.BaselineState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return model.BaselineState{}, false, nil
	}
	return st, e.Defined(st, now), nil
}

// Defined reports whether st can serve as a reference at now.
func (e *Estimator) Defined(st model.BaselineState, now time.Time) bool {
	if st.Samples == 0 {
		return false
	}
	nowMs := now.UnixMilli()
	window := e.window.Milliseconds()
	return nowMs-st.WindowStartMs >= window && nowMs-st.LastSampleMs <= window
}

// SupplyDropped reports whether supply has fallen below threshold times the
// baseline supply. A zero baseline supply never counts as a drop.
func SupplyDropped(supply int64, b model.BaselineState, threshold float64) bool {
	return b.Supply > 0 && float64(supply) < threshold*b.Supply
}
