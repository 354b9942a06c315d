package surge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/keyspace"
	"github.com/HackxAnkit/SurgePricing/internal/metrics"
	"github.com/HackxAnkit/SurgePricing/internal/model"
	"github.com/HackxAnkit/SurgePricing/internal/store"
)

// Status tells callers how much to trust a Snapshot.
type Status string

const (
	StatusOK       Status = "ok"
	StatusCold     Status = "cold"     // no prior state; started from base
	StatusWarmup   Status = "warmup"   // cell too new; pinned to base
	StatusDegraded Status = "degraded" // store failed; pinned to base
	StatusConflict Status = "conflict" // CAS retries exhausted; last good value served
)

// Snapshot is the engine's answer for one cell at one instant.
type Snapshot struct {
	Cell       model.CellKey
	Multiplier float64
	Demand     int64
	Supply     int64
	Ratio      float64
	Reason     Reason
	Status     Status
	UpdatedAt  time.Time
}

// Presence is the read side of the windowed aggregator.
type Presence interface {
	Count(ctx context.Context, cell model.CellKey, sig model.Signal, now time.Time) (int64, error)
	FirstSeen(ctx context.Context, cell model.CellKey) (time.Time, bool, error)
	ActiveCells(ctx context.Context) ([]model.CellKey, error)
}

// Baselines looks up a cell's rolling reference.
type Baselines interface {
	Baseline(ctx context.Context, cell model.CellKey, now time.Time) (model.BaselineState, bool, error)
}

// Notifier is told about every committed change of multiplier.
type Notifier interface {
	SurgeChanged(s Snapshot)
}

// Recorder keeps an audit trail of committed changes.
type Recorder interface {
	Append(ctx context.Context, e model.HistoryEntry) error
}

// Engine owns SurgeState. It holds no per-cell memory: every call reads the
// store, so any number of engines may serve the same cells.
type Engine struct {
	store     store.Store
	presence  Presence
	baselines Baselines
	cfg       config.SurgeConfig
	notifier  Notifier
	now       func() time.Time

	recorder      Recorder
	recordTimeout time.Duration
	recordSlots   chan struct{}
}

// historySlots caps in-flight history appends. Entries past it are dropped.
const historySlots = 64

// NewEngine creates an Engine.
func NewEngine(st store.Store, presence Presence, baselines Baselines, cfg config.SurgeConfig) *Engine {
	return &Engine{
		store:     st,
		presence:  presence,
		baselines: baselines,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithNotifier sets the change listener.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithRecorder sets the history recorder. Appends run off the request path,
// each bounded by timeout.
func (e *Engine) WithRecorder(r Recorder, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	e.recorder = r
	e.recordTimeout = timeout
	e.recordSlots = make(chan struct{}, historySlots)
	return e
}

func (e *Engine) stateTTL() time.Duration {
	return e.cfg.BaselineWindow()
}

func (e *Engine) degraded(cell model.CellKey, op string, err error, now time.Time) Snapshot {
	slog.Warn("surge degraded to base multiplier", "cell", cell.CellID, "res", cell.Resolution, "op", op, "err", err)
	metrics.Recomputes.WithLabelValues(string(StatusDegraded)).Inc()
	return Snapshot{
		Cell:       cell,
		Multiplier: e.cfg.BaseSurgeMultiplier,
		Status:     StatusDegraded,
		UpdatedAt:  now,
	}
}

// Recompute reads fresh counts for the cell, computes the next multiplier and
// commits it with compare-and-set. It never fails: store errors yield a
// degraded snapshot at the base multiplier, and a lost race that persists
// past the retry budget serves the last value read.
func (e *Engine) Recompute(ctx context.Context, cell model.CellKey, now time.Time) Snapshot {
	demand, err := e.presence.Count(ctx, cell, model.SignalRequest, now)
	if err != nil {
		return e.degraded(cell, "count_requests", err, now)
	}
	supply, err := e.presence.Count(ctx, cell, model.SignalDriver, now)
	if err != nil {
		return e.degraded(cell, "count_drivers", err, now)
	}
	firstSeen, seen, err := e.presence.FirstSeen(ctx, cell)
	if err != nil {
		return e.degraded(cell, "first_seen", err, now)
	}
	var age time.Duration
	if seen {
		age = now.Sub(firstSeen)
	}
	bl, hasBaseline, err := e.baselines.Baseline(ctx, cell, now)
	if err != nil {
		return e.degraded(cell, "baseline", err, now)
	}

	key := keyspace.Key(cell, keyspace.PurposeSurge)
	lastGood := e.cfg.BaseSurgeMultiplier

	for attempt := 0; attempt < e.cfg.CASRetries; attempt++ {
		raw, exists, err := e.store.Get(ctx, key)
		if err != nil {
			return e.degraded(cell, "get_surge", err, now)
		}

		var prev model.SurgeState
		if exists {
			if err := json.Unmarshal([]byte(raw), &prev); err != nil {
				slog.Warn("overwriting unreadable surge state", "cell", cell.CellID, "res", cell.Resolution, "err", err)
				prev = model.SurgeState{}
			}
		}

		res := Calculate(Input{
			Demand:      demand,
			Supply:      supply,
			Previous:    prev.Multiplier,
			Elapsed:     now.Sub(prev.LastUpdated()),
			Age:         age,
			Baseline:    bl,
			HasBaseline: hasBaseline,
		}, e.cfg)
		lastGood = res.Previous

		snap := Snapshot{
			Cell:       cell,
			Multiplier: res.Multiplier,
			Demand:     demand,
			Supply:     supply,
			Ratio:      res.Ratio,
			Reason:     res.Reason,
			Status:     statusFor(res),
			UpdatedAt:  now,
		}
		if res.Reason == ReasonHeld {
			snap.UpdatedAt = prev.LastUpdated()
			metrics.Recomputes.WithLabelValues(string(snap.Status)).Inc()
			return snap
		}

		next := model.SurgeState{
			Resolution:    cell.Resolution,
			CellID:        cell.CellID,
			Multiplier:    res.Multiplier,
			LastUpdatedMs: now.UnixMilli(),
		}
		data, err := json.Marshal(next)
		if err != nil {
			return e.degraded(cell, "encode_surge", err, now)
		}

		var won bool
		if exists {
			won, err = e.store.CompareAndSet(ctx, key, raw, string(data), e.stateTTL())
		} else {
			won, err = e.store.SetNX(ctx, key, string(data), e.stateTTL())
		}
		if err != nil {
			return e.degraded(cell, "commit_surge", err, now)
		}
		if won {
			e.committed(ctx, snap, res)
			return snap
		}
		metrics.CASConflicts.Inc()
	}

	slog.Warn("surge commit conflicts exhausted retries, serving last value",
		"cell", cell.CellID, "res", cell.Resolution, "multiplier", lastGood, "retries", e.cfg.CASRetries)
	metrics.Recomputes.WithLabelValues(string(StatusConflict)).Inc()
	return Snapshot{
		Cell:       cell,
		Multiplier: lastGood,
		Demand:     demand,
		Supply:     supply,
		Status:     StatusConflict,
		UpdatedAt:  now,
	}
}

func statusFor(res Result) Status {
	switch {
	case res.Reason == ReasonWarmup:
		return StatusWarmup
	case res.Cold:
		return StatusCold
	default:
		return StatusOK
	}
}

// committed runs the side effects of a successful write.
func (e *Engine) committed(ctx context.Context, snap Snapshot, res Result) {
	metrics.Recomputes.WithLabelValues(string(snap.Status)).Inc()
	metrics.MultiplierValue.Observe(snap.Multiplier)

	if snap.Multiplier == res.Previous {
		return
	}
	slog.Debug("surge multiplier changed",
		"cell", snap.Cell.CellID, "res", snap.Cell.Resolution,
		"previous", res.Previous, "multiplier", snap.Multiplier, "reason", string(snap.Reason))

	if e.notifier != nil {
		e.notifier.SurgeChanged(snap)
	}
	if e.recorder != nil {
		e.record(ctx, model.HistoryEntry{
			Resolution: snap.Cell.Resolution,
			CellID:     snap.Cell.CellID,
			Previous:   res.Previous,
			Multiplier: snap.Multiplier,
			Demand:     snap.Demand,
			Supply:     snap.Supply,
			Reason:     string(snap.Reason),
			RecordedAt: snap.UpdatedAt,
		})
	}
}

// record appends in the background with its own deadline. The append
// outlives the caller's cancellation; a full backlog drops the entry.
func (e *Engine) record(ctx context.Context, entry model.HistoryEntry) {
	select {
	case e.recordSlots <- struct{}{}:
	default:
		metrics.HistoryDropped.Inc()
		slog.Warn("surge history backlog full, entry dropped", "cell", entry.CellID, "res", entry.Resolution)
		return
	}
	go func() {
		defer func() { <-e.recordSlots }()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.recordTimeout)
		defer cancel()
		if err := e.recorder.Append(ctx, entry); err != nil {
			slog.Warn("surge history append failed", "cell", entry.CellID, "res", entry.Resolution, "err", err)
		}
	}()
}

// Current returns the committed multiplier without recomputing. A missing or
// stale state is cold and prices at base.
func (e *Engine) Current(ctx context.Context, cell model.CellKey, now time.Time) Snapshot {
	raw, ok, err := e.store.Get(ctx, keyspace.Key(cell, keyspace.PurposeSurge))
	if err != nil {
		return e.degraded(cell, "get_surge", err, now)
	}
	snap := Snapshot{
		Cell:       cell,
		Multiplier: e.cfg.BaseSurgeMultiplier,
		Status:     StatusCold,
		UpdatedAt:  now,
	}
	if !ok {
		return snap
	}
	var st model.SurgeState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return snap
	}
	if now.Sub(st.LastUpdated()) > e.cfg.Freshness() {
		return snap
	}
	snap.Multiplier = clamp(st.Multiplier, e.cfg.BaseSurgeMultiplier, e.cfg.MaxSurgeMultiplier)
	snap.Status = StatusOK
	snap.UpdatedAt = st.LastUpdated()
	return snap
}

// Run recomputes every active cell each interval until ctx is cancelled.
// concurrency bounds how many cells are in flight at once.
func (e *Engine) Run(ctx context.Context, interval time.Duration, concurrency int) {
	slog.Info("surge recompute loop started", "interval", interval.String(), "concurrency", concurrency)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("surge recompute loop stopped")
			return
		case <-ticker.C:
			if err := e.RecomputeAll(ctx, e.now(), concurrency); err != nil {
				slog.Error("surge recompute pass failed", "err", err)
			}
		}
	}
}

// RecomputeAll runs one pass over every active cell.
func (e *Engine) RecomputeAll(ctx context.Context, now time.Time, concurrency int) error {
	cells, err := e.presence.ActiveCells(ctx)
	if err != nil {
		return err
	}
	metrics.ActiveCells.Set(float64(len(cells)))

	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, cell := range cells {
		cell := cell
		g.Go(func() error {
			e.Recompute(gctx, cell, now)
			return nil
		})
	}
	return g.Wait()
}
