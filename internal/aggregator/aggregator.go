// Package aggregator maintains deduplicated sliding-window presence sets per
// cell and signal type.
//
// Each (resolution, cell, signal) bucket is a store set whose members are
// entity ids scored by last-seen time in Unix milliseconds. An entity is
// counted while now - lastSeen <= freshness. Expired members are ignored at
// read time and pruned opportunistically on write.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/keyspace"
	"github.com/HackxAnkit/SurgePricing/internal/metrics"
	"github.com/HackxAnkit/SurgePricing/internal/model"
	"github.com/HackxAnkit/SurgePricing/internal/store"
)

var (
	ErrInvalidSignal = errors.New("aggregator: unknown signal type")
	ErrEmptyEntity   = errors.New("aggregator: entity id is required")
)

// Aggregator is stateless apart from its configuration; all presence lives
// in the store so several instances can share it.
type Aggregator struct {
	store       store.Store
	freshness   time.Duration
	activityTTL time.Duration
}

// New creates an Aggregator over st.
func New(st store.Store, cfg config.SurgeConfig) *Aggregator {
	return &Aggregator{
		store:       st,
		freshness:   cfg.Freshness(),
		activityTTL: cfg.BaselineWindow(),
	}
}

func (a *Aggregator) cutoff(now time.Time) int64 {
	return now.Add(-a.freshness).UnixMilli()
}

// setTTL is how long an idle set survives in the store. Twice the window so
// instances with slightly skewed clocks never lose live members.
func (a *Aggregator) setTTL() time.Duration {
	return 2 * a.freshness
}

// Upsert marks entityID as present in the cell at now. Repeated calls refresh
// recency without adding a member; a timestamp older than the stored one is
// ignored.
func (a *Aggregator) Upsert(ctx context.Context, cell model.CellKey, sig model.Signal, entityID string, now time.Time) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSignal, sig)
	}
	if entityID == "" {
		return ErrEmptyEntity
	}
	key := keyspace.Signal(cell, sig)

	if err := a.store.ZAddMax(ctx, key, entityID, now.UnixMilli()); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	if err := a.store.ZRemBelow(ctx, key, a.cutoff(now)); err != nil {
		return fmt.Errorf("prune %s: %w", key, err)
	}
	if err := a.store.Expire(ctx, key, a.setTTL()); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	if err := a.Touch(ctx, cell, now); err != nil {
		return err
	}

	metrics.PresenceUpserts.WithLabelValues(string(sig)).Inc()
	return nil
}

// Count returns the number of distinct entities seen within the window.
func (a *Aggregator) Count(ctx context.Context, cell model.CellKey, sig model.Signal, now time.Time) (int64, error) {
	if !sig.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSignal, sig)
	}
	return a.store.ZCount(ctx, keyspace.Signal(cell, sig), a.cutoff(now), math.MaxInt64)
}

// Members returns the live entity ids, oldest first.
func (a *Aggregator) Members(ctx context.Context, cell model.CellKey, sig model.Signal, now time.Time) ([]string, error) {
	if !sig.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSignal, sig)
	}
	members, err := a.store.ZRange(ctx, keyspace.Signal(cell, sig), a.cutoff(now), math.MaxInt64)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Name
	}
	return ids, nil
}

// NewRequestID returns a unique entity id for one ride request. Requests are
// never deduplicated against each other, even from the same rider in the same
// millisecond.
func NewRequestID(riderID string, now time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return riderID + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + suffix
}

// PutRecord stores the payload for a live request. It lives as long as the
// request can be counted.
func (a *Aggregator) PutRecord(ctx context.Context, cell model.CellKey, rec model.RideRequestRecord) error {
	if rec.RequestID == "" {
		return ErrEmptyEntity
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", rec.RequestID, err)
	}
	return a.store.Set(ctx, keyspace.Record(cell, rec.RequestID), string(data), a.freshness)
}

// Records returns the payloads of live requests in the cell, oldest first.
// Requests whose payload is missing or unreadable are skipped.
func (a *Aggregator) Records(ctx context.Context, cell model.CellKey, now time.Time) ([]model.RideRequestRecord, error) {
	ids, err := a.Members(ctx, cell, model.SignalRequest, now)
	if err != nil {
		return nil, err
	}
	records := make([]model.RideRequestRecord, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := a.store.Get(ctx, keyspace.Record(cell, id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rec model.RideRequestRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			slog.Warn("skipping unreadable request record", "cell", cell.CellID, "res", cell.Resolution, "id", id, "err", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// IncrDemand bumps the cell's booking counter. The counter expires after a
// baseline window without bookings.
func (a *Aggregator) IncrDemand(ctx context.Context, cell model.CellKey) (int64, error) {
	return a.store.Incr(ctx, keyspace.Key(cell, keyspace.PurposeDemand), a.activityTTL)
}

// DemandTotal returns the booking counter, zero when absent.
func (a *Aggregator) DemandTotal(ctx context.Context, cell model.CellKey) (int64, error) {
	raw, ok, err := a.store.Get(ctx, keyspace.Key(cell, keyspace.PurposeDemand))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse demand counter: %w", err)
	}
	return n, nil
}

// Touch records activity in the cell. The first touch fixes the cell's
// first-seen time; later touches keep it alive. A cell idle for a full
// baseline window forgets it and warms up again.
func (a *Aggregator) Touch(ctx context.Context, cell model.CellKey, now time.Time) error {
	key := keyspace.Key(cell, keyspace.PurposeFirstSeen)
	created, err := a.store.SetNX(ctx, key, strconv.FormatInt(now.UnixMilli(), 10), a.activityTTL)
	if err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}
	if created {
		return nil
	}
	if err := a.store.Expire(ctx, key, a.activityTTL); err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}
	return nil
}

// FirstSeen returns when the cell's current activity streak began.
func (a *Aggregator) FirstSeen(ctx context.Context, cell model.CellKey) (time.Time, bool, error) {
	raw, ok, err := a.store.Get(ctx, keyspace.Key(cell, keyspace.PurposeFirstSeen))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse first-seen: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// ActiveCells enumerates every cell holding a driver or request set. Keys
// that do not parse are skipped.
func (a *Aggregator) ActiveCells(ctx context.Context) ([]model.CellKey, error) {
	seen := make(map[model.CellKey]bool)
	for _, sig := range []model.Signal{model.SignalDriver, model.SignalRequest} {
		keys, err := a.store.Keys(ctx, keyspace.SignalPattern(sig))
		if err != nil {
			return nil, fmt.Errorf("list %s cells: %w", sig, err)
		}
		for _, k := range keys {
			cell, purpose, err := keyspace.Parse(k)
			if err != nil || purpose != keyspace.Purpose(sig) {
				slog.Debug("ignoring key during cell discovery", "key", k)
				continue
			}
			seen[cell] = true
		}
	}

	cells := make([]model.CellKey, 0, len(seen))
	for c := range seen {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Resolution != cells[j].Resolution {
			return cells[i].Resolution < cells[j].Resolution
		}
		return cells[i].CellID < cells[j].CellID
	})
	return cells, nil
}
