package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/model"
	"github.com/HackxAnkit/SurgePricing/internal/store"
)

var (
	t0   = time.UnixMilli(1_700_000_000_000)
	cell = model.CellKey{Resolution: 8, CellID: "89c25985"}
)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func newTestAggregator(t *testing.T) (*Aggregator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, config.DefaultSurge()), st
}

func mustCount(t *testing.T, a *Aggregator, sig model.Signal, now time.Time) int64 {
	t.Helper()
	n, err := a.Count(context.Background(), cell, sig, now)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestUpsert_DedupesSameEntity(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	// Driver pings at t=0 and t=5 count once.
	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(0))
	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(5))

	if n := mustCount(t, a, model.SignalDriver, at(5)); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestCount_WindowBoundary(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(0))
	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(5))

	tests := []struct {
		now  float64
		want int64
	}{
		{5, 1},
		{35, 1},   // exactly freshness old: still counted
		{35.5, 0}, // older than freshness: gone
		{36, 0},
	}
	for _, tt := range tests {
		if n := mustCount(t, a, model.SignalDriver, at(tt.now)); n != tt.want {
			t.Errorf("count at t=%v = %d, want %d", tt.now, n, tt.want)
		}
	}
}

func TestUpsert_OutOfOrderDoesNotRegress(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(10))
	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(2)) // delayed ping arrives late

	// Still live at t=39 because the newer timestamp (10) wins.
	if n := mustCount(t, a, model.SignalDriver, at(39)); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestUpsert_PrunesOnWrite(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	a.Upsert(ctx, cell, model.SignalDriver, "old", at(0))
	a.Upsert(ctx, cell, model.SignalDriver, "new", at(100))

	members, _ := st.ZRange(ctx, "geofence:8:89c25985:drivers", 0, at(1000).UnixMilli())
	if len(members) != 1 || members[0].Name != "new" {
		t.Errorf("expired member should be pruned on write, got %+v", members)
	}
}

func TestSignalsAreIndependent(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(0))
	a.Upsert(ctx, cell, model.SignalRequest, "R1", at(0))
	a.Upsert(ctx, cell, model.SignalRequest, "R2", at(0))

	if n := mustCount(t, a, model.SignalDriver, at(1)); n != 1 {
		t.Errorf("drivers = %d, want 1", n)
	}
	if n := mustCount(t, a, model.SignalRequest, at(1)); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}

	other := model.CellKey{Resolution: 7, CellID: cell.CellID}
	n, _ := a.Count(ctx, other, model.SignalDriver, at(1))
	if n != 0 {
		t.Errorf("same cell id at another resolution should be separate, got %d", n)
	}
}

func TestRequests_NeverDeduplicated(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := NewRequestID("rider-1", at(0))
		if err := a.Upsert(ctx, cell, model.SignalRequest, id, at(0)); err != nil {
			t.Fatal(err)
		}
	}
	if n := mustCount(t, a, model.SignalRequest, at(0)); n != 5 {
		t.Errorf("requests = %d, want 5", n)
	}
}

func TestUpsert_InvalidInput(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	if err := a.Upsert(ctx, cell, model.Signal("riders"), "X", at(0)); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("expected ErrInvalidSignal, got %v", err)
	}
	if err := a.Upsert(ctx, cell, model.SignalDriver, "", at(0)); !errors.Is(err, ErrEmptyEntity) {
		t.Errorf("expected ErrEmptyEntity, got %v", err)
	}
}

func TestUpsert_ConcurrentEntities(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	const drivers = 100
	var wg sync.WaitGroup
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("D%d", i)
			// Each driver pings a few times; none may be lost or doubled.
			for p := 0; p < 3; p++ {
				if err := a.Upsert(ctx, cell, model.SignalDriver, id, at(float64(p))); err != nil {
					t.Errorf("upsert %s: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	if n := mustCount(t, a, model.SignalDriver, at(3)); n != drivers {
		t.Errorf("count = %d, want %d", n, drivers)
	}
}

func TestMembers(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	a.Upsert(ctx, cell, model.SignalDriver, "D2", at(2))
	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(1))

	ids, err := a.Members(ctx, cell, model.SignalDriver, at(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "D1" || ids[1] != "D2" {
		t.Errorf("members = %v, want [D1 D2]", ids)
	}
}

func TestRecords(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	id := NewRequestID("rider-9", at(0))
	a.Upsert(ctx, cell, model.SignalRequest, id, at(0))
	rec := model.RideRequestRecord{RequestID: id, RiderID: "rider-9", DistanceKm: 4.2, GeofenceID: cell.CellID}
	if err := a.PutRecord(ctx, cell, rec); err != nil {
		t.Fatal(err)
	}

	// A request with no payload is listed by Members but skipped by Records.
	a.Upsert(ctx, cell, model.SignalRequest, "orphan", at(1))
	// An unreadable payload is skipped too.
	st.Set(ctx, "geofence:8:89c25985:record:broken", "{not json", 0)
	a.Upsert(ctx, cell, model.SignalRequest, "broken", at(1))

	records, err := a.Records(ctx, cell, at(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].RiderID != "rider-9" || records[0].DistanceKm != 4.2 {
		t.Errorf("records = %+v", records)
	}
}

func TestDemandCounter(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	if n, _ := a.DemandTotal(ctx, cell); n != 0 {
		t.Errorf("empty counter = %d", n)
	}
	a.IncrDemand(ctx, cell)
	a.IncrDemand(ctx, cell)
	if n, _ := a.DemandTotal(ctx, cell); n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}
}

func TestFirstSeen(t *testing.T) {
	a, _ := newTestAggregator(t)
	ctx := context.Background()

	if _, ok, _ := a.FirstSeen(ctx, cell); ok {
		t.Fatal("fresh cell should have no first-seen time")
	}
	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(0))
	a.Upsert(ctx, cell, model.SignalDriver, "D2", at(20))

	first, ok, err := a.FirstSeen(ctx, cell)
	if err != nil || !ok {
		t.Fatalf("FirstSeen = %v, %v", ok, err)
	}
	if !first.Equal(at(0)) {
		t.Errorf("first seen = %v, want %v", first, at(0))
	}
}

func TestActiveCells(t *testing.T) {
	a, st := newTestAggregator(t)
	ctx := context.Background()

	c2 := model.CellKey{Resolution: 7, CellID: "89c2"}
	a.Upsert(ctx, cell, model.SignalDriver, "D1", at(0))
	a.Upsert(ctx, cell, model.SignalRequest, "R1", at(0))
	a.Upsert(ctx, c2, model.SignalRequest, "R2", at(0))
	st.Set(ctx, "geofence:8:89c25985:surge", "{}", 0)

	cells, err := a.ActiveCells(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 2 {
		t.Fatalf("cells = %+v, want 2", cells)
	}
	if cells[0] != c2 || cells[1] != cell {
		t.Errorf("cells not sorted by resolution: %+v", cells)
	}
}
