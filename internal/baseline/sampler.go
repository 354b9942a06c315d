package baseline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HackxAnkit/SurgePricing/internal/metrics"
	"github.com/HackxAnkit/SurgePricing/internal/model"
)

// PresenceSource supplies live counts and the set of active cells.
type PresenceSource interface {
	ActiveCells(ctx context.Context) ([]model.CellKey, error)
	Count(ctx context.Context, cell model.CellKey, sig model.Signal, now time.Time) (int64, error)
}

// Sampler feeds the estimator from the aggregator on its own cadence,
// independent of surge recomputation.
type Sampler struct {
	estimator   *Estimator
	source      PresenceSource
	interval    time.Duration
	concurrency int
	now         func() time.Time
}

// NewSampler creates a Sampler. concurrency bounds how many cells are
// sampled at once.
func NewSampler(e *Estimator, src PresenceSource, interval time.Duration, concurrency int) *Sampler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sampler{
		estimator:   e,
		source:      src,
		interval:    interval,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Run samples every active cell each interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	slog.Info("baseline sampler started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("baseline sampler stopped")
			return
		case <-ticker.C:
			if err := s.SampleOnce(ctx, s.now()); err != nil {
				slog.Error("baseline sampling pass failed", "err", err)
			}
		}
	}
}

// SampleOnce takes one sample of every active cell at now. Per-cell failures
// are logged and counted; only failing to list cells is returned.
func (s *Sampler) SampleOnce(ctx context.Context, now time.Time) error {
	cells, err := s.source.ActiveCells(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, cell := range cells {
		cell := cell
		g.Go(func() error {
			s.sampleCell(gctx, cell, now)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sampler) sampleCell(ctx context.Context, cell model.CellKey, now time.Time) {
	demand, err := s.source.Count(ctx, cell, model.SignalRequest, now)
	if err != nil {
		metrics.BaselineSamples.WithLabelValues("error").Inc()
		slog.Warn("baseline sample skipped", "cell", cell.CellID, "res", cell.Resolution, "err", err)
		return
	}
	supply, err := s.source.Count(ctx, cell, model.SignalDriver, now)
	if err != nil {
		metrics.BaselineSamples.WithLabelValues("error").Inc()
		slog.Warn("baseline sample skipped", "cell", cell.CellID, "res", cell.Resolution, "err", err)
		return
	}

	if _, err := s.estimator.Observe(ctx, cell, Sample{Demand: demand, Supply: supply}, now); err != nil {
		metrics.BaselineSamples.WithLabelValues("error").Inc()
		slog.Warn("baseline observe failed", "cell", cell.CellID, "res", cell.Resolution, "err", err)
		return
	}
	metrics.BaselineSamples.WithLabelValues("ok").Inc()
}
