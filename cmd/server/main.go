package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/HackxAnkit/SurgePricing/internal/aggregator"
	"github.com/HackxAnkit/SurgePricing/internal/api"
	"github.com/HackxAnkit/SurgePricing/internal/baseline"
	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/metrics"
	"github.com/HackxAnkit/SurgePricing/internal/pricing"
	"github.com/HackxAnkit/SurgePricing/internal/store"
	"github.com/HackxAnkit/SurgePricing/internal/surge"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var backend store.Store
	var cleanup []func()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		backend = store.NewRedisStore(rdb)
		slog.Info("using Redis presence store")
	} else {
		slog.Warn("REDIS_URL not set, using in-memory store (single instance only)")
		backend = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	st := store.NewTimeoutStore(backend, cfg.Store.Timeout, func(op string) {
		metrics.Degraded.WithLabelValues(op).Inc()
	})
	if err := st.Ping(ctx); err != nil {
		// Not fatal: requests degrade to the base multiplier until it recovers.
		slog.Warn("store not reachable at startup", "err", err)
	}

	// --- Engine ---
	agg := aggregator.New(st, cfg.Surge)
	est := baseline.NewEstimator(st, cfg.Surge)
	engine := surge.NewEngine(st, agg, est, cfg.Surge)

	hub := api.NewSurgeHub()
	go hub.Run(ctx)
	engine.WithNotifier(hub)

	svc := api.NewService(st, agg, est, engine, pricing.NewQuoter(cfg.Surge), cfg.Surge)

	// --- Optional surge history ---
	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		history := store.NewPostgresHistory(pool)
		if err := history.EnsureSchema(ctx); err != nil {
			slog.Error("surge history schema", "err", err)
			os.Exit(1)
		}
		engine.WithRecorder(history, cfg.History.Timeout)
		svc.WithHistory(history)
		slog.Info("surge history enabled")
	}

	// --- Background loops ---
	go engine.Run(ctx, cfg.Loops.RecomputeInterval, cfg.Loops.Concurrency)
	sampler := baseline.NewSampler(est, agg, cfg.Loops.BaselineSampleInterval, cfg.Loops.Concurrency)
	go sampler.Run(ctx)

	// --- Server ---
	limiter := api.NewIngestLimiter(cfg.Ingest.DriverPingRPS, cfg.Ingest.DriverPingBurst)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      api.Routes(svc, hub, limiter),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("surge-pricing listening",
			"port", cfg.HTTP.Port,
			"resolution", cfg.Surge.Resolution,
			"freshness_s", cfg.Surge.DataFreshnessSeconds,
			"baseline_window_s", cfg.Surge.BaselineWindowSeconds,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down surge-pricing...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("surge-pricing stopped")
}
