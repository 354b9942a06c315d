// Package api provides the HTTP surface of the surge engine: price checks,
// ride booking, driver presence, cell diagnostics and health.
//
// Money fields are shopspring/decimal and serialize as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/HackxAnkit/SurgePricing/internal/aggregator"
	"github.com/HackxAnkit/SurgePricing/internal/baseline"
	"github.com/HackxAnkit/SurgePricing/internal/config"
	"github.com/HackxAnkit/SurgePricing/internal/geo"
	"github.com/HackxAnkit/SurgePricing/internal/model"
	"github.com/HackxAnkit/SurgePricing/internal/pricing"
	"github.com/HackxAnkit/SurgePricing/internal/store"
	"github.com/HackxAnkit/SurgePricing/internal/surge"
)

// HistoryReader lists recent committed transitions for a cell.
type HistoryReader interface {
	Recent(ctx context.Context, cell model.CellKey, limit int) ([]model.HistoryEntry, error)
}

// historyLimit caps the transitions returned by cell diagnostics.
const historyLimit = 20

// Service wires the engine components to HTTP handlers. It holds no
// per-cell state of its own.
type Service struct {
	cfg       config.SurgeConfig
	store     store.Store
	indexer   geo.Indexer
	agg       *aggregator.Aggregator
	baselines *baseline.Estimator
	engine    *surge.Engine
	quoter    *pricing.Quoter
	history   HistoryReader // optional
	now       func() time.Time
}

// NewService creates the HTTP service.
func NewService(st store.Store, agg *aggregator.Aggregator, est *baseline.Estimator, engine *surge.Engine, quoter *pricing.Quoter, cfg config.SurgeConfig) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		indexer:   geo.NewIndexer(),
		agg:       agg,
		baselines: est,
		engine:    engine,
		quoter:    quoter,
		now:       time.Now,
	}
}

// WithHistory enables recent-history output in cell diagnostics.
func (s *Service) WithHistory(h HistoryReader) *Service {
	s.history = h
	return s
}

// --- Request/Response types ---

// PriceResponse is the JSON body returned from GET /price.
type PriceResponse struct {
	BaseFare        decimal.Decimal `json:"baseFare"`
	SurgeMultiplier float64         `json:"surgeMultiplier"`
	FinalPrice      decimal.Decimal `json:"finalPrice"`
	Currency        string          `json:"currency"`
	GeofenceID      string          `json:"geofenceId"`
	Status          string          `json:"status"`
}

// BookingRequest is the JSON body for POST /rider/book.
type BookingRequest struct {
	RiderID    string   `json:"riderId"`
	PickupLat  *float64 `json:"pickupLat"`
	PickupLng  *float64 `json:"pickupLng"`
	DropLat    *float64 `json:"dropLat"`
	DropLng    *float64 `json:"dropLng"`
	PickupName string   `json:"pickupName,omitempty"`
	DropName   string   `json:"dropName,omitempty"`
}

// BookingResponse is the JSON body returned from POST /rider/book.
type BookingResponse struct {
	RequestID       string          `json:"requestId"`
	RiderID         string          `json:"riderId"`
	DistanceKm      float64         `json:"distanceKm"`
	BasePrice       decimal.Decimal `json:"basePrice"`
	SurgeMultiplier float64         `json:"surgeMultiplier"`
	FinalPrice      decimal.Decimal `json:"finalPrice"`
	Currency        string          `json:"currency"`
	GeofenceID      string          `json:"geofenceId"`
	Resolution      int             `json:"resolution"`
	NearbyDrivers   int64           `json:"nearbyDrivers"`
	RequestCount    int64           `json:"requestCount"`
	Ratio           float64         `json:"ratio"`
	PickupName      string          `json:"pickupName,omitempty"`
	DropName        string          `json:"dropName,omitempty"`
	Status          string          `json:"status"`
}

// AvailabilityResponse is the JSON body returned from GET /driver/availability.
type AvailabilityResponse struct {
	GeofenceID     string                    `json:"geofenceId"`
	Resolution     int                       `json:"resolution"`
	NearbyDrivers  int64                     `json:"nearbyDrivers"`
	ActiveRequests []model.RideRequestRecord `json:"activeRequests"`
	Status         string                    `json:"status"`
}

// DriverPingRequest is the JSON body for POST /driver/ping.
type DriverPingRequest struct {
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

// CellResponse is the JSON body returned from GET /cells/{res}/{cell}.
type CellResponse struct {
	GeofenceID      string               `json:"geofenceId"`
	Resolution      int                  `json:"resolution"`
	CenterLat       *float64             `json:"centerLat,omitempty"`
	CenterLng       *float64             `json:"centerLng,omitempty"`
	Drivers         []string             `json:"drivers"`
	RequestCount    int64                `json:"requestCount"`
	DemandTotal     int64                `json:"demandTotal"`
	FirstSeen       *int64               `json:"firstSeen,omitempty"`
	Baseline        *model.BaselineState `json:"baseline,omitempty"`
	BaselineReady   bool                 `json:"baselineReady"`
	SurgeMultiplier float64              `json:"surgeMultiplier"`
	SurgeStatus     string               `json:"surgeStatus"`
	History         []model.HistoryEntry `json:"history,omitempty"`
}

// --- HTTP Handlers ---

// GetPrice handles GET /price?lat&lng
// Prices the base fare at the cell's committed multiplier.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	lat, lng, err := parseLatLng(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cellID := s.indexer.IndexOrDefault(lat, lng, s.cfg.Resolution)
	cell := model.CellKey{Resolution: s.cfg.Resolution, CellID: cellID}
	snap := s.engine.Current(r.Context(), cell, s.now())

	quote, err := s.quoter.FlatQuote(snap.Multiplier, cellID)
	if err != nil {
		writeError(w, "internal error: invalid multiplier", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, PriceResponse{
		BaseFare:        quote.BaseFare,
		SurgeMultiplier: quote.Multiplier,
		FinalPrice:      quote.FinalPrice,
		Currency:        quote.Currency,
		GeofenceID:      cellID,
		Status:          string(snap.Status),
	})
}

// BookRide handles POST /rider/book
// Records the request, recomputes the pickup cell's surge and prices the trip.
func (s *Service) BookRide(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	req.RiderID = strings.TrimSpace(req.RiderID)
	if req.RiderID == "" {
		writeError(w, "riderId is required", http.StatusBadRequest)
		return
	}
	if req.PickupLat == nil || req.PickupLng == nil || req.DropLat == nil || req.DropLng == nil {
		writeError(w, "pickupLat, pickupLng, dropLat and dropLng are required", http.StatusBadRequest)
		return
	}
	if !geo.ValidCoordinate(*req.PickupLat, *req.PickupLng) || !geo.ValidCoordinate(*req.DropLat, *req.DropLng) {
		writeError(w, "coordinates out of range", http.StatusBadRequest)
		return
	}

	distance := geo.HaversineKm(*req.PickupLat, *req.PickupLng, *req.DropLat, *req.DropLng)
	// Validate before touching the store so a rejected trip leaves no presence.
	if _, err := s.quoter.Quote(distance, s.cfg.BaseSurgeMultiplier, ""); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := geo.SelectResolution(distance, s.cfg.Resolution)
	cellID := s.indexer.IndexOrDefault(*req.PickupLat, *req.PickupLng, res)
	cell := model.CellKey{Resolution: res, CellID: cellID}

	ctx := r.Context()
	now := s.now()
	requestID := aggregator.NewRequestID(req.RiderID, now)

	// Count the new request before computing its price.
	if err := s.agg.Upsert(ctx, cell, model.SignalRequest, requestID, now); err != nil {
		slog.Warn("ride request presence not recorded", "cell", cellID, "res", res, "err", err)
	}

	snap := s.engine.Recompute(ctx, cell, now)
	quote, err := s.quoter.Quote(distance, snap.Multiplier, cellID)
	if err != nil {
		writeError(w, "internal error: invalid multiplier", http.StatusInternalServerError)
		return
	}

	record := model.RideRequestRecord{
		RequestID:       requestID,
		RiderID:         req.RiderID,
		PickupLat:       *req.PickupLat,
		PickupLng:       *req.PickupLng,
		DropLat:         *req.DropLat,
		DropLng:         *req.DropLng,
		DistanceKm:      distance,
		BasePrice:       quote.BaseFare,
		SurgeMultiplier: quote.Multiplier,
		FinalPrice:      quote.FinalPrice,
		GeofenceID:      cellID,
		PickupName:      req.PickupName,
		DropName:        req.DropName,
		Timestamp:       now.UnixMilli(),
	}
	if err := s.agg.PutRecord(ctx, cell, record); err != nil {
		slog.Warn("ride request record not stored", "cell", cellID, "res", res, "err", err)
	}
	if _, err := s.agg.IncrDemand(ctx, cell); err != nil {
		slog.Warn("demand counter not incremented", "cell", cellID, "res", res, "err", err)
	}

	slog.Info("ride booked",
		"request_id", requestID,
		"rider", req.RiderID,
		"cell", cellID,
		"res", res,
		"distance_km", distance,
		"multiplier", snap.Multiplier,
		"status", string(snap.Status),
		"final_price", quote.FinalPrice.String(),
	)

	writeJSON(w, http.StatusOK, BookingResponse{
		RequestID:       requestID,
		RiderID:         req.RiderID,
		DistanceKm:      distance,
		BasePrice:       quote.BaseFare,
		SurgeMultiplier: quote.Multiplier,
		FinalPrice:      quote.FinalPrice,
		Currency:        quote.Currency,
		GeofenceID:      cellID,
		Resolution:      res,
		NearbyDrivers:   snap.Supply,
		RequestCount:    snap.Demand,
		Ratio:           displayRatio(snap.Demand, snap.Supply),
		PickupName:      req.PickupName,
		DropName:        req.DropName,
		Status:          string(snap.Status),
	})
}

// DriverAvailability handles GET /driver/availability?lat&lng[&res]
// Lists live drivers and waiting ride requests in the driver's cell.
func (s *Service) DriverAvailability(w http.ResponseWriter, r *http.Request) {
	lat, lng, err := parseLatLng(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res := s.cfg.Resolution
	if v := r.URL.Query().Get("res"); v != "" {
		res, err = strconv.Atoi(v)
		if err != nil || res < 0 || res > geo.MaxResolution {
			writeError(w, "res must be an integer in [0,15]", http.StatusBadRequest)
			return
		}
	}

	cellID := s.indexer.IndexOrDefault(lat, lng, res)
	cell := model.CellKey{Resolution: res, CellID: cellID}
	resp := AvailabilityResponse{
		GeofenceID:     cellID,
		Resolution:     res,
		ActiveRequests: []model.RideRequestRecord{},
		Status:         string(surge.StatusOK),
	}

	ctx := r.Context()
	now := s.now()
	drivers, err := s.agg.Count(ctx, cell, model.SignalDriver, now)
	if err == nil {
		var records []model.RideRequestRecord
		records, err = s.agg.Records(ctx, cell, now)
		if err == nil {
			resp.NearbyDrivers = drivers
			resp.ActiveRequests = records
		}
	}
	if err != nil {
		slog.Warn("availability degraded", "cell", cellID, "res", res, "err", err)
		resp.Status = string(surge.StatusDegraded)
	}

	writeJSON(w, http.StatusOK, resp)
}

// DriverPing handles POST /driver/ping (and the /driver/location alias)
// Marks the driver present in its cell at every bookable resolution.
func (s *Service) DriverPing(w http.ResponseWriter, r *http.Request) {
	var req DriverPingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.DriverID = strings.TrimSpace(req.DriverID)
	if req.DriverID == "" {
		writeError(w, "driverId is required", http.StatusBadRequest)
		return
	}
	if req.Lat == nil || req.Lng == nil || !geo.ValidCoordinate(*req.Lat, *req.Lng) {
		writeError(w, "valid lat and lng are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := s.now()
	var baseCell string
	for _, res := range geo.Resolutions(s.cfg.Resolution) {
		cellID, err := s.indexer.Index(*req.Lat, *req.Lng, res)
		if err != nil {
			continue
		}
		if res == s.cfg.Resolution {
			baseCell = cellID
		}
		cell := model.CellKey{Resolution: res, CellID: cellID}
		if err := s.agg.Upsert(ctx, cell, model.SignalDriver, req.DriverID, now); err != nil {
			slog.Warn("driver presence not recorded", "driver", req.DriverID, "cell", cellID, "res", res, "err", err)
			writeError(w, "presence store unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"driverId":   req.DriverID,
		"geofenceId": baseCell,
	})
}

// GetCell handles GET /cells/{res}/{cell}
// Diagnostic view of everything the engine knows about one cell.
func (s *Service) GetCell(w http.ResponseWriter, r *http.Request) {
	res, err := strconv.Atoi(chi.URLParam(r, "res"))
	if err != nil || res < 0 || res > geo.MaxResolution {
		writeError(w, "res must be an integer in [0,15]", http.StatusBadRequest)
		return
	}
	cellID := chi.URLParam(r, "cell")
	cell := model.CellKey{Resolution: res, CellID: cellID}

	ctx := r.Context()
	now := s.now()

	drivers, err := s.agg.Members(ctx, cell, model.SignalDriver, now)
	if err != nil {
		writeError(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}
	requests, err := s.agg.Count(ctx, cell, model.SignalRequest, now)
	if err != nil {
		writeError(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}
	demand, err := s.agg.DemandTotal(ctx, cell)
	if err != nil {
		writeError(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := CellResponse{
		GeofenceID:   cellID,
		Resolution:   res,
		Drivers:      drivers,
		RequestCount: requests,
		DemandTotal:  demand,
	}
	if resp.Drivers == nil {
		resp.Drivers = []string{}
	}
	if lat, lng, err := geo.CellCenter(cellID); err == nil {
		resp.CenterLat, resp.CenterLng = &lat, &lng
	}
	if first, ok, err := s.agg.FirstSeen(ctx, cell); err == nil && ok {
		ms := first.UnixMilli()
		resp.FirstSeen = &ms
	}
	if b, ready, err := s.baselines.Baseline(ctx, cell, now); err == nil && b.Samples > 0 {
		resp.Baseline = &b
		resp.BaselineReady = ready
	}

	snap := s.engine.Current(ctx, cell, now)
	resp.SurgeMultiplier = snap.Multiplier
	resp.SurgeStatus = string(snap.Status)

	if s.history != nil {
		entries, err := s.history.Recent(ctx, cell, historyLimit)
		if err != nil {
			slog.Warn("surge history unavailable", "cell", cellID, "res", res, "err", err)
		} else {
			resp.History = entries
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health. Liveness only; it never touches the store.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "surge-pricing"})
}

// Ready handles GET /ready. It fails while the store is unreachable.
func (s *Service) Ready(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		slog.Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ServiceHealth returns a handler for the per-surface health endpoints.
func ServiceHealth(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": name})
	}
}

// --- helpers ---

func parseLatLng(r *http.Request) (float64, float64, error) {
	q := r.URL.Query()
	latS, lngS := q.Get("lat"), q.Get("lng")
	if latS == "" || lngS == "" {
		return 0, 0, errors.New("lat and lng query parameters are required")
	}
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return 0, 0, errors.New("lat must be a number")
	}
	lng, err := strconv.ParseFloat(lngS, 64)
	if err != nil {
		return 0, 0, errors.New("lng must be a number")
	}
	return lat, lng, nil
}

// displayRatio is demand per driver, or raw demand when there are no
// drivers. JSON has no infinity.
func displayRatio(demand, supply int64) float64 {
	if supply <= 0 {
		return float64(demand)
	}
	return math.Round(float64(demand)/float64(supply)*1000) / 1000
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
