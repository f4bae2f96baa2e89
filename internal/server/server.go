// Package server is the HTTP front: route table, middleware chain,
// request parsing, and the uniform response envelope.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/seckill/internal/limits"
	"github.com/adred-codev/seckill/internal/metrics"
	"github.com/adred-codev/seckill/internal/reconcile"
	"github.com/adred-codev/seckill/internal/reservation"
	"github.com/adred-codev/seckill/internal/types"
)

// reserveTimeout bounds the hot path per request. A deadline hit
// behaves like a dispatch failure and triggers compensation.
const reserveTimeout = 2 * time.Second

const maxBatchStockIDs = 50

// Reserver is the reservation engine surface the handlers call.
type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) (types.ReservationResult, error)
	Rollback(ctx context.Context, activityID, userID string, quantity int64) (int64, error)
}

// StockReader reads stock counters through the cache layer.
type StockReader interface {
	GetStock(ctx context.Context, activityID string) (int64, error)
}

// Pinger reports hot store liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports broker connectivity.
type BrokerStatus interface {
	Connected() bool
}

// QueueStats exposes worker pool pressure for the health report.
type QueueStats interface {
	QueueDepth() int
	QueueCapacity() int
}

// Options wires the server's collaborators.
type Options struct {
	Port         int
	CORSOrigins  string
	AdminSecret  string
	TrustProxy   bool
	Logger       zerolog.Logger
	Engine       Reserver
	Stocks       StockReader
	Limiter      *limits.AdmissionLimiter
	Collector    *metrics.Collector
	Reconciler   *reconcile.Reconciler
	StorePing    Pinger
	Broker       BrokerStatus
	Pool         QueueStats
	ReadyVersion string
}

// Server owns the HTTP listener and the route table.
type Server struct {
	opts   Options
	logger zerolog.Logger
	http   *http.Server
	proc   *process.Process
}

func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "http").Logger(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/seckill/{activity_id}", s.handleReserve)
	mux.HandleFunc("GET /api/v1/seckill/stock/{activity_id}", s.handleStock)
	mux.HandleFunc("GET /api/v1/seckill/stocks", s.handleStocks)

	admin := adminAuth(opts.AdminSecret)
	mux.Handle("POST /api/v1/seckill/rollback/{activity_id}", admin(http.HandlerFunc(s.handleRollback)))
	mux.Handle("GET /api/v1/admin/metrics", admin(http.HandlerFunc(s.handleMetricsJSON)))
	mux.Handle("GET /api/v1/admin/metrics/text", admin(http.HandlerFunc(s.handleMetricsText)))
	mux.Handle("GET /api/v1/admin/metrics/prometheus", admin(metrics.Handler()))
	mux.Handle("POST /api/v1/admin/metrics/reset", admin(http.HandlerFunc(s.handleMetricsReset)))
	mux.Handle("GET /api/v1/admin/reconcile", admin(http.HandlerFunc(s.handleReconcileReport)))
	mux.Handle("POST /api/v1/admin/limits/{tier}", admin(http.HandlerFunc(s.handleUpdateLimit)))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handlePing)

	handler := chain(mux,
		recovery(s.logger),
		requestID,
		accessLog(s.logger, opts.TrustProxy),
		cors(opts.CORSOrigins),
		securityHeaders,
		observe(opts.Collector),
	)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the middleware-wrapped route table for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// reserveBody is the purchase request envelope. UserLimit is accepted
// for wire compatibility but the activity's own limit is authoritative.
type reserveBody struct {
	UserID         string `json:"user_id"`
	PurchaseAmount int64  `json:"purchase_amount"`
	UserLimit      *int64 `json:"user_limit,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	activityID := r.PathValue("activity_id")
	if !validID(activityID) {
		writeCode(w, r, types.CodeInvalidParameter, "invalid activity id", nil)
		return
	}

	var body reserveBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeCode(w, r, types.CodeInvalidParameter, "malformed request body", nil)
		return
	}
	if !validID(body.UserID) {
		writeCode(w, r, types.CodeInvalidParameter, "invalid user id", nil)
		return
	}
	if body.PurchaseAmount < 1 || body.PurchaseAmount > 100 {
		writeCode(w, r, types.CodeInvalidParameter, "purchase_amount must be between 1 and 100", nil)
		return
	}

	if adm := s.opts.Limiter.Allow(clientIP(r, s.opts.TrustProxy), body.UserID); !adm.Allowed {
		metrics.RecordRateLimited(adm.Tier)
		s.opts.Collector.RecordRequest(activityID, string(types.CodeRateLimited), false)
		w.Header().Set("Retry-After", strconv.FormatInt(adm.RetryAfter, 10))
		writeCode(w, r, types.CodeRateLimited, "rate limit exceeded", map[string]any{
			"tier":        adm.Tier,
			"retry_after": adm.RetryAfter,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reserveTimeout)
	defer cancel()

	res, err := s.opts.Engine.Reserve(ctx, reservation.Request{
		ActivityID:     activityID,
		UserID:         body.UserID,
		Quantity:       body.PurchaseAmount,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	})
	if err != nil {
		s.opts.Collector.RecordRequest(activityID, string(types.CodeOf(err)), false)
		s.logger.Error().Err(err).
			Str("activity_id", activityID).
			Str("request_id", requestIDFrom(r.Context())).
			Msg("reservation failed")
		writeError(w, r, err, "reservation failed")
		return
	}

	s.opts.Collector.RecordRequest(activityID, string(res.Code), res.Code == types.CodeOK)
	if res.Code != types.CodeOK {
		writeCode(w, r, res.Code, declineMessage(res.Code), map[string]any{
			"remaining_stock": res.RemainingStock,
			"user_purchased":  res.UserPurchased,
		})
		return
	}
	writeSuccess(w, r, "reservation confirmed", map[string]any{
		"order_id":        res.OrderID,
		"remaining_stock": res.RemainingStock,
		"user_purchased":  res.UserPurchased,
	})
}

func declineMessage(code types.Code) string {
	switch code {
	case types.CodeNotFound:
		return "activity not found"
	case types.CodeNotActive:
		return "activity is not active"
	case types.CodeNotStarted:
		return "activity has not started"
	case types.CodeEnded:
		return "activity has ended"
	case types.CodeOutOfStock:
		return "out of stock"
	case types.CodeUserLimitExceeded:
		return "per-user purchase limit reached"
	default:
		return "reservation declined"
	}
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	activityID := r.PathValue("activity_id")
	if !validID(activityID) {
		writeCode(w, r, types.CodeInvalidParameter, "invalid activity id", nil)
		return
	}
	stock, err := s.opts.Stocks.GetStock(r.Context(), activityID)
	if err != nil {
		writeError(w, r, err, "stock read failed")
		return
	}
	writeSuccess(w, r, "ok", map[string]any{
		"activity_id": activityID,
		"stock":       stock,
	})
}

func (s *Server) handleStocks(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("activity_ids")
	if raw == "" {
		writeCode(w, r, types.CodeInvalidParameter, "activity_ids is required", nil)
		return
	}
	ids := strings.Split(raw, ",")
	if len(ids) > maxBatchStockIDs {
		writeCode(w, r, types.CodeInvalidParameter,
			fmt.Sprintf("at most %d activity ids per request", maxBatchStockIDs), nil)
		return
	}

	stocks := make(map[string]int64, len(ids))
	var missing []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !validID(id) {
			writeCode(w, r, types.CodeInvalidParameter, "invalid activity id: "+id, nil)
			return
		}
		stock, err := s.opts.Stocks.GetStock(r.Context(), id)
		if err != nil {
			if types.CodeOf(err) == types.CodeNotFound {
				missing = append(missing, id)
				continue
			}
			writeError(w, r, err, "stock read failed")
			return
		}
		stocks[id] = stock
	}
	writeSuccess(w, r, "ok", map[string]any{
		"stocks":  stocks,
		"missing": missing,
	})
}

type rollbackBody struct {
	UserID   string `json:"user_id"`
	Quantity int64  `json:"quantity"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	activityID := r.PathValue("activity_id")
	if !validID(activityID) {
		writeCode(w, r, types.CodeInvalidParameter, "invalid activity id", nil)
		return
	}
	var body rollbackBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeCode(w, r, types.CodeInvalidParameter, "malformed request body", nil)
		return
	}
	if !validID(body.UserID) {
		writeCode(w, r, types.CodeInvalidParameter, "invalid user id", nil)
		return
	}
	if body.Quantity < 1 || body.Quantity > 100 {
		writeCode(w, r, types.CodeInvalidParameter, "quantity must be between 1 and 100", nil)
		return
	}

	stock, err := s.opts.Engine.Rollback(r.Context(), activityID, body.UserID, body.Quantity)
	if err != nil {
		writeError(w, r, err, "rollback failed")
		return
	}
	writeSuccess(w, r, "rollback applied", map[string]any{
		"activity_id":   activityID,
		"current_stock": stock,
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.Collector.ExportJSON()
	if err != nil {
		writeError(w, r, err, "metrics export failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleMetricsText(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(s.opts.Collector.ExportText())
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.opts.Collector.Reset()
	writeSuccess(w, r, "metrics reset", nil)
}

func (s *Server) handleReconcileReport(w http.ResponseWriter, r *http.Request) {
	rep := s.opts.Reconciler.LastReport()
	if rep == nil {
		writeSuccess(w, r, "no cycle completed yet", nil)
		return
	}
	writeSuccess(w, r, "ok", rep)
}

type limitBody struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

func (s *Server) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	tier := r.PathValue("tier")
	var body limitBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&body); err != nil {
		writeCode(w, r, types.CodeInvalidParameter, "malformed request body", nil)
		return
	}
	if body.Capacity <= 0 || body.RefillRate <= 0 {
		writeCode(w, r, types.CodeInvalidParameter, "capacity and refill_rate must be positive", nil)
		return
	}
	spec := limits.TierSpec{Capacity: body.Capacity, RefillRate: body.RefillRate}
	if err := s.opts.Limiter.UpdateConfig(tier, spec); err != nil {
		writeError(w, r, err, "limit update failed")
		return
	}
	s.logger.Info().
		Str("tier", tier).
		Float64("capacity", body.Capacity).
		Float64("refill_rate", body.RefillRate).
		Msg("rate limit tier updated")
	writeSuccess(w, r, "limit updated", map[string]any{"tier": tier})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("pong"))
}

// handleHealth reports per-dependency checks. Status is healthy when
// everything passes, degraded when the worker queue is pressed or a
// non-critical reading fails, unhealthy when the hot store or broker
// is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]any{}
	status := "healthy"

	if err := s.opts.StorePing.Ping(ctx); err != nil {
		checks["hot_store"] = map[string]any{"ok": false, "error": err.Error()}
		status = "unhealthy"
	} else {
		checks["hot_store"] = map[string]any{"ok": true}
	}

	if s.opts.Broker.Connected() {
		checks["broker"] = map[string]any{"ok": true}
	} else {
		checks["broker"] = map[string]any{"ok": false}
		status = "unhealthy"
	}

	depth, capacity := s.opts.Pool.QueueDepth(), s.opts.Pool.QueueCapacity()
	utilization := 0.0
	if capacity > 0 {
		utilization = float64(depth) / float64(capacity)
	}
	checks["worker_queue"] = map[string]any{
		"depth":       depth,
		"capacity":    capacity,
		"utilization": utilization,
	}
	if status == "healthy" && utilization > 0.9 {
		status = "degraded"
	}

	runtimeInfo := map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"gomaxprocs": runtime.GOMAXPROCS(0),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			runtimeInfo["rss_bytes"] = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			runtimeInfo["cpu_percent"] = cpu
		}
	}
	checks["runtime"] = runtimeInfo
	checks["rate_limiter"] = s.opts.Limiter.Stats()

	body := map[string]any{
		"status":  status,
		"version": s.opts.ReadyVersion,
		"checks":  checks,
	}
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// validID accepts 1..50 characters of [A-Za-z0-9_-].
func validID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
