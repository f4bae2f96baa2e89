// Package reservation runs the hot path of a purchase attempt: the
// activity check, the atomic counter update, event dispatch, and the
// compensating rollback when dispatch fails.
package reservation

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/activity"
	"github.com/adred-codev/seckill/internal/cache"
	"github.com/adred-codev/seckill/internal/metrics"
	"github.com/adred-codev/seckill/internal/monitoring"
	"github.com/adred-codev/seckill/internal/store"
	"github.com/adred-codev/seckill/internal/types"
)

// idempotencyTTL keeps decision records just long enough to absorb
// client retries.
const idempotencyTTL = 10 * time.Minute

// defaultUserRetention keeps the per-user counter alive past the
// activity end for audit reads and late rollbacks.
const defaultUserRetention = 24 * time.Hour

// Script status codes returned by reserveScript.
const (
	scriptOK                = 0
	scriptInsufficientStock = 1
	scriptUserLimitExceeded = 2
	scriptStockMissing      = 3
)

// Validator is the activity gate consulted before the counters move.
// *activity.Validator satisfies it.
type Validator interface {
	Validate(ctx context.Context, activityID string) (activity.ValidationResult, error)
}

// Dispatcher delivers confirmed reservation events to the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *types.ReservationEvent) error
}

// Request is one purchase attempt.
type Request struct {
	ActivityID     string
	UserID         string
	Quantity       int64
	IdempotencyKey string
}

// Engine coordinates the reservation hot path. It holds no locks of
// its own; atomicity lives in the store-side script.
type Engine struct {
	store         store.Commands
	validator     Validator
	disp          Dispatcher
	alerter       monitoring.Alerter
	collector     *metrics.Collector
	logger        zerolog.Logger
	userRetention time.Duration
	sequence      atomic.Int64
}

// NewEngine builds the engine. userRetention is how long per-user
// counters survive past the activity end; zero selects the default.
func NewEngine(st store.Commands, v Validator, disp Dispatcher, alerter monitoring.Alerter, collector *metrics.Collector, logger zerolog.Logger, userRetention time.Duration) *Engine {
	if userRetention <= 0 {
		userRetention = defaultUserRetention
	}
	return &Engine{
		store:         st,
		validator:     v,
		disp:          disp,
		alerter:       alerter,
		collector:     collector,
		logger:        logger.With().Str("component", "reservation").Logger(),
		userRetention: userRetention,
	}
}

// Reserve attempts to reserve quantity units for the user. A non-OK
// result code describes why the attempt was declined; an error means
// infrastructure failed and nothing was committed.
func (e *Engine) Reserve(ctx context.Context, req Request) (types.ReservationResult, error) {
	if req.Quantity <= 0 {
		return types.ReservationResult{Code: types.CodeInvalidParameter}, nil
	}

	if req.IdempotencyKey != "" {
		if res, ok := e.recallDecision(ctx, req.IdempotencyKey); ok {
			return res, nil
		}
	}

	start := time.Now()
	vr, err := e.validator.Validate(ctx, req.ActivityID)
	e.observe("validate", start)
	if err != nil {
		return types.ReservationResult{Code: vr.Code}, err
	}
	if vr.Code != types.CodeOK {
		return e.remember(ctx, req, types.ReservationResult{Code: vr.Code}), nil
	}

	start = time.Now()
	res, err := e.runScript(ctx, req, vr.Activity)
	e.observe("reserve_script", start)
	if err != nil {
		return types.ReservationResult{Code: types.CodeStoreUnavailable}, err
	}
	if res.Code != types.CodeOK {
		return e.remember(ctx, req, res), nil
	}

	ev := &types.ReservationEvent{
		ActivityID: req.ActivityID,
		UserID:     req.UserID,
		Quantity:   req.Quantity,
		Sequence:   e.sequence.Add(1),
		OrderID:    uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}

	start = time.Now()
	err = e.disp.Dispatch(ctx, ev)
	e.observe("dispatch", start)
	if err != nil {
		e.compensate(ctx, req, vr.Activity, ev, err)
		return types.ReservationResult{Code: types.CodeOf(err)}, err
	}

	res.OrderID = ev.OrderID
	e.collector.RecordStock(req.ActivityID, res.RemainingStock)
	return e.remember(ctx, req, res), nil
}

// Rollback compensates a reservation on an external signal, such as an
// unpaid order expiring downstream.
func (e *Engine) Rollback(ctx context.Context, activityID, userID string, quantity int64) (int64, error) {
	if quantity <= 0 {
		return 0, types.NewError(types.CodeInvalidParameter, "quantity must be positive")
	}
	act, err := e.validator.Validate(ctx, activityID)
	if err != nil {
		return 0, err
	}
	if act.Activity == nil {
		return 0, types.NewError(types.CodeNotFound, "activity not found")
	}
	stock, err := e.runRollback(ctx, activityID, userID, quantity, act.Activity.TotalStock)
	if err != nil {
		metrics.RecordRollback(false)
		return 0, err
	}
	metrics.RecordRollback(true)
	e.collector.RecordStock(activityID, stock)
	return stock, nil
}

func (e *Engine) runScript(ctx context.Context, req Request, act *activity.Activity) (types.ReservationResult, error) {
	keys := []string{
		cache.StockKey(req.ActivityID),
		cache.UserLimitKey(req.UserID, req.ActivityID),
	}
	raw, err := e.store.Eval(ctx, reserveScript, keys,
		req.Quantity, act.PerUserLimit, e.userCounterTTL(act).Milliseconds())
	if err != nil {
		return types.ReservationResult{}, err
	}
	status, remaining, purchased, err := decodeTriple(raw)
	if err != nil {
		return types.ReservationResult{}, err
	}

	res := types.ReservationResult{RemainingStock: remaining, UserPurchased: purchased}
	switch status {
	case scriptOK:
		res.Code = types.CodeOK
	case scriptInsufficientStock:
		res.Code = types.CodeOutOfStock
	case scriptUserLimitExceeded:
		res.Code = types.CodeUserLimitExceeded
	case scriptStockMissing:
		res.Code = types.CodeNotActive
	default:
		return types.ReservationResult{}, types.NewError(types.CodeInternal, "unknown script status")
	}
	return res, nil
}

// userCounterTTL expires the per-user counter at activity end plus
// the retention period.
func (e *Engine) userCounterTTL(act *activity.Activity) time.Duration {
	ttl := e.userRetention
	if remain := time.Until(act.EndTime); remain > 0 {
		ttl += remain
	}
	return ttl
}

func (e *Engine) runRollback(ctx context.Context, activityID, userID string, quantity, ceiling int64) (int64, error) {
	keys := []string{
		cache.StockKey(activityID),
		cache.UserLimitKey(userID, activityID),
	}
	raw, err := e.store.Eval(ctx, rollbackScript, keys, quantity, ceiling)
	if err != nil {
		return 0, err
	}
	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return 0, types.NewError(types.CodeInternal, "malformed rollback reply")
	}
	stock, err := asInt64(vals[0])
	if err != nil {
		return 0, err
	}
	return stock, nil
}

// compensate undoes the counter update after a failed dispatch. A
// rollback failure leaves the counters inconsistent, so a marker is
// written for the reconciler and operators are paged.
func (e *Engine) compensate(ctx context.Context, req Request, act *activity.Activity, ev *types.ReservationEvent, dispatchErr error) {
	// The request context may already be dead; compensation gets its own.
	rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := e.runRollback(rctx, req.ActivityID, req.UserID, req.Quantity, act.TotalStock)
	if err == nil {
		metrics.RecordRollback(true)
		e.logger.Warn().
			Str("activity_id", req.ActivityID).
			Str("order_id", ev.OrderID).
			AnErr("dispatch_error", dispatchErr).
			Msg("reservation rolled back after dispatch failure")
		return
	}

	metrics.RecordRollback(false)
	marker, _ := json.Marshal(map[string]any{
		"activity_id": req.ActivityID,
		"user_id":     req.UserID,
		"quantity":    req.Quantity,
		"order_id":    ev.OrderID,
		"at":          time.Now().UTC().Format(time.RFC3339),
	})
	if serr := e.store.Set(rctx, "seckill:reconcile:pending:"+ev.OrderID, string(marker), 24*time.Hour); serr != nil {
		e.logger.Error().Err(serr).Str("order_id", ev.OrderID).Msg("reconciliation marker write failed")
	}
	monitoring.LogErrorWithStack(e.logger, err, "rollback failed, counters inconsistent", map[string]any{
		"activity_id": req.ActivityID,
		"order_id":    ev.OrderID,
	})
	if e.alerter != nil {
		e.alerter.Alert(monitoring.AlertCritical, "reservation rollback failed", map[string]any{
			"activity_id": req.ActivityID,
			"user_id":     req.UserID,
			"order_id":    ev.OrderID,
			"quantity":    req.Quantity,
		})
	}
}

// recallDecision replays a previously recorded outcome for a retried
// idempotency key.
func (e *Engine) recallDecision(ctx context.Context, key string) (types.ReservationResult, bool) {
	raw, err := e.store.Get(ctx, cache.IdempotencyKey(key))
	if err != nil {
		return types.ReservationResult{}, false
	}
	var res types.ReservationResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return types.ReservationResult{}, false
	}
	return res, true
}

// remember records the decision under the idempotency key, when the
// client supplied one. Recording is best effort.
func (e *Engine) remember(ctx context.Context, req Request, res types.ReservationResult) types.ReservationResult {
	if req.IdempotencyKey == "" {
		return res
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return res
	}
	if err := e.store.Set(ctx, cache.IdempotencyKey(req.IdempotencyKey), string(raw), idempotencyTTL); err != nil {
		e.logger.Warn().Err(err).Msg("idempotency record write failed")
	}
	return res
}

func (e *Engine) observe(stage string, start time.Time) {
	e.collector.Observe(stage, time.Since(start))
}

// decodeTriple unpacks the {status, stock, purchased} script reply.
// The client library returns script integers as int64, the test fake
// may return ints.
func decodeTriple(raw any) (int, int64, int64, error) {
	vals, ok := raw.([]any)
	if !ok || len(vals) != 3 {
		return 0, 0, 0, types.NewError(types.CodeInternal, "malformed script reply")
	}
	status, err := asInt64(vals[0])
	if err != nil {
		return 0, 0, 0, err
	}
	stock, err := asInt64(vals[1])
	if err != nil {
		return 0, 0, 0, err
	}
	purchased, err := asInt64(vals[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return int(status), stock, purchased, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, types.NewError(types.CodeInternal, "non-integer script reply element")
	}
}
