package activity

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/types"
)

// Source supplies cached activity snapshots and current stock. Implemented
// by the cache manager.
type Source interface {
	GetActivity(ctx context.Context, id string) (*Activity, error)
	GetStock(ctx context.Context, id string) (int64, error)
}

// ValidationResult carries the outcome and, on success, the activity
// snapshot so downstream stages do not re-read it.
type ValidationResult struct {
	Code     types.Code
	Activity *Activity
	Stock    int64
}

// Validator runs the activity state-machine check. Checks short-circuit in
// a fixed order: exists, status, time window, stock.
type Validator struct {
	source Source
	now    func() time.Time
	logger zerolog.Logger
}

// NewValidator builds a validator. nowFn may be nil for the wall clock;
// tests inject a fixed clock to pin window boundaries.
func NewValidator(source Source, nowFn func() time.Time, logger zerolog.Logger) *Validator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Validator{
		source: source,
		now:    nowFn,
		logger: logger.With().Str("component", "validator").Logger(),
	}
}

// Validate checks one activity. The first failing check is returned;
// a passing result carries the snapshot and the stock reading.
func (v *Validator) Validate(ctx context.Context, activityID string) (ValidationResult, error) {
	act, err := v.source.GetActivity(ctx, activityID)
	if err != nil {
		if types.CodeOf(err) == types.CodeNotFound {
			return ValidationResult{Code: types.CodeNotFound}, nil
		}
		return ValidationResult{Code: types.CodeOf(err)}, err
	}

	if act.Status != StatusActive {
		return ValidationResult{Code: types.CodeNotActive, Activity: act}, nil
	}

	now := v.now().UTC()
	if now.Before(act.StartTime) {
		return ValidationResult{Code: types.CodeNotStarted, Activity: act}, nil
	}
	if now.After(act.EndTime) {
		return ValidationResult{Code: types.CodeEnded, Activity: act}, nil
	}

	stock, err := v.source.GetStock(ctx, activityID)
	if err != nil {
		// A missing stock counter means the activity was never armed.
		if types.CodeOf(err) == types.CodeNotFound {
			return ValidationResult{Code: types.CodeNotActive, Activity: act}, nil
		}
		return ValidationResult{Code: types.CodeOf(err)}, err
	}
	if stock <= 0 {
		return ValidationResult{Code: types.CodeOutOfStock, Activity: act, Stock: 0}, nil
	}

	return ValidationResult{Code: types.CodeOK, Activity: act, Stock: stock}, nil
}
