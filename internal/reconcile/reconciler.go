// Package reconcile periodically compares hot-store entries against
// the system of record and repairs drift.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/metrics"
	"github.com/adred-codev/seckill/internal/monitoring"
	"github.com/adred-codev/seckill/internal/store"
	"github.com/adred-codev/seckill/internal/types"
)

// DataLoader fetches the authoritative value for a key.
type DataLoader interface {
	Load(ctx context.Context, key string) (string, error)
}

// ValueValidator decides whether a cached value is consistent with the
// authoritative one. The zero rule uses exact equality.
type ValueValidator interface {
	Consistent(cached, authoritative string) bool
}

type equalValidator struct{}

func (equalValidator) Consistent(cached, authoritative string) bool {
	return cached == authoritative
}

// Rule registers one class of keys for reconciliation. Keys enumerates
// the members on every cycle so newly created entries are picked up.
// Repairable, when set, gates repair per key: drift on a key it rejects
// is reported but the cached value is left alone. Live stock counters
// use this so a stale source cannot overwrite an entry the engine is
// actively decrementing.
type Rule struct {
	Name       string
	Keys       func(ctx context.Context) ([]string, error)
	Loader     DataLoader
	Validator  ValueValidator
	Repairable func(ctx context.Context, key string) bool
}

// Report summarises one reconcile cycle.
type Report struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Total        int           `json:"total"`
	Consistent   int           `json:"consistent"`
	Rate         float64       `json:"rate"`
	Inconsistent []string      `json:"inconsistent,omitempty"`
	Repaired     int           `json:"repaired"`
}

// Config carries the loop parameters.
type Config struct {
	Interval       time.Duration
	AlertThreshold float64
	MaxRetries     int
	Repair         bool
}

// Reconciler runs the periodic consistency sweep.
type Reconciler struct {
	store   store.Commands
	rules   []Rule
	cfg     Config
	alerter monitoring.Alerter
	logger  zerolog.Logger
	backoff func(attempt int) // test hook; nil sleeps for real
	stop    chan struct{}
	done    chan struct{}

	lastMu sync.RWMutex
	last   *Report
}

func New(st store.Commands, cfg Config, alerter monitoring.Alerter, logger zerolog.Logger) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Reconciler{
		store:   st,
		cfg:     cfg,
		alerter: alerter,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Register adds a rule. Not safe to call after Start.
func (r *Reconciler) Register(rule Rule) {
	if rule.Validator == nil {
		rule.Validator = equalValidator{}
	}
	r.rules = append(r.rules, rule)
}

// Start launches the periodic loop.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

// LastReport returns the most recent cycle report, or nil before the
// first cycle.
func (r *Reconciler) LastReport() *Report {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// RunOnce sweeps every registered rule and returns the cycle report.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	rep := Report{StartedAt: time.Now()}
	for _, rule := range r.rules {
		keys, err := rule.Keys(ctx)
		if err != nil {
			r.logger.Error().Err(err).Str("rule", rule.Name).Msg("key enumeration failed")
			continue
		}
		for _, key := range keys {
			rep.Total++
			ok, repaired := r.checkKey(ctx, rule, key)
			if ok {
				rep.Consistent++
			} else {
				rep.Inconsistent = append(rep.Inconsistent, key)
			}
			if repaired {
				rep.Repaired++
			}
		}
	}
	rep.Duration = time.Since(rep.StartedAt)
	if rep.Total > 0 {
		rep.Rate = float64(rep.Consistent) / float64(rep.Total)
	} else {
		rep.Rate = 1
	}
	metrics.UpdateConsistencyRate(rep.Rate)

	r.logger.Info().
		Int("total", rep.Total).
		Int("consistent", rep.Consistent).
		Float64("rate", rep.Rate).
		Int("repaired", rep.Repaired).
		Dur("duration", rep.Duration).
		Msg("reconcile cycle finished")

	if rep.Rate < r.cfg.AlertThreshold && r.alerter != nil {
		r.alerter.Alert(monitoring.AlertWarning, "consistency rate below threshold", map[string]any{
			"rate":         rep.Rate,
			"threshold":    r.cfg.AlertThreshold,
			"inconsistent": len(rep.Inconsistent),
		})
	}

	r.lastMu.Lock()
	r.last = &rep
	r.lastMu.Unlock()
	return rep
}

// checkKey compares one key and repairs it when drifted. The first
// return reports consistency before repair, the second whether a
// repair succeeded.
func (r *Reconciler) checkKey(ctx context.Context, rule Rule, key string) (bool, bool) {
	authoritative, err := rule.Loader.Load(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("authoritative load failed")
		return true, false // cannot judge, do not count as drift
	}

	cached, err := r.store.Get(ctx, key)
	if err != nil && types.CodeOf(err) != types.CodeNotFound {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return true, false
	}
	missing := types.CodeOf(err) == types.CodeNotFound

	if !missing && rule.Validator.Consistent(cached, authoritative) {
		return true, false
	}

	r.logger.Warn().
		Str("rule", rule.Name).
		Str("key", key).
		Str("cached", cached).
		Str("authoritative", authoritative).
		Msg("inconsistent entry detected")

	if !r.cfg.Repair {
		return false, false
	}
	if rule.Repairable != nil && !rule.Repairable(ctx, key) {
		r.logger.Info().Str("rule", rule.Name).Str("key", key).Msg("repair deferred for live entry")
		return false, false
	}
	return false, r.repair(ctx, key, authoritative)
}

func (r *Reconciler) repair(ctx context.Context, key, value string) bool {
	// Preserve the entry's remaining TTL; a fresh entry gets none and
	// follows the cache manager's policy on the next write.
	ttl, err := r.store.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = 0
	}
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := r.store.Set(ctx, key, value, ttl); err == nil {
			metrics.RecordRepair()
			r.logger.Info().Str("key", key).Int("attempt", attempt).Msg("entry repaired")
			return true
		} else if attempt < r.cfg.MaxRetries {
			r.sleep(ctx, attempt)
		} else {
			r.logger.Error().Err(err).Str("key", key).Msg("repair failed")
		}
	}
	return false
}

func (r *Reconciler) sleep(ctx context.Context, attempt int) {
	if r.backoff != nil {
		r.backoff(attempt)
		return
	}
	t := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
