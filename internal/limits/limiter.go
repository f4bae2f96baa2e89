package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/types"
)

// Tier names, in check order. The first tier to run dry names the rejection.
const (
	TierGlobal  = "global"
	TierAddress = "address"
	TierUser    = "user"
)

// Config holds the three tier templates.
type Config struct {
	Global  TierSpec
	Address TierSpec
	User    TierSpec
}

// DefaultConfig derives tier templates from sustained QPS figures. Burst
// capacity is one second of sustained rate, floored at 1.
func DefaultConfig(globalQPS, addressQPS, userQPS float64) Config {
	cap := func(qps float64) float64 {
		if qps < 1 {
			return 1
		}
		return qps
	}
	return Config{
		Global:  TierSpec{Capacity: cap(globalQPS), RefillRate: globalQPS},
		Address: TierSpec{Capacity: cap(addressQPS), RefillRate: addressQPS},
		User:    TierSpec{Capacity: cap(userQPS), RefillRate: userQPS},
	}
}

// tierState is one tier's template plus its lazily allocated buckets.
// The global tier holds exactly one bucket under the empty subject.
type tierState struct {
	name    string
	mu      sync.RWMutex
	spec    TierSpec
	buckets map[string]*TokenBucket
}

func newTierState(name string, spec TierSpec) *tierState {
	return &tierState{
		name:    name,
		spec:    spec,
		buckets: make(map[string]*TokenBucket),
	}
}

// bucket returns the bucket for a subject, allocating from the current
// template on first sight. Double-checked so concurrent first sights of the
// same subject allocate exactly once.
func (t *tierState) bucket(subject string) *TokenBucket {
	t.mu.RLock()
	b, ok := t.buckets[subject]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.buckets[subject]; ok {
		return b
	}
	b = NewTokenBucket(t.spec)
	t.buckets[subject] = b
	return b
}

// setSpec swaps the template. Already-allocated buckets are not disturbed;
// buckets allocated after the swap (including re-allocation after idle
// eviction) use the new template.
func (t *tierState) setSpec(spec TierSpec) {
	t.mu.Lock()
	t.spec = spec
	t.mu.Unlock()
}

// sweep evicts buckets idle longer than ttl; returns the eviction count.
func (t *tierState) sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for subject, b := range t.buckets {
		if b.IdleSince().Before(cutoff) {
			delete(t.buckets, subject)
			removed++
		}
	}
	return removed
}

func (t *tierState) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// AdmissionLimiter runs the global -> address -> user check sequence.
// Bucket state is in-process; there is no network call on this path. In
// multi-instance deployments the global tier is therefore per-instance,
// not a distributed rate limit.
type AdmissionLimiter struct {
	global  *tierState
	address *tierState
	user    *tierState

	idleTTL time.Duration
	logger  zerolog.Logger

	stopSweeper chan struct{}
	sweeperOnce sync.Once
}

// NewAdmissionLimiter creates the limiter and starts its idle-bucket sweeper.
func NewAdmissionLimiter(cfg Config, logger zerolog.Logger) *AdmissionLimiter {
	l := &AdmissionLimiter{
		global:      newTierState(TierGlobal, cfg.Global),
		address:     newTierState(TierAddress, cfg.Address),
		user:        newTierState(TierUser, cfg.User),
		idleTTL:     5 * time.Minute,
		logger:      logger.With().Str("component", "rate_limiter").Logger(),
		stopSweeper: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow runs one request through all three tiers. A token is consumed from
// every tier only when all three pass; a rejection refunds the tokens taken
// from earlier tiers, so no two bucket locks are ever held at once.
func (l *AdmissionLimiter) Allow(address, userID string) types.AdmissionResult {
	gb := l.global.bucket("")
	if ok, retry := gb.TryConsume(); !ok {
		return types.AdmissionResult{Tier: TierGlobal, RetryAfter: retry}
	}

	ab := l.address.bucket(address)
	if ok, retry := ab.TryConsume(); !ok {
		gb.Credit()
		return types.AdmissionResult{Tier: TierAddress, RetryAfter: retry}
	}

	ub := l.user.bucket(userID)
	if ok, retry := ub.TryConsume(); !ok {
		gb.Credit()
		ab.Credit()
		return types.AdmissionResult{Tier: TierUser, RetryAfter: retry}
	}

	return types.AdmissionResult{Allowed: true}
}

// UpdateConfig hot-swaps one tier's template. New buckets pick up the new
// spec; existing buckets keep running until idle eviction recycles them.
// The global tier's single bucket is rebuilt immediately, since a template
// swap on a one-bucket tier would otherwise never take effect.
func (l *AdmissionLimiter) UpdateConfig(tier string, spec TierSpec) error {
	switch tier {
	case TierGlobal:
		l.global.setSpec(spec)
		l.global.mu.Lock()
		l.global.buckets = map[string]*TokenBucket{"": NewTokenBucket(spec)}
		l.global.mu.Unlock()
	case TierAddress:
		l.address.setSpec(spec)
	case TierUser:
		l.user.setSpec(spec)
	default:
		return types.NewError(types.CodeInvalidParameter, "unknown rate limit tier: "+tier)
	}
	l.logger.Info().
		Str("tier", tier).
		Float64("capacity", spec.Capacity).
		Float64("refill_rate", spec.RefillRate).
		Msg("Rate limit tier template updated")
	return nil
}

func (l *AdmissionLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := l.address.sweep(l.idleTTL) + l.user.sweep(l.idleTTL)
			if removed > 0 {
				l.logger.Debug().
					Int("removed", removed).
					Int("address_buckets", l.address.size()).
					Int("user_buckets", l.user.size()).
					Msg("Swept idle rate limit buckets")
			}
		case <-l.stopSweeper:
			return
		}
	}
}

// Stop terminates the idle sweeper. Call on shutdown.
func (l *AdmissionLimiter) Stop() {
	l.sweeperOnce.Do(func() { close(l.stopSweeper) })
}

// Stats reports bucket counts per tier for the health endpoint.
func (l *AdmissionLimiter) Stats() map[string]any {
	return map[string]any{
		"address_buckets": l.address.size(),
		"user_buckets":    l.user.size(),
	}
}
