package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/seckill/internal/activity"
	"github.com/adred-codev/seckill/internal/metrics"
	"github.com/adred-codev/seckill/internal/store"
	"github.com/adred-codev/seckill/internal/types"
)

// WriteStrategy selects how writes propagate to the backing source.
type WriteStrategy int

const (
	// WriteThrough writes the hot store and the backing source
	// synchronously. A source failure fails the write.
	WriteThrough WriteStrategy = iota
	// WriteBehind writes the hot store immediately and queues the
	// source write for asynchronous draining. A full queue drops the
	// source write, never the hot store write.
	WriteBehind
)

// refreshRatio is the fraction of a key's TTL below which a background
// reload is scheduled ahead of expiry.
const refreshRatio = 0.2

// writeBehindPace caps asynchronous source writes per second so a
// burst of cache writes cannot overwhelm the backing source.
const writeBehindPace = 200

// SourceLoader loads authoritative values from the backing source.
// It is consulted on cache miss and by refresh-ahead reloads.
type SourceLoader interface {
	LoadActivity(ctx context.Context, activityID string) (*activity.Activity, error)
	LoadStock(ctx context.Context, activityID string) (int64, error)
}

// SourceWriter persists values to the backing source.
type SourceWriter interface {
	WriteActivity(ctx context.Context, act *activity.Activity) error
	WriteStock(ctx context.Context, activityID string, stock int64) error
}

// Runner executes background tasks off the request path. The worker
// pool satisfies it; a Saturated error sheds the task.
type Runner interface {
	Submit(task func()) error
}

// Recorder receives cache operation outcomes. *metrics.Collector
// satisfies it.
type Recorder interface {
	RecordHit()
	RecordMiss()
	RecordSet()
	RecordDelete()
	RecordError()
}

type nopRecorder struct{}

func (nopRecorder) RecordHit()    {}
func (nopRecorder) RecordMiss()   {}
func (nopRecorder) RecordSet()    {}
func (nopRecorder) RecordDelete() {}
func (nopRecorder) RecordError()  {}

// TTLs carries the per-namespace expiry policy. The per-user counter
// TTL is owned by the reservation engine, which creates those keys.
type TTLs struct {
	Activity time.Duration
	Stock    time.Duration
}

type writeOp struct {
	activityID string
	act        *activity.Activity // nil for stock writes
	stock      int64
}

// Manager is the typed cache layer over the hot store. It owns key
// construction, TTL policy, the write strategies, and refresh-ahead.
// It implements activity.Source.
type Manager struct {
	store    store.Commands
	loader   SourceLoader
	writer   SourceWriter
	runner   Runner
	rec      Recorder
	logger   zerolog.Logger
	ttls     TTLs
	strategy WriteStrategy

	queue   chan writeOp
	pace    *rate.Limiter
	nowFn   func() time.Time
	stopped chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	refreshes map[string]struct{}

	// known tracks activity ids this process has served, for the
	// reconciler's key enumeration.
	known sync.Map
}

// Options configures a Manager. Loader and Writer may be nil when no
// backing source exists; misses then surface NotFound and writes stay
// in the hot store only. A nil Runner falls back to plain goroutines
// for refresh-ahead reloads.
type Options struct {
	Store    store.Commands
	Loader   SourceLoader
	Writer   SourceWriter
	Runner   Runner
	Recorder Recorder
	Logger   zerolog.Logger
	TTLs     TTLs
	Strategy WriteStrategy
	QueueCap int
}

func NewManager(opts Options) *Manager {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 1024
	}
	m := &Manager{
		store:     opts.Store,
		loader:    opts.Loader,
		writer:    opts.Writer,
		runner:    opts.Runner,
		rec:       opts.Recorder,
		logger:    opts.Logger.With().Str("component", "cache").Logger(),
		ttls:      opts.TTLs,
		strategy:  opts.Strategy,
		queue:     make(chan writeOp, opts.QueueCap),
		pace:      rate.NewLimiter(rate.Limit(writeBehindPace), writeBehindPace),
		nowFn:     time.Now,
		stopped:   make(chan struct{}),
		refreshes: make(map[string]struct{}),
	}
	return m
}

// Start launches the write-behind drainer. Only needed when the
// strategy is WriteBehind and a writer is configured.
func (m *Manager) Start(ctx context.Context) {
	if m.strategy != WriteBehind || m.writer == nil {
		return
	}
	m.wg.Add(1)
	go m.drain(ctx)
}

// Stop closes the write-behind queue and waits for the drainer to
// flush what it can.
func (m *Manager) Stop() {
	close(m.stopped)
	m.wg.Wait()
}

func (m *Manager) drain(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.queue:
			if err := m.pace.Wait(ctx); err != nil {
				return
			}
			m.flush(ctx, op)
		case <-m.stopped:
			// Final flush of whatever is still queued.
			for {
				select {
				case op := <-m.queue:
					m.flush(ctx, op)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, op writeOp) {
	var err error
	if op.act != nil {
		err = m.writer.WriteActivity(ctx, op.act)
	} else {
		err = m.writer.WriteStock(ctx, op.activityID, op.stock)
	}
	if err != nil {
		m.rec.RecordError()
		m.logger.Error().Err(err).
			Str("activity_id", op.activityID).
			Msg("write-behind flush failed")
	}
}

func (m *Manager) enqueue(op writeOp) {
	select {
	case m.queue <- op:
	default:
		metrics.RecordWriteBehindDropped()
		m.logger.Warn().
			Str("activity_id", op.activityID).
			Msg("write-behind queue full, source write dropped")
	}
}

// GetActivity returns the cached activity, loading it from the backing
// source on miss. Satisfies activity.Source.
func (m *Manager) GetActivity(ctx context.Context, activityID string) (*activity.Activity, error) {
	m.known.Store(activityID, struct{}{})
	key := ActivityKey(activityID)
	raw, err := m.store.Get(ctx, key)
	switch {
	case err == nil:
		m.rec.RecordHit()
		var act activity.Activity
		if uerr := json.Unmarshal([]byte(raw), &act); uerr != nil {
			m.rec.RecordError()
			return nil, types.WrapError(types.CodeInternal, "decode cached activity", uerr)
		}
		m.maybeRefresh(ctx, key, activityID)
		return &act, nil
	case types.CodeOf(err) == types.CodeNotFound:
		m.rec.RecordMiss()
		return m.loadActivity(ctx, activityID)
	default:
		m.rec.RecordError()
		return nil, err
	}
}

func (m *Manager) loadActivity(ctx context.Context, activityID string) (*activity.Activity, error) {
	if m.loader == nil {
		return nil, types.NewError(types.CodeNotFound, "activity not found")
	}
	act, err := m.loader.LoadActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if err := m.setActivityCache(ctx, act); err != nil {
		// Serving the loaded value matters more than caching it.
		m.logger.Warn().Err(err).Str("activity_id", activityID).Msg("cache fill failed")
	}
	return act, nil
}

// SetActivity writes the activity through the configured strategy.
func (m *Manager) SetActivity(ctx context.Context, act *activity.Activity) error {
	m.known.Store(act.ID, struct{}{})
	if err := m.setActivityCache(ctx, act); err != nil {
		m.rec.RecordError()
		return err
	}
	m.rec.RecordSet()
	if m.writer == nil {
		return nil
	}
	switch m.strategy {
	case WriteThrough:
		if err := m.writer.WriteActivity(ctx, act); err != nil {
			m.rec.RecordError()
			return types.WrapError(types.CodeInternal, "write activity to source", err)
		}
	case WriteBehind:
		m.enqueue(writeOp{activityID: act.ID, act: act})
	}
	return nil
}

func (m *Manager) setActivityCache(ctx context.Context, act *activity.Activity) error {
	raw, err := json.Marshal(act)
	if err != nil {
		return types.WrapError(types.CodeInternal, "encode activity", err)
	}
	return m.store.Set(ctx, ActivityKey(act.ID), string(raw), m.ttls.Activity)
}

// Invalidate removes an activity and its stock counter from the hot
// store. The next read falls through to the backing source.
func (m *Manager) Invalidate(ctx context.Context, activityID string) error {
	if err := m.store.Del(ctx, ActivityKey(activityID), StockKey(activityID)); err != nil {
		m.rec.RecordError()
		return err
	}
	m.rec.RecordDelete()
	return nil
}

// Refresh reloads an activity from the backing source and rewrites the
// cache entry, resetting its TTL.
func (m *Manager) Refresh(ctx context.Context, activityID string) error {
	if m.loader == nil {
		return types.NewError(types.CodeInvalidParameter, "no backing source configured")
	}
	act, err := m.loader.LoadActivity(ctx, activityID)
	if err != nil {
		return err
	}
	return m.setActivityCache(ctx, act)
}

// maybeRefresh schedules a background reload when the key's remaining
// TTL has dropped below refreshRatio of the configured policy. At most
// one reload per key is in flight.
func (m *Manager) maybeRefresh(ctx context.Context, key, activityID string) {
	if m.loader == nil || m.ttls.Activity <= 0 {
		return
	}
	remaining, err := m.store.TTL(ctx, key)
	if err != nil || remaining < 0 {
		return
	}
	if float64(remaining) >= float64(m.ttls.Activity)*refreshRatio {
		return
	}
	m.mu.Lock()
	if _, busy := m.refreshes[key]; busy {
		m.mu.Unlock()
		return
	}
	m.refreshes[key] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	task := func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.refreshes, key)
			m.mu.Unlock()
		}()
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Refresh(rctx, activityID); err != nil {
			m.logger.Warn().Err(err).Str("activity_id", activityID).Msg("refresh-ahead failed")
		}
	}
	if m.runner == nil {
		go task()
		return
	}
	if err := m.runner.Submit(task); err != nil {
		// The reload is opportunistic; a saturated pool just skips it.
		m.wg.Done()
		m.mu.Lock()
		delete(m.refreshes, key)
		m.mu.Unlock()
		m.logger.Debug().Str("activity_id", activityID).Msg("refresh-ahead skipped, workers saturated")
	}
}

// GetStock returns the stock counter, loading it from the backing
// source on miss. Satisfies activity.Source.
func (m *Manager) GetStock(ctx context.Context, activityID string) (int64, error) {
	raw, err := m.store.Get(ctx, StockKey(activityID))
	switch {
	case err == nil:
		m.rec.RecordHit()
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			m.rec.RecordError()
			return 0, types.WrapError(types.CodeInternal, "decode stock counter", perr)
		}
		return n, nil
	case types.CodeOf(err) == types.CodeNotFound:
		m.rec.RecordMiss()
		if m.loader == nil {
			return 0, err
		}
		n, lerr := m.loader.LoadStock(ctx, activityID)
		if lerr != nil {
			return 0, lerr
		}
		if serr := m.InitStock(ctx, activityID, n); serr != nil {
			m.logger.Warn().Err(serr).Str("activity_id", activityID).Msg("stock cache fill failed")
		}
		return n, nil
	default:
		m.rec.RecordError()
		return 0, err
	}
}

// InitStock seeds the stock counter for an activity.
func (m *Manager) InitStock(ctx context.Context, activityID string, stock int64) error {
	if stock < 0 {
		return types.NewError(types.CodeInvalidParameter, "stock must not be negative")
	}
	m.known.Store(activityID, struct{}{})
	if err := m.store.Set(ctx, StockKey(activityID), strconv.FormatInt(stock, 10), m.ttls.Stock); err != nil {
		m.rec.RecordError()
		return err
	}
	m.rec.RecordSet()
	if m.writer != nil && m.strategy == WriteBehind {
		m.enqueue(writeOp{activityID: activityID, stock: stock})
	}
	return nil
}

// IncrStock adjusts the stock counter by delta and returns the new
// value. Used by restock and compensating rollback paths.
func (m *Manager) IncrStock(ctx context.Context, activityID string, delta int64) (int64, error) {
	n, err := m.store.IncrBy(ctx, StockKey(activityID), delta)
	if err != nil {
		m.rec.RecordError()
		return 0, err
	}
	m.rec.RecordSet()
	if m.writer != nil && m.strategy == WriteBehind {
		m.enqueue(writeOp{activityID: activityID, stock: n})
	}
	return n, nil
}

// KnownActivityIDs lists the activity ids this process has served.
// The reconciler enumerates stock keys from it each cycle.
func (m *Manager) KnownActivityIDs() []string {
	var ids []string
	m.known.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// GetUserPurchased returns how many units the user has reserved for
// the activity. A missing counter reads as zero.
func (m *Manager) GetUserPurchased(ctx context.Context, userID, activityID string) (int64, error) {
	raw, err := m.store.Get(ctx, UserLimitKey(userID, activityID))
	switch {
	case err == nil:
		m.rec.RecordHit()
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			m.rec.RecordError()
			return 0, types.WrapError(types.CodeInternal, "decode user counter", perr)
		}
		return n, nil
	case types.CodeOf(err) == types.CodeNotFound:
		m.rec.RecordMiss()
		return 0, nil
	default:
		m.rec.RecordError()
		return 0, err
	}
}
