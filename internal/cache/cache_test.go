package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/activity"
	"github.com/adred-codev/seckill/internal/store/storetest"
	"github.com/adred-codev/seckill/internal/types"
)

type fakeBacking struct {
	mu         sync.Mutex
	activities map[string]*activity.Activity
	stocks     map[string]int64

	activityWrites int
	stockWrites    int
	loadErr        error
	writeErr       error
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{
		activities: make(map[string]*activity.Activity),
		stocks:     make(map[string]int64),
	}
}

func (f *fakeBacking) LoadActivity(_ context.Context, id string) (*activity.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	act, ok := f.activities[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "activity not found")
	}
	cp := *act
	return &cp, nil
}

func (f *fakeBacking) LoadStock(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return 0, f.loadErr
	}
	n, ok := f.stocks[id]
	if !ok {
		return 0, types.NewError(types.CodeNotFound, "stock not found")
	}
	return n, nil
}

func (f *fakeBacking) WriteActivity(_ context.Context, act *activity.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := *act
	f.activities[act.ID] = &cp
	f.activityWrites++
	return nil
}

func (f *fakeBacking) WriteStock(_ context.Context, id string, stock int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.stocks[id] = stock
	f.stockWrites++
	return nil
}

func (f *fakeBacking) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activityWrites, f.stockWrites
}

func testActivity(id string) *activity.Activity {
	now := time.Now().UTC()
	return &activity.Activity{
		ID:            id,
		Name:          "flash sale " + id,
		StartTime:     now.Add(-time.Hour),
		EndTime:       now.Add(time.Hour),
		Status:        activity.StatusActive,
		TotalStock:    100,
		SeckillPrice:  999,
		OriginalPrice: 4999,
		PerUserLimit:  2,
	}
}

func newTestManager(t *testing.T, st *storetest.Store, backing *fakeBacking, strategy WriteStrategy) *Manager {
	t.Helper()
	opts := Options{
		Store:    st,
		Logger:   zerolog.Nop(),
		TTLs:     TTLs{Activity: 24 * time.Hour, Stock: time.Hour},
		Strategy: strategy,
		QueueCap: 8,
	}
	if backing != nil {
		opts.Loader = backing
		opts.Writer = backing
	}
	return NewManager(opts)
}

func TestGetActivityMissLoadsAndFills(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	backing.activities["a1"] = testActivity("a1")
	m := newTestManager(t, st, backing, WriteThrough)

	act, err := m.GetActivity(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if act.Name != "flash sale a1" {
		t.Fatalf("unexpected activity %+v", act)
	}
	if _, ok := st.Value(ActivityKey("a1")); !ok {
		t.Fatal("cache was not filled on miss")
	}

	// Second read must be a hit even with the loader removed.
	backing.loadErr = errors.New("source down")
	if _, err := m.GetActivity(context.Background(), "a1"); err != nil {
		t.Fatalf("cached read: %v", err)
	}
}

func TestGetActivityNotFound(t *testing.T) {
	st := storetest.New()
	m := newTestManager(t, st, newFakeBacking(), WriteThrough)

	_, err := m.GetActivity(context.Background(), "ghost")
	if types.CodeOf(err) != types.CodeNotFound {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeNotFound)
	}
}

func TestSetActivityWriteThrough(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	m := newTestManager(t, st, backing, WriteThrough)

	if err := m.SetActivity(context.Background(), testActivity("a1")); err != nil {
		t.Fatalf("SetActivity: %v", err)
	}
	aw, _ := backing.counts()
	if aw != 1 {
		t.Fatalf("source writes = %d, want 1", aw)
	}
	if _, ok := st.Value(ActivityKey("a1")); !ok {
		t.Fatal("hot store entry missing")
	}
}

func TestSetActivityWriteThroughSourceFailure(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	backing.writeErr = errors.New("source down")
	m := newTestManager(t, st, backing, WriteThrough)

	err := m.SetActivity(context.Background(), testActivity("a1"))
	if err == nil {
		t.Fatal("expected write-through failure")
	}
	if types.CodeOf(err) != types.CodeInternal {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeInternal)
	}
}

func TestSetActivityWriteBehindDrains(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	m := newTestManager(t, st, backing, WriteBehind)
	m.Start(context.Background())

	if err := m.SetActivity(context.Background(), testActivity("a1")); err != nil {
		t.Fatalf("SetActivity: %v", err)
	}
	if err := m.InitStock(context.Background(), "a1", 100); err != nil {
		t.Fatalf("InitStock: %v", err)
	}
	m.Stop()

	aw, sw := backing.counts()
	if aw != 1 || sw != 1 {
		t.Fatalf("source writes = (%d, %d), want (1, 1)", aw, sw)
	}
}

func TestWriteBehindQueueFullKeepsHotStoreWrite(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	m := newTestManager(t, st, backing, WriteBehind)
	// Drainer not started, so the bounded queue fills and overflows.

	for i := 0; i < 20; i++ {
		if err := m.SetActivity(context.Background(), testActivity("a1")); err != nil {
			t.Fatalf("SetActivity %d: %v", i, err)
		}
	}
	if _, ok := st.Value(ActivityKey("a1")); !ok {
		t.Fatal("hot store write lost on queue overflow")
	}
}

func TestInvalidateRemovesActivityAndStock(t *testing.T) {
	st := storetest.New()
	m := newTestManager(t, st, nil, WriteThrough)

	if err := m.SetActivity(context.Background(), testActivity("a1")); err != nil {
		t.Fatalf("SetActivity: %v", err)
	}
	if err := m.InitStock(context.Background(), "a1", 50); err != nil {
		t.Fatalf("InitStock: %v", err)
	}
	if err := m.Invalidate(context.Background(), "a1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := st.Value(ActivityKey("a1")); ok {
		t.Fatal("activity key survived invalidation")
	}
	if _, ok := st.Value(StockKey("a1")); ok {
		t.Fatal("stock key survived invalidation")
	}
}

func TestStockCounter(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	backing.stocks["a1"] = 70
	m := newTestManager(t, st, backing, WriteThrough)

	// Miss loads from the source and fills the cache.
	n, err := m.GetStock(context.Background(), "a1")
	if err != nil || n != 70 {
		t.Fatalf("GetStock = (%d, %v), want (70, nil)", n, err)
	}

	n, err = m.IncrStock(context.Background(), "a1", -3)
	if err != nil || n != 67 {
		t.Fatalf("IncrStock = (%d, %v), want (67, nil)", n, err)
	}
	n, err = m.GetStock(context.Background(), "a1")
	if err != nil || n != 67 {
		t.Fatalf("GetStock after decrement = (%d, %v), want (67, nil)", n, err)
	}
}

func TestInitStockRejectsNegative(t *testing.T) {
	m := newTestManager(t, storetest.New(), nil, WriteThrough)
	err := m.InitStock(context.Background(), "a1", -1)
	if types.CodeOf(err) != types.CodeInvalidParameter {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeInvalidParameter)
	}
}

func TestGetUserPurchasedMissingReadsZero(t *testing.T) {
	st := storetest.New()
	m := newTestManager(t, st, nil, WriteThrough)

	n, err := m.GetUserPurchased(context.Background(), "u1", "a1")
	if err != nil || n != 0 {
		t.Fatalf("GetUserPurchased = (%d, %v), want (0, nil)", n, err)
	}

	st.Seed(UserLimitKey("u1", "a1"), "2")
	n, err = m.GetUserPurchased(context.Background(), "u1", "a1")
	if err != nil || n != 2 {
		t.Fatalf("GetUserPurchased = (%d, %v), want (2, nil)", n, err)
	}
}

func TestRefreshResetsEntry(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	backing.activities["a1"] = testActivity("a1")
	m := newTestManager(t, st, backing, WriteThrough)

	if _, err := m.GetActivity(context.Background(), "a1"); err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	backing.mu.Lock()
	backing.activities["a1"].Name = "renamed"
	backing.mu.Unlock()

	if err := m.Refresh(context.Background(), "a1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	act, err := m.GetActivity(context.Background(), "a1")
	if err != nil || act.Name != "renamed" {
		t.Fatalf("GetActivity after refresh = (%+v, %v)", act, err)
	}
}

type stubRunner struct {
	mu    sync.Mutex
	tasks []func()
	err   error
}

func (r *stubRunner) Submit(task func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *stubRunner) runAll() int {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

func (r *stubRunner) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// seedExpiring plants an activity entry whose remaining TTL is under
// the refresh-ahead threshold.
func seedExpiring(t *testing.T, st *storetest.Store, act *activity.Activity) {
	t.Helper()
	raw, err := json.Marshal(act)
	if err != nil {
		t.Fatalf("encode activity: %v", err)
	}
	if err := st.Set(context.Background(), ActivityKey(act.ID), string(raw), time.Minute); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestRefreshAheadRunsOnRunner(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	backing.activities["a1"] = testActivity("a1")
	runner := &stubRunner{}
	m := newTestManager(t, st, backing, WriteThrough)
	m.runner = runner

	seedExpiring(t, st, backing.activities["a1"])
	backing.mu.Lock()
	backing.activities["a1"].Name = "reloaded"
	backing.mu.Unlock()

	if _, err := m.GetActivity(context.Background(), "a1"); err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if n := runner.runAll(); n != 1 {
		t.Fatalf("submitted tasks = %d, want 1", n)
	}
	act, err := m.GetActivity(context.Background(), "a1")
	if err != nil || act.Name != "reloaded" {
		t.Fatalf("GetActivity after reload = (%+v, %v)", act, err)
	}
}

func TestRefreshAheadSkipsWhenRunnerSaturated(t *testing.T) {
	st := storetest.New()
	backing := newFakeBacking()
	backing.activities["a1"] = testActivity("a1")
	runner := &stubRunner{err: types.NewError(types.CodeSaturated, "worker queue full")}
	m := newTestManager(t, st, backing, WriteThrough)
	m.runner = runner

	seedExpiring(t, st, backing.activities["a1"])
	if _, err := m.GetActivity(context.Background(), "a1"); err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if runner.pending() != 0 {
		t.Fatalf("pending tasks = %d, want 0", runner.pending())
	}

	// The dedup flag must clear so the reload is retried once the
	// pool has room again.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()
	if _, err := m.GetActivity(context.Background(), "a1"); err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if n := runner.runAll(); n != 1 {
		t.Fatalf("submitted tasks after saturation = %d, want 1", n)
	}
}
