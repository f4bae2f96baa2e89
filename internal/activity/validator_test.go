package activity

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/types"
)

type fakeSource struct {
	activities map[string]*Activity
	stock      map[string]int64
	stockErr   error
}

func (f *fakeSource) GetActivity(ctx context.Context, id string) (*Activity, error) {
	act, ok := f.activities[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "activity not found: "+id)
	}
	return act, nil
}

func (f *fakeSource) GetStock(ctx context.Context, id string) (int64, error) {
	if f.stockErr != nil {
		return 0, f.stockErr
	}
	n, ok := f.stock[id]
	if !ok {
		return 0, types.NewError(types.CodeNotFound, "stock not found: "+id)
	}
	return n, nil
}

func testActivity(now time.Time) *Activity {
	return &Activity{
		ID:           "act-1",
		Name:         "Launch Sale",
		StartTime:    now.Add(-time.Hour),
		EndTime:      now.Add(time.Hour),
		Status:       StatusActive,
		TotalStock:   300,
		SeckillPrice: 999,
		PerUserLimit: 2,
	}
}

func TestValidateOK(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		activities: map[string]*Activity{"act-1": testActivity(now)},
		stock:      map[string]int64{"act-1": 120},
	}
	v := NewValidator(src, func() time.Time { return now }, zerolog.Nop())

	res, err := v.Validate(context.Background(), "act-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != types.CodeOK {
		t.Fatalf("code = %s, want OK", res.Code)
	}
	if res.Activity == nil || res.Activity.ID != "act-1" {
		t.Fatal("passing result must carry the activity snapshot")
	}
	if res.Stock != 120 {
		t.Fatalf("stock = %d, want 120", res.Stock)
	}
}

func TestValidateShortCircuitOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*fakeSource)
		want   types.Code
	}{
		{
			name:   "unknown activity",
			mutate: func(f *fakeSource) { delete(f.activities, "act-1") },
			want:   types.CodeNotFound,
		},
		{
			name:   "pending status",
			mutate: func(f *fakeSource) { f.activities["act-1"].Status = StatusPending },
			want:   types.CodeNotActive,
		},
		{
			name:   "cancelled status",
			mutate: func(f *fakeSource) { f.activities["act-1"].Status = StatusCancelled },
			want:   types.CodeNotActive,
		},
		{
			name:   "not started",
			mutate: func(f *fakeSource) { f.activities["act-1"].StartTime = now.Add(10 * time.Second) },
			want:   types.CodeNotStarted,
		},
		{
			name:   "ended",
			mutate: func(f *fakeSource) { f.activities["act-1"].EndTime = now.Add(-time.Second) },
			want:   types.CodeEnded,
		},
		{
			name:   "out of stock",
			mutate: func(f *fakeSource) { f.stock["act-1"] = 0 },
			want:   types.CodeOutOfStock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				activities: map[string]*Activity{"act-1": testActivity(now)},
				stock:      map[string]int64{"act-1": 120},
			}
			tt.mutate(src)
			v := NewValidator(src, func() time.Time { return now }, zerolog.Nop())

			res, err := v.Validate(context.Background(), "act-1")
			if err != nil {
				t.Fatal(err)
			}
			if res.Code != tt.want {
				t.Fatalf("code = %s, want %s", res.Code, tt.want)
			}
		})
	}
}

func TestValidateWindowBoundary(t *testing.T) {
	// Scenario: start=T+10s. At T the activity is NotStarted; just past
	// the boundary the window check passes.
	start := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	act := testActivity(start)
	act.StartTime = start
	act.EndTime = start.Add(time.Hour)

	src := &fakeSource{
		activities: map[string]*Activity{"act-1": act},
		stock:      map[string]int64{"act-1": 5},
	}

	at := start.Add(-10 * time.Second)
	v := NewValidator(src, func() time.Time { return at }, zerolog.Nop())
	res, _ := v.Validate(context.Background(), "act-1")
	if res.Code != types.CodeNotStarted {
		t.Fatalf("before window: code = %s, want NotStarted", res.Code)
	}

	at = start.Add(time.Millisecond)
	res, _ = v.Validate(context.Background(), "act-1")
	if res.Code == types.CodeNotStarted {
		t.Fatal("after window opens, NotStarted must not be returned")
	}
}

func TestValidateStoreFailurePropagates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		activities: map[string]*Activity{"act-1": testActivity(now)},
		stockErr:   types.NewError(types.CodeStoreUnavailable, "store down"),
	}
	v := NewValidator(src, func() time.Time { return now }, zerolog.Nop())

	res, err := v.Validate(context.Background(), "act-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Code != types.CodeStoreUnavailable {
		t.Fatalf("code = %s, want StoreUnavailable", res.Code)
	}
}
