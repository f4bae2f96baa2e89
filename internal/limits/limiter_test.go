package limits

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestBucketConsumeAndRefill(t *testing.T) {
	b := NewTokenBucket(TierSpec{Capacity: 2, RefillRate: 10})

	for i := 0; i < 2; i++ {
		if ok, _ := b.TryConsume(); !ok {
			t.Fatalf("consume %d: expected success", i)
		}
	}
	if ok, retry := b.TryConsume(); ok {
		t.Fatal("expected empty bucket to reject")
	} else if retry != 1 {
		t.Fatalf("retry hint = %d, want 1 (ceil of fraction)", retry)
	}

	time.Sleep(150 * time.Millisecond) // 10/sec refills >1 token
	if ok, _ := b.TryConsume(); !ok {
		t.Fatal("expected refilled bucket to allow")
	}
}

func TestBucketCapacityCap(t *testing.T) {
	b := NewTokenBucket(TierSpec{Capacity: 3, RefillRate: 1000})
	time.Sleep(20 * time.Millisecond)
	if tokens := b.Tokens(); tokens > 3 {
		t.Fatalf("tokens = %f, capacity cap 3 violated", tokens)
	}
}

func TestAllowUserTierRejection(t *testing.T) {
	// User tier: 1/sec, burst 1. Two rapid requests from the same user:
	// the first passes, the second is rejected naming the user tier.
	l := NewAdmissionLimiter(DefaultConfig(1000, 100, 1), testLogger())
	defer l.Stop()

	res := l.Allow("10.0.0.1", "u1")
	if !res.Allowed {
		t.Fatalf("first request rejected at tier %s", res.Tier)
	}

	res = l.Allow("10.0.0.1", "u1")
	if res.Allowed {
		t.Fatal("second rapid request should be rejected")
	}
	if res.Tier != TierUser {
		t.Fatalf("rejecting tier = %s, want %s", res.Tier, TierUser)
	}
	if res.RetryAfter != 1 {
		t.Fatalf("retry_after = %d, want 1", res.RetryAfter)
	}

	// A different user is unaffected.
	if res := l.Allow("10.0.0.1", "u2"); !res.Allowed {
		t.Fatalf("independent user rejected at tier %s", res.Tier)
	}
}

func TestAllowAddressTierRejection(t *testing.T) {
	l := NewAdmissionLimiter(DefaultConfig(1000, 2, 100), testLogger())
	defer l.Stop()

	// Distinct users behind one address exhaust the address bucket.
	l.Allow("10.0.0.9", "a")
	l.Allow("10.0.0.9", "b")
	res := l.Allow("10.0.0.9", "c")
	if res.Allowed || res.Tier != TierAddress {
		t.Fatalf("got allowed=%v tier=%s, want address-tier rejection", res.Allowed, res.Tier)
	}
}

func TestAllowGlobalTierRejection(t *testing.T) {
	l := NewAdmissionLimiter(DefaultConfig(1, 100, 100), testLogger())
	defer l.Stop()

	l.Allow("10.0.0.1", "u1")
	res := l.Allow("10.0.0.2", "u2")
	if res.Allowed || res.Tier != TierGlobal {
		t.Fatalf("got allowed=%v tier=%s, want global-tier rejection", res.Allowed, res.Tier)
	}
}

func TestRejectionRefundsEarlierTiers(t *testing.T) {
	// User tier rejects; the global and address tokens must be refunded so
	// an independent user still gets through.
	l := NewAdmissionLimiter(Config{
		Global:  TierSpec{Capacity: 2, RefillRate: 0.001},
		Address: TierSpec{Capacity: 2, RefillRate: 0.001},
		User:    TierSpec{Capacity: 1, RefillRate: 0.001},
	}, testLogger())
	defer l.Stop()

	l.Allow("10.0.0.1", "u1") // consumes u1's only token
	res := l.Allow("10.0.0.1", "u1")
	if res.Allowed || res.Tier != TierUser {
		t.Fatalf("expected user-tier rejection, got allowed=%v tier=%s", res.Allowed, res.Tier)
	}

	// The rejection refunded the global and address tokens it had taken,
	// so both buckets hold exactly one token for another user.
	if res := l.Allow("10.0.0.1", "u2"); !res.Allowed {
		t.Fatalf("refund failed: rejected at tier %s", res.Tier)
	}
}

func TestUpdateConfigAffectsNewBucketsOnly(t *testing.T) {
	l := NewAdmissionLimiter(DefaultConfig(1000, 100, 1), testLogger())
	defer l.Stop()

	l.Allow("10.0.0.1", "existing") // allocates bucket with capacity 1
	if err := l.UpdateConfig(TierUser, TierSpec{Capacity: 2, RefillRate: 2}); err != nil {
		t.Fatal(err)
	}

	// Existing bucket still has the old capacity (already drained).
	if res := l.Allow("10.0.0.1", "existing"); res.Allowed {
		t.Fatal("existing bucket should keep old template")
	}

	// New subject gets the new template: two immediate requests pass.
	for i := 0; i < 2; i++ {
		if res := l.Allow("10.0.0.1", "fresh"); !res.Allowed {
			t.Fatalf("request %d under new template rejected at tier %s", i, res.Tier)
		}
	}
}

func TestUpdateConfigUnknownTier(t *testing.T) {
	l := NewAdmissionLimiter(DefaultConfig(10, 10, 10), testLogger())
	defer l.Stop()
	if err := l.UpdateConfig("datacenter", TierSpec{Capacity: 1, RefillRate: 1}); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestAllowConcurrent(t *testing.T) {
	l := NewAdmissionLimiter(DefaultConfig(10000, 10000, 10000), testLogger())
	defer l.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.0.%d", id%8)
			user := fmt.Sprintf("user-%d", id)
			for j := 0; j < 100; j++ {
				l.Allow(addr, user)
			}
		}(i)
	}
	wg.Wait()
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := NewAdmissionLimiter(DefaultConfig(1000, 100, 10), testLogger())
	defer l.Stop()
	l.idleTTL = 10 * time.Millisecond

	l.Allow("10.0.0.1", "u1")
	time.Sleep(30 * time.Millisecond)
	removed := l.address.sweep(l.idleTTL) + l.user.sweep(l.idleTTL)
	if removed != 2 {
		t.Fatalf("swept %d buckets, want 2", removed)
	}
}
