package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeStore struct {
	counts  map[string]int64
	expired map[string]int
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]int64), expired: make(map[string]int)}
}

func (s *fakeStore) IncrBy(_ context.Context, key string, value int64) *redis.IntCmd {
	if s.err != nil {
		return redis.NewIntResult(0, s.err)
	}
	s.counts[key] += value
	return redis.NewIntResult(s.counts[key], nil)
}

func (s *fakeStore) Expire(_ context.Context, key string, _ time.Duration) *redis.BoolCmd {
	s.expired[key]++
	return redis.NewBoolResult(true, nil)
}

func TestAllowUnderLimit(t *testing.T) {
	store := newFakeStore()
	limiter := NewTestLimiter(store, 100)

	for i, spend := range []int{30, 30, 40} {
		allowed, err := limiter.Allow(context.Background(), "caller-a", spend)
		if err != nil {
			t.Fatalf("Allow %d returned error: %v", i, err)
		}
		if !allowed {
			t.Errorf("Expected spend %d to be allowed at total %d", spend, store.counts["ratelimit:caller:caller-a"])
		}
	}

	allowed, err := limiter.Allow(context.Background(), "caller-a", 1)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if allowed {
		t.Error("Expected spend past the limit to be denied")
	}
}

func TestAllowChargesTheCrossingSpend(t *testing.T) {
	store := newFakeStore()
	limiter := NewTestLimiter(store, 10)

	allowed, err := limiter.Allow(context.Background(), "caller-a", 50)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if allowed {
		t.Error("Expected a spend larger than the whole budget to be denied")
	}
	if got := store.counts["ratelimit:caller:caller-a"]; got != 50 {
		t.Errorf("Expected the denied spend to stay charged, count = %d", got)
	}
}

func TestAllowExpiresOnlyFirstSpend(t *testing.T) {
	store := newFakeStore()
	limiter := NewTestLimiter(store, 100)

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(context.Background(), "caller-a", 10); err != nil {
			t.Fatalf("Allow %d returned error: %v", i, err)
		}
	}
	if got := store.expired["ratelimit:caller:caller-a"]; got != 1 {
		t.Errorf("Expected exactly one Expire call, got %d", got)
	}
}

func TestAllowSeparatesCallers(t *testing.T) {
	store := newFakeStore()
	limiter := NewTestLimiter(store, 40)

	if allowed, _ := limiter.Allow(context.Background(), "caller-a", 40); !allowed {
		t.Error("Expected caller-a to be within budget")
	}
	if allowed, _ := limiter.Allow(context.Background(), "caller-b", 40); !allowed {
		t.Error("Expected caller-b to have its own budget")
	}
	if allowed, _ := limiter.Allow(context.Background(), "caller-a", 1); allowed {
		t.Error("Expected caller-a to be out of budget")
	}
}

func TestAllowSurfacesStoreError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	limiter := NewTestLimiter(store, 100)

	allowed, err := limiter.Allow(context.Background(), "caller-a", 10)
	if err == nil {
		t.Fatal("Expected a store error to surface")
	}
	if allowed {
		t.Error("Expected allowed=false alongside the error")
	}
}
