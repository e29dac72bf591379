package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestBucketDrains(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, 3, 0)

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, "tenant:acme")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be within capacity", i+1)
		}
	}

	allowed, tokens, err := b.Allow(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("fourth request must be rejected, %f tokens left", tokens)
	}
}

func TestBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, 1, 0)

	if allowed, _, _ := b.Allow(ctx, "tenant:a"); !allowed {
		t.Fatalf("first request on tenant:a must pass")
	}
	if allowed, _, _ := b.Allow(ctx, "tenant:a"); allowed {
		t.Fatalf("second request on tenant:a must be rejected")
	}
	if allowed, _, _ := b.Allow(ctx, "tenant:b"); !allowed {
		t.Fatalf("tenant:b has its own bucket and must pass")
	}
}
