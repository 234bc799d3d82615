package idempotency

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

func TestMemoryGuardLifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard()

	if err := g.Acquire(ctx, "intent-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Acquire(ctx, "intent-1"); xerrors.CodeOf(err) != CodeDuplicateIntent {
		t.Fatalf("expected duplicate, got %v", err)
	}

	if err := g.Release(ctx, "intent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := g.Acquire(ctx, "intent-1"); err != nil {
		t.Fatalf("released intents can be retried: %v", err)
	}

	if err := g.Complete(ctx, "intent-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_ = g.Release(ctx, "intent-1")
	err := g.Acquire(ctx, "intent-1")
	if xerrors.CodeOf(err) != CodeDuplicateIntent {
		t.Fatalf("settled intents must stay blocked, got %v", err)
	}
	if e, ok := xerrors.From(err); !ok || e.Metadata()["state"] != "settled" {
		t.Fatalf("expected settled state metadata, got %v", err)
	}

	if err := g.Acquire(ctx, " "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMemoryGuardExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	g := NewMemoryGuard(WithTTL(time.Minute, time.Hour), WithClock(func() time.Time { return now }))

	if err := g.Acquire(ctx, "intent-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := g.Acquire(ctx, "intent-1"); err != nil {
		t.Fatalf("expired pending entries must be reclaimable: %v", err)
	}
}

func TestMemoryGuardConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire(ctx, "intent-race") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("AGENTPAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTPAY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	g, err := NewRedisGuard(ctx, RedisConfig{
		Address:    addr,
		Prefix:     fmt.Sprintf("agentpay:test:%d:", time.Now().UnixNano()),
		PendingTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("new redis guard: %v", err)
	}
	defer g.Close()

	if err := g.Acquire(ctx, "intent-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Acquire(ctx, "intent-1"); xerrors.CodeOf(err) != CodeDuplicateIntent {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := g.Release(ctx, "intent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := g.Acquire(ctx, "intent-1"); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if err := g.Complete(ctx, "intent-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := g.Release(ctx, "intent-1"); err != nil {
		t.Fatalf("release settled: %v", err)
	}
	if err := g.Acquire(ctx, "intent-1"); xerrors.CodeOf(err) != CodeDuplicateIntent {
		t.Fatalf("settled intents must stay blocked, got %v", err)
	}
}

func TestNewRedisGuardRequiresAddress(t *testing.T) {
	if _, err := NewRedisGuard(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
