package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acme/ai-call-dispatch/internal/config"
	"github.com/acme/ai-call-dispatch/pkg/logger"
)

func refresherFixture(t *testing.T, batch int) (*Refresher, *Manager, *time.Time) {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	manager := NewManager(config.CacheConfig{})
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for _, name := range manager.Names() {
		instance, _ := manager.Instance(name)
		instance.now = func() time.Time { return clock }
	}

	cfg := config.CacheConfig{RefreshThreshold: 0.8, RefreshBatchSize: batch, MaxConcurrentRefresh: 2}
	r := NewRefresher(cfg, lg, manager)
	r.now = func() time.Time { return clock }
	return r, manager, &clock
}

func TestPassRefreshesAgingEntries(t *testing.T) {
	r, manager, clock := refresherFixture(t, 20)

	manager.Dashboard().Set(DashboardKey("alice"), "stale", 10*time.Minute)

	var loads int32
	err := r.RegisterLoader(InstanceDashboard, `^dashboard:user:`, true,
		func(_ context.Context, key string) (any, time.Duration, error) {
			atomic.AddInt32(&loads, 1)
			return "fresh", 0, nil
		})
	if err != nil {
		t.Fatalf("register loader: %v", err)
	}

	// Under the age threshold: nothing happens.
	*clock = clock.Add(5 * time.Minute)
	r.Pass(context.Background())
	if atomic.LoadInt32(&loads) != 0 {
		t.Fatalf("refreshed before threshold")
	}

	// Past 80% of the TTL: the entry is recomputed in place.
	*clock = clock.Add(4 * time.Minute)
	r.Pass(context.Background())
	if atomic.LoadInt32(&loads) != 1 {
		t.Fatalf("expected one load, got %d", loads)
	}
	got, ok := manager.Dashboard().Get(DashboardKey("alice"))
	if !ok || got != "fresh" {
		t.Fatalf("expected refreshed value, got %v %v", got, ok)
	}
}

func TestPassSkipsKeysWithoutLoader(t *testing.T) {
	r, manager, clock := refresherFixture(t, 20)

	manager.Dashboard().Set("dashboard:other:thing", "stale", 10*time.Minute)
	*clock = clock.Add(9 * time.Minute)

	var loads int32
	_ = r.RegisterLoader(InstanceDashboard, `^dashboard:user:`, false,
		func(_ context.Context, key string) (any, time.Duration, error) {
			atomic.AddInt32(&loads, 1)
			return "fresh", 0, nil
		})

	r.Pass(context.Background())
	if atomic.LoadInt32(&loads) != 0 {
		t.Fatalf("expected unmatched key ignored")
	}
}

func TestPassRanksCriticalFirst(t *testing.T) {
	r, manager, clock := refresherFixture(t, 1)

	manager.Dashboard().Set(DashboardKey("alice"), "stale", 10*time.Minute)
	manager.Agent().Set(AgentKey("agent-1"), "stale", 10*time.Minute)
	*clock = clock.Add(9 * time.Minute)

	var critical, casual int32
	_ = r.RegisterLoader(InstanceDashboard, `^dashboard:user:`, true,
		func(_ context.Context, key string) (any, time.Duration, error) {
			atomic.AddInt32(&critical, 1)
			return "fresh", 0, nil
		})
	_ = r.RegisterLoader(InstanceAgent, `^agent:config:`, false,
		func(_ context.Context, key string) (any, time.Duration, error) {
			atomic.AddInt32(&casual, 1)
			return "fresh", 0, nil
		})

	r.Pass(context.Background())

	// Batch of one: the critical loader wins the slot.
	if atomic.LoadInt32(&critical) != 1 || atomic.LoadInt32(&casual) != 0 {
		t.Fatalf("expected critical entry refreshed first, got critical=%d casual=%d", critical, casual)
	}
}

func TestPassRanksRecentlyAccessedFirst(t *testing.T) {
	r, manager, clock := refresherFixture(t, 1)

	manager.Dashboard().Set(DashboardKey("alice"), "stale", 20*time.Minute)
	manager.Dashboard().Set(DashboardKey("bob"), "stale", 20*time.Minute)

	// Alice's entry is read 5 minutes before the pass; Bob's is never touched
	// after the write, so its last access falls outside the 10-minute window.
	*clock = clock.Add(12 * time.Minute)
	if _, ok := manager.Dashboard().Get(DashboardKey("alice")); !ok {
		t.Fatalf("expected alice entry readable")
	}
	*clock = clock.Add(5 * time.Minute)

	loads := make(map[string]int)
	_ = r.RegisterLoader(InstanceDashboard, `^dashboard:user:`, false,
		func(_ context.Context, key string) (any, time.Duration, error) {
			loads[key]++
			return "fresh", 0, nil
		})

	// Batch of one: the recently read entry wins the slot.
	r.Pass(context.Background())
	if loads[DashboardKey("alice")] != 1 || loads[DashboardKey("bob")] != 0 {
		t.Fatalf("expected recently accessed entry refreshed first, got %v", loads)
	}
}

func TestLoaderErrorKeepsStaleValue(t *testing.T) {
	r, manager, clock := refresherFixture(t, 20)

	manager.Dashboard().Set(DashboardKey("alice"), "stale", 10*time.Minute)
	*clock = clock.Add(9 * time.Minute)

	_ = r.RegisterLoader(InstanceDashboard, `^dashboard:user:`, true,
		func(_ context.Context, key string) (any, time.Duration, error) {
			return nil, 0, errors.New("backend down")
		})

	r.Pass(context.Background())
	got, ok := manager.Dashboard().Get(DashboardKey("alice"))
	if !ok || got != "stale" {
		t.Fatalf("expected stale value retained, got %v %v", got, ok)
	}
}

func TestRegisterLoaderRejectsBadPattern(t *testing.T) {
	r, _, _ := refresherFixture(t, 20)
	if err := r.RegisterLoader(InstanceDashboard, `([`, false, nil); err == nil {
		t.Fatalf("expected pattern compile error")
	}
}
