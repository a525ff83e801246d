package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acme/ai-call-dispatch/internal/config"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

// Well-known cache instance names.
const (
	InstanceDashboard   = "dashboard"
	InstanceAgent       = "agent"
	InstancePerformance = "performance"
)

var defaultInstances = map[string]config.CacheInstanceConfig{
	InstanceDashboard:   {MaxSize: 1000, MaxMemory: 64 << 20, DefaultTTL: 5 * time.Minute, CleanupInterval: time.Minute},
	InstanceAgent:       {MaxSize: 5000, MaxMemory: 128 << 20, DefaultTTL: 15 * time.Minute, CleanupInterval: time.Minute},
	InstancePerformance: {MaxSize: 2000, MaxMemory: 64 << 20, DefaultTTL: 10 * time.Minute, CleanupInterval: time.Minute},
}

// Manager owns the named cache instances and aggregates their stats.
type Manager struct {
	caches map[string]*MemCache
}

// NewManager builds the standard instances, overlaying any configured knobs
// on the defaults. Configured names beyond the standard set become extra
// instances.
func NewManager(cfg config.CacheConfig) *Manager {
	m := &Manager{caches: make(map[string]*MemCache)}

	for name, ic := range defaultInstances {
		if override, ok := cfg.Instances[name]; ok {
			ic = merge(ic, override)
		}
		m.caches[name] = newInstance(name, ic)
	}
	for name, ic := range cfg.Instances {
		if _, ok := m.caches[name]; !ok {
			m.caches[name] = newInstance(name, ic)
		}
	}
	return m
}

func newInstance(name string, ic config.CacheInstanceConfig) *MemCache {
	return NewMemCache(name, ic.MaxSize, ic.MaxMemory, ic.DefaultTTL, ic.CleanupInterval)
}

func merge(base, override config.CacheInstanceConfig) config.CacheInstanceConfig {
	if override.MaxSize > 0 {
		base.MaxSize = override.MaxSize
	}
	if override.MaxMemory > 0 {
		base.MaxMemory = override.MaxMemory
	}
	if override.DefaultTTL > 0 {
		base.DefaultTTL = override.DefaultTTL
	}
	if override.CleanupInterval > 0 {
		base.CleanupInterval = override.CleanupInterval
	}
	return base
}

// Instance returns a cache by name.
func (m *Manager) Instance(name string) (*MemCache, error) {
	c, ok := m.caches[name]
	if !ok {
		return nil, fmt.Errorf("%w: cache instance %q", apperrors.ErrNotFound, name)
	}
	return c, nil
}

// Dashboard returns the dashboard-summary cache.
func (m *Manager) Dashboard() *MemCache { return m.caches[InstanceDashboard] }

// Agent returns the agent-config cache.
func (m *Manager) Agent() *MemCache { return m.caches[InstanceAgent] }

// Performance returns the performance-aggregate cache.
func (m *Manager) Performance() *MemCache { return m.caches[InstancePerformance] }

// Names lists instance names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats snapshots every instance, sorted by name.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.caches))
	for _, name := range m.Names() {
		out = append(out, m.caches[name].Stats())
	}
	return out
}

// InvalidatePattern applies one pattern across every instance and returns
// the total entries dropped.
func (m *Manager) InvalidatePattern(pattern string) (int, error) {
	total := 0
	for _, c := range m.caches {
		n, err := c.InvalidatePattern(pattern)
		if err != nil {
			return total, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		total += n
	}
	return total, nil
}

// Clear empties one instance, or all of them when name is empty.
func (m *Manager) Clear(name string) error {
	if name == "" {
		for _, c := range m.caches {
			c.Clear()
		}
		return nil
	}
	c, err := m.Instance(name)
	if err != nil {
		return err
	}
	c.Clear()
	return nil
}

// Run drives the background expiry sweeps for every instance.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.caches {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}
