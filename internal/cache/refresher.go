package cache

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/acme/ai-call-dispatch/internal/config"
	"github.com/acme/ai-call-dispatch/pkg/logger"
)

// LoaderFunc recomputes the value for one key. The returned TTL applies to
// the refreshed entry; zero keeps the instance default.
type LoaderFunc func(ctx context.Context, key string) (any, time.Duration, error)

type loader struct {
	instance string
	pattern  *regexp.Regexp
	critical bool
	load     LoaderFunc
}

type candidate struct {
	instance string
	key      string
	score    int
	load     LoaderFunc
}

// Refresher proactively recomputes entries nearing expiry so hot reads never
// pay the miss. Candidates are ranked and refreshed in bounded batches;
// duplicate loads for the same key collapse through singleflight.
type Refresher struct {
	cfg     config.CacheConfig
	logger  *logger.Logger
	manager *Manager

	mu      sync.Mutex
	loaders []loader

	passMu sync.Mutex
	group  singleflight.Group

	now func() time.Time
}

// NewRefresher constructs the refresher.
func NewRefresher(cfg config.CacheConfig, lg *logger.Logger, manager *Manager) *Refresher {
	return &Refresher{
		cfg:     cfg,
		logger:  lg,
		manager: manager,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterLoader attaches a loader to every key of instance matching pattern.
// Critical loaders outrank the rest when a pass is oversubscribed.
func (r *Refresher) RegisterLoader(instance, pattern string, critical bool, fn LoaderFunc) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.loaders = append(r.loaders, loader{instance: instance, pattern: re, critical: critical, load: fn})
	r.mu.Unlock()
	return nil
}

// Run refreshes periodically until cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	interval := r.cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		r.Pass(ctx)
	}
}

// Pass runs one refresh cycle. A pass still running when the next fires
// makes the new one a no-op.
func (r *Refresher) Pass(ctx context.Context) {
	if !r.passMu.TryLock() {
		r.logger.Warn("cache: refresh pass still running, skipping")
		return
	}
	defer r.passMu.Unlock()

	ctx, span := otel.Tracer("cache").Start(ctx, "cache.refresh_pass")
	defer span.End()

	candidates := r.collect()
	if len(candidates) == 0 {
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	batch := r.cfg.RefreshBatchSize
	if batch <= 0 {
		batch = 20
	}
	if len(candidates) > batch {
		candidates = candidates[:batch]
	}

	workers := int64(r.cfg.MaxConcurrentRefresh)
	if workers <= 0 {
		workers = 4
	}
	sem := semaphore.NewWeighted(workers)

	refreshed := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			defer sem.Release(1)
			if r.refreshOne(ctx, c) {
				mu.Lock()
				refreshed++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	r.logger.Debug("cache: refresh pass complete",
		zap.Int("candidates", len(candidates)), zap.Int("refreshed", refreshed))
}

// collect scans every instance for entries past the age threshold that have
// a registered loader, scoring each for the ranking.
func (r *Refresher) collect() []candidate {
	threshold := r.cfg.RefreshThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}

	r.mu.Lock()
	loaders := make([]loader, len(r.loaders))
	copy(loaders, r.loaders)
	r.mu.Unlock()

	now := r.now()
	var out []candidate
	for _, name := range r.manager.Names() {
		instance, err := r.manager.Instance(name)
		if err != nil {
			continue
		}
		for _, info := range instance.Entries() {
			if info.TTL <= 0 || float64(info.Age) < threshold*float64(info.TTL) {
				continue
			}
			ld, ok := matchLoader(loaders, name, info.Key)
			if !ok {
				continue
			}

			score := 0
			if ld.critical {
				score += 10
			}
			if info.AccessCount > 10 {
				score += 5
			}
			if now.Sub(info.LastAccess) < 10*time.Minute {
				score += 3
			}
			out = append(out, candidate{instance: name, key: info.Key, score: score, load: ld.load})
		}
	}
	return out
}

func (r *Refresher) refreshOne(ctx context.Context, c candidate) bool {
	_, err, _ := r.group.Do(c.instance+"\x00"+c.key, func() (any, error) {
		value, ttl, err := c.load(ctx, c.key)
		if err != nil {
			return nil, err
		}
		instance, ierr := r.manager.Instance(c.instance)
		if ierr != nil {
			return nil, ierr
		}
		instance.Set(c.key, value, ttl)
		return nil, nil
	})
	if err != nil {
		r.logger.Warn("cache: refresh failed",
			zap.Error(err), zap.String("instance", c.instance), zap.String("key", c.key))
		return false
	}
	return true
}

func matchLoader(loaders []loader, instance, key string) (loader, bool) {
	for _, ld := range loaders {
		if ld.instance == instance && ld.pattern.MatchString(key) {
			return ld, true
		}
	}
	return loader{}, false
}
