package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/ai-call-dispatch/internal/config"
	"github.com/acme/ai-call-dispatch/internal/repository"
	"github.com/acme/ai-call-dispatch/pkg/logger"
)

// OrphanSweeper releases registry rows whose call record is terminal or
// absent and whose start time is older than the stale threshold. Crashed
// processes and lost terminal events would otherwise leak capacity forever.
type OrphanSweeper struct {
	cfg      config.DispatcherConfig
	logger   *logger.Logger
	registry repository.ActiveCallRepository
	calls    repository.CallRepository
}

// NewOrphanSweeper constructs the sweeper.
func NewOrphanSweeper(cfg config.DispatcherConfig, lg *logger.Logger, registry repository.ActiveCallRepository, calls repository.CallRepository) *OrphanSweeper {
	return &OrphanSweeper{cfg: cfg, logger: lg, registry: registry, calls: calls}
}

// Run sweeps periodically until cancelled.
func (s *OrphanSweeper) Run(ctx context.Context) error {
	interval := s.cfg.OrphanSweepEvery
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

		if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("orphan sweeper: sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("orphan sweeper: released orphans", zap.Int("count", n))
		}
	}
}

// Sweep runs one cleanup pass and returns how many rows it released.
func (s *OrphanSweeper) Sweep(ctx context.Context) (int, error) {
	staleAfter := s.cfg.OrphanStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}

	stale, err := s.registry.ListStale(ctx, staleAfter)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, call := range stale {
		orphaned, err := s.calls.IsTerminalOrAbsent(ctx, call.ID)
		if err != nil {
			s.logger.Warn("orphan sweeper: terminal check", zap.Error(err), zap.String("call_id", call.ID.String()))
			continue
		}
		if !orphaned {
			continue
		}
		if err := s.registry.Release(ctx, call.ID); err != nil {
			s.logger.Error("orphan sweeper: release", zap.Error(err), zap.String("call_id", call.ID.String()))
			continue
		}
		released++
	}
	return released, nil
}
