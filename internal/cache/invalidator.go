package cache

import (
	"context"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/acme/ai-call-dispatch/internal/repository"
	"github.com/acme/ai-call-dispatch/pkg/logger"
)

// Key builders shared by writers and the invalidator. Keys embed the owning
// user or agent so pattern invalidation can target one tenant.
func DashboardKey(userID string) string   { return "dashboard:user:" + userID }
func AgentKey(agentID string) string      { return "agent:config:" + agentID }
func PerformanceKey(userID string) string { return "performance:user:" + userID }

// Invalidator translates call lifecycle activity into cache invalidation,
// and optionally re-warms the dashboard summary so the next read hits.
type Invalidator struct {
	logger  *logger.Logger
	manager *Manager
	stats   repository.StatisticsRepository

	warmTimeout time.Duration
}

// NewInvalidator constructs the invalidator. stats may be nil to disable
// warm-up.
func NewInvalidator(lg *logger.Logger, manager *Manager, stats repository.StatisticsRepository) *Invalidator {
	return &Invalidator{
		logger:      lg,
		manager:     manager,
		stats:       stats,
		warmTimeout: 5 * time.Second,
	}
}

// OnCallStarted drops the user's dashboard and performance views. Agent
// config is unaffected by call activity.
func (iv *Invalidator) OnCallStarted(ctx context.Context, userID string) {
	n := iv.manager.Dashboard().InvalidateRegexp(userPattern("dashboard", userID))
	n += iv.manager.Performance().InvalidateRegexp(userPattern("performance", userID))
	iv.logger.Debug("cache: invalidated on call start",
		zap.String("user_id", userID), zap.Int("entries", n))

	iv.warmDashboard(ctx, userID)
}

// OnCallCompleted additionally drops the agent's cached views, since the
// terminal event carries fresh per-agent outcomes.
func (iv *Invalidator) OnCallCompleted(ctx context.Context, userID, agentID string) {
	n := iv.manager.Dashboard().InvalidateRegexp(userPattern("dashboard", userID))
	n += iv.manager.Performance().InvalidateRegexp(userPattern("performance", userID))
	if agentID != "" {
		n += iv.manager.Agent().InvalidateRegexp(agentPattern(agentID))
	}
	iv.logger.Debug("cache: invalidated on call completion",
		zap.String("user_id", userID), zap.String("agent_id", agentID), zap.Int("entries", n))

	iv.warmDashboard(ctx, userID)
}

// OnLeadDataChanged drops the user's dashboard and performance views; lead
// analytics feed both summaries.
func (iv *Invalidator) OnLeadDataChanged(ctx context.Context, userID string) {
	n := iv.manager.Dashboard().InvalidateRegexp(userPattern("dashboard", userID))
	n += iv.manager.Performance().InvalidateRegexp(userPattern("performance", userID))
	iv.logger.Debug("cache: invalidated on lead data change",
		zap.String("user_id", userID), zap.Int("entries", n))

	iv.warmDashboard(ctx, userID)
}

// OnAgentReconfigured drops the agent's cached configuration so the next
// dispatch reads the new settings.
func (iv *Invalidator) OnAgentReconfigured(_ context.Context, agentID string) {
	n := iv.manager.Agent().InvalidateRegexp(agentPattern(agentID))
	iv.logger.Debug("cache: invalidated on agent reconfigure",
		zap.String("agent_id", agentID), zap.Int("entries", n))
}

// OnCreditsChanged drops the user's dashboard view, which surfaces the
// credit balance.
func (iv *Invalidator) OnCreditsChanged(ctx context.Context, userID string) {
	n := iv.manager.Dashboard().InvalidateRegexp(userPattern("dashboard", userID))
	iv.logger.Debug("cache: invalidated on credits change",
		zap.String("user_id", userID), zap.Int("entries", n))

	iv.warmDashboard(ctx, userID)
}

// warmDashboard repopulates the user's dashboard summary. The read can race
// with replica lag, so it retries briefly before giving up; a cold entry is
// only a latency cost.
func (iv *Invalidator) warmDashboard(ctx context.Context, userID string) {
	if iv.stats == nil {
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	operation := func() error {
		warmCtx, cancel := context.WithTimeout(ctx, iv.warmTimeout)
		defer cancel()

		summary, err := iv.stats.DashboardSummary(warmCtx, userID)
		if err != nil {
			return err
		}
		iv.manager.Dashboard().Set(DashboardKey(userID), summary, 0)
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		iv.logger.Warn("cache: dashboard warm-up failed", zap.Error(err), zap.String("user_id", userID))
	}
}

func userPattern(prefix, userID string) *regexp.Regexp {
	return regexp.MustCompile("^" + prefix + ":user:" + regexp.QuoteMeta(userID) + "(:|$)")
}

func agentPattern(agentID string) *regexp.Regexp {
	return regexp.MustCompile("^agent:config:" + regexp.QuoteMeta(agentID) + "(:|$)")
}
