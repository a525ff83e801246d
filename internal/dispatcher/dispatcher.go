package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/ai-call-dispatch/internal/config"
	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/internal/provider"
	"github.com/acme/ai-call-dispatch/internal/repository"
	"github.com/acme/ai-call-dispatch/pkg/logger"
)

// EventPublisher emits call lifecycle events for downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event events.CallEvent) error
}

// ActivityInvalidator lets the dispatcher nudge the cache engine when a
// user's call activity changes.
type ActivityInvalidator interface {
	OnCallStarted(ctx context.Context, userID string)
}

// transient database operations get a few in-process attempts before the
// failure path runs.
const dbRetryAttempts = 3

// Dispatcher drains the queue on a fixed tick, allocating concurrency slots
// fairly across users under the system and per-user caps.
type Dispatcher struct {
	cfg       config.DispatcherConfig
	logger    *logger.Logger
	registry  repository.ActiveCallRepository
	queue     repository.QueueRepository
	users     repository.UserRepository
	campaigns repository.CampaignRepository
	calls     repository.CallRepository
	resolver  *SourceNumberResolver
	voice     provider.VoiceProvider
	publisher EventPublisher
	caches    ActivityInvalidator

	// dispatchMu is the non-reentrant dispatch lock: at most one tick runs
	// at a time in this process. Released on every exit path via defer.
	dispatchMu sync.Mutex

	now func() time.Time
}

// New constructs a dispatcher.
func New(
	cfg config.DispatcherConfig,
	lg *logger.Logger,
	registry repository.ActiveCallRepository,
	queue repository.QueueRepository,
	users repository.UserRepository,
	campaigns repository.CampaignRepository,
	calls repository.CallRepository,
	resolver *SourceNumberResolver,
	voice provider.VoiceProvider,
	publisher EventPublisher,
	caches ActivityInvalidator,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		logger:    lg,
		registry:  registry,
		queue:     queue,
		users:     users,
		campaigns: campaigns,
		calls:     calls,
		resolver:  resolver,
		voice:     voice,
		publisher: publisher,
		caches:    caches,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the dispatch loop until cancelled. The in-progress tick is
// drained before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.cfg.TickInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one dispatch pass. Returns immediately when another tick holds
// the dispatch lock.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if !d.dispatchMu.TryLock() {
		d.logger.Debug("dispatcher: tick already running")
		return nil
	}
	defer d.dispatchMu.Unlock()

	tracer := otel.Tracer("dispatch.core")
	sctx, span := tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	activeSystem, err := d.registry.CountActiveSystem(sctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: count system: %w", err)
	}
	span.SetAttributes(attribute.Int("active.system", activeSystem))
	if activeSystem >= d.cfg.SystemLimit {
		d.logger.Debug("dispatcher: system at capacity", zap.Int("active", activeSystem))
		return nil
	}

	users, err := d.queue.EligibleUsers(sctx, 100)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatcher: eligible users: %w", err)
	}
	span.SetAttributes(attribute.Int("users.eligible", len(users)))

	for _, user := range users {
		activeSystem, err = d.registry.CountActiveSystem(sctx)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("dispatcher: refresh system count: %w", err)
		}
		if activeSystem >= d.cfg.SystemLimit {
			break
		}

		activeUser, err := d.registry.CountActiveUser(sctx, user.UserID)
		if err != nil {
			span.RecordError(err)
			d.logger.Error("dispatcher: count user", zap.Error(err), zap.String("user_id", user.UserID))
			continue
		}
		if activeUser >= user.PerUserLimit {
			continue
		}

		slots := user.PerUserLimit - activeUser
		if remaining := d.cfg.SystemLimit - activeSystem; remaining < slots {
			slots = remaining
		}

		for i := 0; i < slots; i++ {
			more, err := d.allocateNext(sctx, tracer, user.UserID)
			if err != nil && ctx.Err() != nil {
				return err
			}
			if err != nil {
				d.logger.Error("dispatcher: allocate", zap.Error(err), zap.String("user_id", user.UserID))
			}
			if !more {
				break
			}
		}
	}

	return nil
}

// allocateNext places one call for the user. The returned bool reports
// whether the caller should keep allocating for this user.
func (d *Dispatcher) allocateNext(ctx context.Context, tracer trace.Tracer, userID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.allocate", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	credits, err := d.users.Credits(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("read credits: %w", err)
	}
	if credits <= 0 {
		paused, err := d.campaigns.PauseActiveForUser(ctx, userID)
		if err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("pause campaigns: %w", err)
		}
		d.logger.Info("dispatcher: user out of credits",
			zap.String("user_id", userID), zap.Int("campaigns_paused", paused))
		return false, nil
	}

	item, err := d.queue.PopNextEligible(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("pop queue item: %w", err)
	}
	span.SetAttributes(
		attribute.String("item.id", item.ID.String()),
		attribute.String("call.type", string(item.CallType)),
	)

	sourceNumber, err := d.resolver.Resolve(ctx, item)
	if err != nil {
		span.RecordError(err)
		d.failItem(ctx, item, nil, err.Error())
		return true, nil
	}

	callID := uuid.New()
	outcome, err := d.reserve(ctx, item, callID)
	if err != nil {
		span.RecordError(err)
		d.revertItem(ctx, item, "registry error: "+err.Error())
		return false, err
	}
	if !outcome.OK() {
		span.SetAttributes(attribute.String("reserve.result", string(outcome.Result)))
		d.revertItem(ctx, item, outcome.Reason)
		// A capacity outcome means this user (or the system) is full; more
		// allocations this tick would fail the same way.
		return false, nil
	}

	if err := d.retryDB(ctx, func() error { return d.queue.SetCallID(ctx, item.ID, callID) }); err != nil {
		span.RecordError(err)
		d.failItem(ctx, item, &callID, "stamp call id: "+err.Error())
		return true, nil
	}

	req := provider.CallRequest{
		AgentID:      item.AgentID,
		PhoneNumber:  item.PhoneNumber,
		SourceNumber: sourceNumber,
		UserData:     item.UserData,
		Metadata: map[string]string{
			"user_id":    item.UserID,
			"agent_id":   item.AgentID,
			"call_id":    callID.String(),
			"contact_id": item.ContactID,
		},
	}

	resp, err := d.voice.PlaceCall(ctx, req)
	if err != nil {
		span.RecordError(err)
		d.failItem(ctx, item, &callID, "provider: "+err.Error())
		return true, nil
	}

	if err := d.registry.AttachExecution(ctx, callID, resp.ExecutionID); err != nil {
		// Best effort: release-by-call-id still works without it.
		d.logger.Warn("dispatcher: attach execution", zap.Error(err), zap.String("call_id", callID.String()))
	}

	record := &domain.CallRecord{
		ID:          callID,
		UserID:      item.UserID,
		CampaignID:  item.CampaignID,
		AgentID:     item.AgentID,
		ContactID:   item.ContactID,
		PhoneNumber: item.PhoneNumber,
		ExecutionID: resp.ExecutionID,
		Status:      domain.CallStatusInProgress,
		StartedAt:   d.now(),
		CreatedAt:   d.now(),
	}
	if err := d.retryDB(ctx, func() error { return d.calls.CreateCall(ctx, record) }); err != nil {
		span.RecordError(err)
		d.failItem(ctx, item, &callID, "persist call: "+err.Error())
		return true, nil
	}

	d.publish(ctx, events.CallEvent{
		CallID:      callID,
		UserID:      item.UserID,
		CampaignID:  item.CampaignID,
		CallType:    string(item.CallType),
		Stage:       events.StageDialing,
		ExecutionID: resp.ExecutionID,
		OccurredAt:  d.now(),
	})
	if d.caches != nil {
		d.caches.OnCallStarted(ctx, item.UserID)
	}

	d.logger.Info("dispatcher: call placed",
		zap.String("user_id", item.UserID),
		zap.String("call_id", callID.String()),
		zap.String("execution_id", resp.ExecutionID),
		zap.String("call_type", string(item.CallType)))

	return true, nil
}

func (d *Dispatcher) reserve(ctx context.Context, item *domain.QueueItem, callID uuid.UUID) (domain.ReserveOutcome, error) {
	if item.CallType == domain.CallTypeDirect {
		return d.registry.ReserveDirect(ctx, item.UserID, callID)
	}
	return d.registry.ReserveCampaign(ctx, item.UserID, callID)
}

// revertItem returns the item to the queue with an annotated reason.
func (d *Dispatcher) revertItem(ctx context.Context, item *domain.QueueItem, reason string) {
	if err := d.retryDB(ctx, func() error { return d.queue.RevertToQueued(ctx, item.ID, reason) }); err != nil {
		d.logger.Error("dispatcher: revert item", zap.Error(err), zap.String("item_id", item.ID.String()))
	}
}

// failItem marks the item failed and releases the slot when one is held.
func (d *Dispatcher) failItem(ctx context.Context, item *domain.QueueItem, callID *uuid.UUID, reason string) {
	if callID != nil {
		if err := d.registry.Release(ctx, *callID); err != nil {
			d.logger.Error("dispatcher: release slot", zap.Error(err), zap.String("call_id", callID.String()))
		}
	}
	if err := d.retryDB(ctx, func() error { return d.queue.MarkFailed(ctx, item.ID, reason) }); err != nil {
		d.logger.Error("dispatcher: mark failed", zap.Error(err), zap.String("item_id", item.ID.String()))
	}

	event := events.CallEvent{
		UserID:     item.UserID,
		CampaignID: item.CampaignID,
		CallType:   string(item.CallType),
		Stage:      events.StageFailed,
		Error:      reason,
		OccurredAt: d.now(),
	}
	if callID != nil {
		event.CallID = *callID
	}
	d.publish(ctx, event)
}

func (d *Dispatcher) publish(ctx context.Context, event events.CallEvent) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.Warn("dispatcher: publish event", zap.Error(err), zap.String("stage", event.Stage))
	}
}

func (d *Dispatcher) retryDB(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < dbRetryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}
