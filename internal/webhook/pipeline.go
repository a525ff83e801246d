package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/acme/ai-call-dispatch/internal/config"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/pkg/logger"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

var defaultRetryDelays = []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute}

// RetryJob is one webhook payload moving through the retry pipeline.
type RetryJob struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	CreatedAt   time.Time       `json:"created_at"`
	FailedAt    time.Time       `json:"failed_at,omitempty"`
}

// SnapshotStore persists pipeline state so pending retries and dead letters
// survive a restart.
type SnapshotStore interface {
	SavePending(ctx context.Context, job *RetryJob) error
	RemovePending(ctx context.Context, id string) error
	SaveDead(ctx context.Context, job *RetryJob) error
	RemoveDead(ctx context.Context, id string) error
	Load(ctx context.Context) (pending, dead []*RetryJob, err error)
}

// DeadLetterPublisher fans dead letters out to the ops topic.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, event events.DeadLetterEvent) error
}

// Pipeline accepts terminal-event payloads, processes them inline, and
// retries failures on a fixed backoff ladder before parking them in the
// dead-letter queue. Retry passes never overlap: a pass still running when
// the next tick fires makes the tick a no-op.
type Pipeline struct {
	cfg       config.WebhookConfig
	logger    *logger.Logger
	processor Processor
	store     SnapshotStore
	deadPub   DeadLetterPublisher

	mu      sync.Mutex
	pending map[string]*RetryJob
	dead    map[string]*RetryJob

	retryMu sync.Mutex

	now func() time.Time
}

// NewPipeline constructs the pipeline. store and deadPub may be nil.
func NewPipeline(cfg config.WebhookConfig, lg *logger.Logger, processor Processor, store SnapshotStore, deadPub DeadLetterPublisher) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		logger:    lg,
		processor: processor,
		store:     store,
		deadPub:   deadPub,
		pending:   make(map[string]*RetryJob),
		dead:      make(map[string]*RetryJob),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Restore reloads pipeline state from the snapshot store.
func (p *Pipeline) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	pending, dead, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("webhook: restore snapshot: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, job := range pending {
		p.pending[job.ID] = job
	}
	for _, job := range dead {
		p.dead[job.ID] = job
	}
	p.logger.Info("webhook: pipeline restored",
		zap.Int("pending", len(pending)), zap.Int("dead", len(dead)))
	return nil
}

// Submit processes one payload inline. A transient failure schedules the
// payload for retry and still returns nil: the caller has handed the event
// off. Permanently malformed payloads go straight to the dead-letter queue.
func (p *Pipeline) Submit(ctx context.Context, payload []byte) error {
	err := p.processor.Process(ctx, payload)
	if err == nil {
		return nil
	}

	job := &RetryJob{
		ID:        uuid.New().String(),
		Payload:   append(json.RawMessage(nil), payload...),
		Attempts:  1,
		LastError: err.Error(),
		CreatedAt: p.now(),
	}

	if errors.Is(err, apperrors.ErrValidation) {
		p.logger.Error("webhook: unprocessable payload", zap.Error(err), zap.String("job_id", job.ID))
		p.park(ctx, job)
		return nil
	}

	job.NextRetryAt = p.now().Add(p.delay(job.Attempts))
	p.logger.Warn("webhook: processing failed, scheduled for retry",
		zap.Error(err), zap.String("job_id", job.ID), zap.Time("next_retry_at", job.NextRetryAt))

	p.mu.Lock()
	p.pending[job.ID] = job
	p.mu.Unlock()
	p.snapshotPending(ctx, job)
	return nil
}

// Run ticks the retry pass until cancelled, then drains: the final state is
// flushed to the snapshot store within the drain timeout.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := p.cfg.TickInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case <-ticker.C:
		}
		p.Tick(ctx)
	}
}

// Tick runs one retry pass. Due jobs are processed oldest deadline first;
// overlapping passes are skipped rather than queued.
func (p *Pipeline) Tick(ctx context.Context) {
	if !p.retryMu.TryLock() {
		p.logger.Warn("webhook: retry pass still running, skipping tick")
		return
	}
	defer p.retryMu.Unlock()

	ctx, span := otel.Tracer("webhook").Start(ctx, "webhook.retry_pass")
	defer span.End()

	now := p.now()

	p.mu.Lock()
	due := make([]*RetryJob, 0, len(p.pending))
	for _, job := range p.pending {
		if !job.NextRetryAt.After(now) {
			due = append(due, job)
		}
	}
	p.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		p.retry(ctx, job)
	}
}

func (p *Pipeline) retry(ctx context.Context, job *RetryJob) {
	err := p.processor.Process(ctx, job.Payload)
	if err == nil {
		p.mu.Lock()
		delete(p.pending, job.ID)
		p.mu.Unlock()
		if p.store != nil {
			if serr := p.store.RemovePending(ctx, job.ID); serr != nil {
				p.logger.Warn("webhook: snapshot remove", zap.Error(serr), zap.String("job_id", job.ID))
			}
		}
		p.logger.Info("webhook: retry succeeded",
			zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
		return
	}

	job.Attempts++
	job.LastError = err.Error()

	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if job.Attempts >= maxAttempts || errors.Is(err, apperrors.ErrValidation) {
		p.mu.Lock()
		delete(p.pending, job.ID)
		p.mu.Unlock()
		if p.store != nil {
			if serr := p.store.RemovePending(ctx, job.ID); serr != nil {
				p.logger.Warn("webhook: snapshot remove", zap.Error(serr), zap.String("job_id", job.ID))
			}
		}
		p.park(ctx, job)
		return
	}

	job.NextRetryAt = p.now().Add(p.delay(job.Attempts))
	p.logger.Warn("webhook: retry failed, rescheduled",
		zap.Error(err),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Time("next_retry_at", job.NextRetryAt))
	p.snapshotPending(ctx, job)
}

// park moves a job to the dead-letter queue and alerts.
func (p *Pipeline) park(ctx context.Context, job *RetryJob) {
	job.FailedAt = p.now()

	p.mu.Lock()
	p.dead[job.ID] = job
	p.mu.Unlock()

	p.logger.Error("webhook: job moved to dead-letter queue",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("last_error", job.LastError))

	if p.store != nil {
		if err := p.store.SaveDead(ctx, job); err != nil {
			p.logger.Warn("webhook: snapshot dead letter", zap.Error(err), zap.String("job_id", job.ID))
		}
	}
	if p.deadPub != nil {
		event := events.DeadLetterEvent{
			JobID:     job.ID,
			Payload:   job.Payload,
			Attempts:  job.Attempts,
			LastError: job.LastError,
			CreatedAt: job.CreatedAt,
			FailedAt:  job.FailedAt,
		}
		if err := p.deadPub.Publish(ctx, event); err != nil {
			p.logger.Warn("webhook: publish dead letter", zap.Error(err), zap.String("job_id", job.ID))
		}
	}
}

// ListDead returns dead letters, newest failures first.
func (p *Pipeline) ListDead() []RetryJob {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RetryJob, 0, len(p.dead))
	for _, job := range p.dead {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return out
}

// RetryDead replays one dead letter immediately. On success it leaves the
// queue; on failure it stays with the error recorded.
func (p *Pipeline) RetryDead(ctx context.Context, id string) error {
	p.mu.Lock()
	job, ok := p.dead[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: dead letter %s", apperrors.ErrNotFound, id)
	}

	if err := p.processor.Process(ctx, job.Payload); err != nil {
		p.mu.Lock()
		job.LastError = err.Error()
		p.mu.Unlock()
		if p.store != nil {
			if serr := p.store.SaveDead(ctx, job); serr != nil {
				p.logger.Warn("webhook: snapshot dead letter", zap.Error(serr), zap.String("job_id", id))
			}
		}
		return fmt.Errorf("webhook: replay dead letter: %w", err)
	}

	p.mu.Lock()
	delete(p.dead, id)
	p.mu.Unlock()
	if p.store != nil {
		if err := p.store.RemoveDead(ctx, id); err != nil {
			p.logger.Warn("webhook: snapshot remove dead", zap.Error(err), zap.String("job_id", id))
		}
	}
	p.logger.Info("webhook: dead letter replayed", zap.String("job_id", id))
	return nil
}

// PurgeDead removes dead letters that failed before the retention cutoff and
// returns how many were dropped.
func (p *Pipeline) PurgeDead(ctx context.Context, olderThan time.Duration) int {
	cutoff := p.now().Add(-olderThan)

	p.mu.Lock()
	var purged []string
	for id, job := range p.dead {
		if job.FailedAt.Before(cutoff) {
			delete(p.dead, id)
			purged = append(purged, id)
		}
	}
	p.mu.Unlock()

	for _, id := range purged {
		if p.store != nil {
			if err := p.store.RemoveDead(ctx, id); err != nil {
				p.logger.Warn("webhook: snapshot remove dead", zap.Error(err), zap.String("job_id", id))
			}
		}
	}
	if len(purged) > 0 {
		p.logger.Info("webhook: purged dead letters", zap.Int("count", len(purged)))
	}
	return len(purged)
}

// PendingCount reports how many jobs await retry.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pipeline) delay(failures int) time.Duration {
	delays := p.cfg.RetryDelays
	if len(delays) == 0 {
		delays = defaultRetryDelays
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// drain flushes state so nothing is lost across a restart. Jobs are already
// snapshotted on every mutation; this is a final consistency pass bounded by
// the drain timeout.
func (p *Pipeline) drain() {
	if p.store == nil {
		return
	}
	timeout := p.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p.retryMu.Lock()
	defer p.retryMu.Unlock()

	p.mu.Lock()
	jobs := make([]*RetryJob, 0, len(p.pending))
	for _, job := range p.pending {
		jobs = append(jobs, job)
	}
	p.mu.Unlock()

	for _, job := range jobs {
		if err := p.store.SavePending(ctx, job); err != nil {
			p.logger.Error("webhook: drain snapshot", zap.Error(err), zap.String("job_id", job.ID))
		}
	}
	p.logger.Info("webhook: pipeline drained", zap.Int("pending", len(jobs)))
}

func (p *Pipeline) snapshotPending(ctx context.Context, job *RetryJob) {
	if p.store == nil {
		return
	}
	if err := p.store.SavePending(ctx, job); err != nil {
		p.logger.Warn("webhook: snapshot pending", zap.Error(err), zap.String("job_id", job.ID))
	}
}
