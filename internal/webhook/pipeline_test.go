package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acme/ai-call-dispatch/internal/config"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/pkg/logger"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

type stubProcessor struct {
	mu       sync.Mutex
	failures int // number of calls to fail before succeeding; negative fails forever
	err      error
	payloads []string
}

func (s *stubProcessor) Process(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, string(payload))

	if s.failures == 0 {
		return nil
	}
	if s.failures > 0 {
		s.failures--
	}
	if s.err != nil {
		return s.err
	}
	return errors.New("transient failure")
}

func (s *stubProcessor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type captureDeadPub struct {
	mu     sync.Mutex
	events []events.DeadLetterEvent
}

func (c *captureDeadPub) Publish(_ context.Context, event events.DeadLetterEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func testPipeline(t *testing.T, proc Processor, deadPub DeadLetterPublisher) (*Pipeline, *time.Time) {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	cfg := config.WebhookConfig{
		MaxAttempts:  3,
		RetryDelays:  []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute},
		TickInterval: 10 * time.Second,
		DrainTimeout: time.Second,
	}
	p := NewPipeline(cfg, lg, proc, nil, deadPub)

	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	return p, &clock
}

func TestSubmitSuccessLeavesNothingPending(t *testing.T) {
	proc := &stubProcessor{}
	p, _ := testPipeline(t, proc, nil)

	if err := p.Submit(context.Background(), []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.PendingCount() != 0 {
		t.Fatalf("expected no pending jobs, got %d", p.PendingCount())
	}
	if proc.calls() != 1 {
		t.Fatalf("expected one processor call, got %d", proc.calls())
	}
}

func TestTransientFailureRetriesOnSchedule(t *testing.T) {
	proc := &stubProcessor{failures: 2}
	p, clock := testPipeline(t, proc, nil)
	ctx := context.Background()

	if err := p.Submit(ctx, []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.PendingCount() != 1 {
		t.Fatalf("expected one pending job, got %d", p.PendingCount())
	}

	// Not yet due.
	*clock = clock.Add(2 * time.Second)
	p.Tick(ctx)
	if proc.calls() != 1 {
		t.Fatalf("retried before the deadline: %d calls", proc.calls())
	}

	// First retry at 5s still fails, second at +30s succeeds.
	*clock = clock.Add(4 * time.Second)
	p.Tick(ctx)
	if proc.calls() != 2 || p.PendingCount() != 1 {
		t.Fatalf("expected failed first retry, calls=%d pending=%d", proc.calls(), p.PendingCount())
	}

	*clock = clock.Add(31 * time.Second)
	p.Tick(ctx)
	if proc.calls() != 3 {
		t.Fatalf("expected second retry, got %d calls", proc.calls())
	}
	if p.PendingCount() != 0 {
		t.Fatalf("expected job cleared after success, pending=%d", p.PendingCount())
	}
}

func TestExhaustedRetriesPromoteToDeadLetter(t *testing.T) {
	proc := &stubProcessor{failures: -1}
	deadPub := &captureDeadPub{}
	p, clock := testPipeline(t, proc, deadPub)
	ctx := context.Background()

	if err := p.Submit(ctx, []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	*clock = clock.Add(6 * time.Second)
	p.Tick(ctx)
	*clock = clock.Add(31 * time.Second)
	p.Tick(ctx)

	if p.PendingCount() != 0 {
		t.Fatalf("expected pending drained after exhaustion, got %d", p.PendingCount())
	}
	dead := p.ListDead()
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}
	if dead[0].Attempts != 3 {
		t.Fatalf("expected three attempts recorded, got %d", dead[0].Attempts)
	}
	if len(deadPub.events) != 1 || deadPub.events[0].JobID != dead[0].ID {
		t.Fatalf("expected dead letter published, got %+v", deadPub.events)
	}
}

func TestMalformedPayloadSkipsRetries(t *testing.T) {
	proc := &stubProcessor{failures: -1, err: fmt.Errorf("%w: bad payload", apperrors.ErrValidation)}
	p, _ := testPipeline(t, proc, nil)

	if err := p.Submit(context.Background(), []byte(`not json`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.PendingCount() != 0 {
		t.Fatalf("expected no retries for unprocessable payload, pending=%d", p.PendingCount())
	}
	if len(p.ListDead()) != 1 {
		t.Fatalf("expected dead letter for unprocessable payload")
	}
}

func TestRetryDeadReplaysJob(t *testing.T) {
	proc := &stubProcessor{failures: 1}
	p, _ := testPipeline(t, proc, nil)
	ctx := context.Background()

	// One failure straight to dead via validation to set up the queue.
	proc.err = fmt.Errorf("%w: transient at first", apperrors.ErrValidation)
	if err := p.Submit(ctx, []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	proc.err = nil

	dead := p.ListDead()
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}

	if err := p.RetryDead(ctx, dead[0].ID); err != nil {
		t.Fatalf("retry dead: %v", err)
	}
	if len(p.ListDead()) != 0 {
		t.Fatalf("expected dead letter cleared after replay")
	}
}

func TestRetryDeadUnknownID(t *testing.T) {
	p, _ := testPipeline(t, &stubProcessor{}, nil)
	if err := p.RetryDead(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurgeDeadHonorsRetention(t *testing.T) {
	proc := &stubProcessor{failures: -1, err: fmt.Errorf("%w: broken", apperrors.ErrValidation)}
	p, clock := testPipeline(t, proc, nil)
	ctx := context.Background()

	if err := p.Submit(ctx, []byte(`{"id":"old"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	*clock = clock.Add(8 * 24 * time.Hour)
	if err := p.Submit(ctx, []byte(`{"id":"new"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	purged := p.PurgeDead(ctx, 7*24*time.Hour)
	if purged != 1 {
		t.Fatalf("expected one purged dead letter, got %d", purged)
	}
	if len(p.ListDead()) != 1 {
		t.Fatalf("expected one dead letter retained, got %d", len(p.ListDead()))
	}
}

func TestTickProcessesOldestDeadlineFirst(t *testing.T) {
	proc := &stubProcessor{failures: 2}
	p, clock := testPipeline(t, proc, nil)
	ctx := context.Background()

	if err := p.Submit(ctx, []byte(`first`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	*clock = clock.Add(time.Second)
	if err := p.Submit(ctx, []byte(`second`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	*clock = clock.Add(10 * time.Second)
	p.Tick(ctx)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	// Two submits then two retries in deadline order.
	if len(proc.payloads) != 4 || proc.payloads[2] != "first" || proc.payloads[3] != "second" {
		t.Fatalf("unexpected processing order: %v", proc.payloads)
	}
}
