package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/ai-call-dispatch/internal/app"
	"github.com/acme/ai-call-dispatch/internal/cache"
	"github.com/acme/ai-call-dispatch/internal/repository"
	callsvc "github.com/acme/ai-call-dispatch/internal/service/call"
	"github.com/acme/ai-call-dispatch/internal/webhook"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container   *app.Container
	calls       *callsvc.Service
	pipeline    *webhook.Pipeline
	caches      *cache.Manager
	invalidator *cache.Invalidator
	stats       repository.StatisticsRepository
	transcripts repository.TranscriptStore
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	return &HandlerSet{
		container:   container,
		calls:       container.Services().Call,
		pipeline:    container.Webhooks().Pipeline,
		caches:      container.Caches().Manager,
		invalidator: container.Caches().Invalidator,
		stats:       container.Repositories().Stats,
		transcripts: container.Repositories().Transcripts,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	calls := v1.Group("/calls")
	calls.Post("/", h.triggerCall)
	calls.Get("/active", h.listActiveCalls)
	calls.Get("/", h.listCalls)
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/transcript", h.getTranscript)

	v1.Get("/transcripts", h.listTranscripts)

	webhooks := v1.Group("/webhooks")
	webhooks.Post("/call-events", h.ingestCallEvent)

	dlq := v1.Group("/dlq")
	dlq.Get("/", h.listDeadLetters)
	dlq.Post("/:id/retry", h.retryDeadLetter)
	dlq.Delete("/", h.purgeDeadLetters)

	caches := v1.Group("/cache")
	caches.Get("/stats", h.cacheStats)
	caches.Post("/invalidate", h.invalidateCache)
	caches.Delete("/", h.clearCaches)
	caches.Delete("/:name", h.clearCache)

	// Upstream producers (contact management, agent config, billing) notify
	// the core of mutations so the predefined pattern sets fire.
	events := caches.Group("/events")
	events.Post("/lead-data-changed", h.leadDataChanged)
	events.Post("/agent-reconfigured", h.agentReconfigured)
	events.Post("/credits-changed", h.creditsChanged)

	v1.Get("/stats/dashboard", h.dashboardSummary)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
