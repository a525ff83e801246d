package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) listDeadLetters(ctx *fiber.Ctx) error {
	jobs := h.pipeline.ListDead()

	out := make([]fiber.Map, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, fiber.Map{
			"id":         job.ID,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
			"created_at": job.CreatedAt,
			"failed_at":  job.FailedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"dead_letters": out})
}

func (h *HandlerSet) retryDeadLetter(ctx *fiber.Ctx) error {
	id := ctx.Params("id")
	if err := h.pipeline.RetryDead(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) purgeDeadLetters(ctx *fiber.Ctx) error {
	days := queryInt(ctx, "older_than_days", h.container.Config.Webhook.DLQRetainDays)
	if days <= 0 {
		days = 7
	}

	purged := h.pipeline.PurgeDead(ctx.Context(), time.Duration(days)*24*time.Hour)
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"purged": purged})
}
