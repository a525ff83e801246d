package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/ai-call-dispatch/internal/cache"
	"github.com/acme/ai-call-dispatch/internal/repository"
)

// dashboardSummary serves the per-user dashboard aggregates through the
// dashboard cache.
func (h *HandlerSet) dashboardSummary(ctx *fiber.Ctx) error {
	userID := ctx.Query("user_id")
	if userID == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id is required")
	}

	key := cache.DashboardKey(userID)
	if cached, ok := h.caches.Dashboard().Get(key); ok {
		if summary, ok := cached.(*repository.DashboardSummary); ok {
			return ctx.Status(http.StatusOK).JSON(fiber.Map{"summary": summary, "cached": true})
		}
	}

	summary, err := h.stats.DashboardSummary(ctx.Context(), userID)
	if err != nil {
		return translateError(err)
	}
	h.caches.Dashboard().Set(key, summary, 0)

	return ctx.Status(http.StatusOK).JSON(fiber.Map{"summary": summary, "cached": false})
}
