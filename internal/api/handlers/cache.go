package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) cacheStats(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"instances": h.caches.Stats()})
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

func (h *HandlerSet) invalidateCache(ctx *fiber.Ctx) error {
	var req invalidateRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.Pattern == "" {
		return fiber.NewError(http.StatusBadRequest, "pattern is required")
	}

	removed, err := h.caches.InvalidatePattern(req.Pattern)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"invalidated": removed})
}

type cacheEventRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

func (h *HandlerSet) leadDataChanged(ctx *fiber.Ctx) error {
	var req cacheEventRequest
	if err := ctx.BodyParser(&req); err != nil || req.UserID == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id is required")
	}
	h.invalidator.OnLeadDataChanged(ctx.Context(), req.UserID)
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) agentReconfigured(ctx *fiber.Ctx) error {
	var req cacheEventRequest
	if err := ctx.BodyParser(&req); err != nil || req.AgentID == "" {
		return fiber.NewError(http.StatusBadRequest, "agent_id is required")
	}
	h.invalidator.OnAgentReconfigured(ctx.Context(), req.AgentID)
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) creditsChanged(ctx *fiber.Ctx) error {
	var req cacheEventRequest
	if err := ctx.BodyParser(&req); err != nil || req.UserID == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id is required")
	}
	h.invalidator.OnCreditsChanged(ctx.Context(), req.UserID)
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) clearCaches(ctx *fiber.Ctx) error {
	if err := h.caches.Clear(""); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) clearCache(ctx *fiber.Ctx) error {
	if err := h.caches.Clear(ctx.Params("name")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
