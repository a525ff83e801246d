package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// ingestCallEvent accepts a terminal event from the voice provider. The
// response is always 202 once the pipeline has the payload; retries and
// dead-lettering happen behind the scenes, so the provider never re-sends.
func (h *HandlerSet) ingestCallEvent(ctx *fiber.Ctx) error {
	body := ctx.Body()
	if len(body) == 0 {
		return fiber.NewError(http.StatusBadRequest, "empty payload")
	}

	if err := h.pipeline.Submit(ctx.Context(), body); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}
