package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/service/common"
)

func (h *HandlerSet) getTranscript(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	transcript, err := h.transcripts.GetByCall(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"call_id":      transcript.CallID,
		"execution_id": transcript.ExecutionID,
		"text":         transcript.Text,
		"analytics":    transcript.Analytics,
		"created_at":   transcript.CreatedAt,
	})
}

// listTranscripts pages through a user's transcripts. The page token is the
// wide-column paging state, base64 encoded.
func (h *HandlerSet) listTranscripts(ctx *fiber.Ctx) error {
	userID := ctx.Query("user_id")
	if userID == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id is required")
	}
	limit := queryInt(ctx, "limit", 20)

	var pagingState []byte
	if token := ctx.Query("page_token"); token != "" {
		decoded, err := common.DecodeBase64(token)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid page token")
		}
		pagingState = decoded
	}

	transcripts, next, err := h.transcripts.ListByUser(ctx.Context(), userID, limit, pagingState)
	if err != nil {
		return translateError(err)
	}

	out := make([]fiber.Map, 0, len(transcripts))
	for _, t := range transcripts {
		out = append(out, fiber.Map{
			"call_id":      t.CallID,
			"execution_id": t.ExecutionID,
			"text":         t.Text,
			"analytics":    t.Analytics,
			"created_at":   t.CreatedAt,
		})
	}

	resp := fiber.Map{"transcripts": out}
	if len(next) > 0 {
		resp["next_page_token"] = common.EncodeBase64(next)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}
