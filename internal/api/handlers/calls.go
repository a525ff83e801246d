package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/domain"
	callsvc "github.com/acme/ai-call-dispatch/internal/service/call"
)

type triggerCallRequest struct {
	UserID         string         `json:"user_id"`
	AgentID        string         `json:"agent_id"`
	ContactID      string         `json:"contact_id"`
	PhoneNumber    string         `json:"phone_number"`
	SourceNumberID string         `json:"source_number_id"`
	UserData       map[string]any `json:"user_data"`
}

type callResponse struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	CampaignID  *uuid.UUID `json:"campaign_id,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	ContactID   string     `json:"contact_id,omitempty"`
	PhoneNumber string     `json:"phone_number"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Status      string     `json:"status"`
	DurationSec int        `json:"duration_sec,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (h *HandlerSet) triggerCall(ctx *fiber.Ctx) error {
	var req triggerCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := callsvc.TriggerInput{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		ContactID:   req.ContactID,
		PhoneNumber: req.PhoneNumber,
		UserData:    req.UserData,
	}
	if req.SourceNumberID != "" {
		id, err := uuid.Parse(req.SourceNumberID)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid source number id")
		}
		input.SourceNumberID = &id
	}

	result, err := h.calls.Trigger(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	if result.State == callsvc.TriggerQueued {
		return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
			"state":         result.State,
			"queue_item_id": result.QueueItemID,
			"reason":        result.Reason,
		})
	}

	return ctx.Status(http.StatusCreated).JSON(fiber.Map{
		"state":        result.State,
		"call_id":      result.CallID,
		"execution_id": result.ExecutionID,
	})
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	record, err := h.calls.GetCall(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) listCalls(ctx *fiber.Ctx) error {
	userID := ctx.Query("user_id")
	if userID == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id is required")
	}
	limit := queryInt(ctx, "limit", 50)
	offset := queryInt(ctx, "offset", 0)

	records, err := h.calls.ListCalls(ctx.Context(), userID, limit, offset)
	if err != nil {
		return translateError(err)
	}

	out := make([]callResponse, 0, len(records))
	for i := range records {
		out = append(out, toCallResponse(&records[i]))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": out})
}

func (h *HandlerSet) listActiveCalls(ctx *fiber.Ctx) error {
	userID := ctx.Query("user_id")
	if userID == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id is required")
	}

	active, err := h.calls.ListActive(ctx.Context(), userID)
	if err != nil {
		return translateError(err)
	}

	out := make([]fiber.Map, 0, len(active))
	for _, call := range active {
		out = append(out, fiber.Map{
			"id":           call.ID,
			"user_id":      call.UserID,
			"call_type":    call.Type,
			"started_at":   call.StartedAt,
			"execution_id": call.ProviderExecutionID,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"active_calls": out})
}

func toCallResponse(record *domain.CallRecord) callResponse {
	return callResponse{
		ID:          record.ID,
		UserID:      record.UserID,
		CampaignID:  record.CampaignID,
		AgentID:     record.AgentID,
		ContactID:   record.ContactID,
		PhoneNumber: record.PhoneNumber,
		ExecutionID: record.ExecutionID,
		Status:      string(record.Status),
		DurationSec: record.DurationSec,
		StartedAt:   record.StartedAt,
		EndedAt:     record.EndedAt,
		CreatedAt:   record.CreatedAt,
	}
}

func queryInt(ctx *fiber.Ctx, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
