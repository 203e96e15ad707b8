package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/service/common"
)

type createAgentRequest struct {
	Name string `json:"name"`
}

type agentResponse struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Active          bool      `json:"active"`
	OpenAssignments int       `json:"open_assignments"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (h *HandlerSet) createAgent(ctx *fiber.Ctx) error {
	var req createAgentRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	agent, err := h.agents.Create(ctx.UserContext(), req.Name)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toAgentResponse(agent))
}

func (h *HandlerSet) listAgents(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	afterID, err := common.ParseAfterID(ctx.Query("after_id"))
	if err != nil {
		return translateError(err)
	}
	agents, err := h.agents.List(ctx.UserContext(), afterID, limit)
	if err != nil {
		return translateError(err)
	}
	resp := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, toAgentResponse(a))
	}
	return ctx.JSON(fiber.Map{"agents": resp})
}

func (h *HandlerSet) getAgent(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	agent, err := h.agents.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toAgentResponse(agent))
}

func (h *HandlerSet) activateAgent(ctx *fiber.Ctx) error {
	return h.setAgentActive(ctx, true)
}

func (h *HandlerSet) deactivateAgent(ctx *fiber.Ctx) error {
	return h.setAgentActive(ctx, false)
}

func (h *HandlerSet) setAgentActive(ctx *fiber.Ctx, active bool) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	agent, err := h.agents.SetActive(ctx.UserContext(), id, active)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toAgentResponse(agent))
}

func toAgentResponse(a *domain.Agent) agentResponse {
	return agentResponse{
		ID:              a.ID,
		Name:            a.Name,
		Active:          a.Active,
		OpenAssignments: a.OpenAssignments,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}
