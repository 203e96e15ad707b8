package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/service/common"
	queuesvc "github.com/acme/lead-routing/internal/service/queue"
)

type createQueueRequest struct {
	Name                  string `json:"name"`
	Origin                string `json:"origin"`
	Policy                string `json:"policy"`
	ResponseWindowSeconds int    `json:"response_window_seconds"`
	MaxLeadsPerAgent      int    `json:"max_leads_per_agent"`
}

type updateQueueRequest struct {
	Name                  *string `json:"name"`
	Origin                *string `json:"origin"`
	Policy                *string `json:"policy"`
	ResponseWindowSeconds *int    `json:"response_window_seconds"`
	MaxLeadsPerAgent      *int    `json:"max_leads_per_agent"`
}

type addMemberRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
}

type reorderMembersRequest struct {
	AgentIDs []uuid.UUID `json:"agent_ids"`
}

type queueResponse struct {
	ID                    uuid.UUID             `json:"id"`
	Name                  string                `json:"name"`
	Origin                string                `json:"origin"`
	Policy                domain.OrderingPolicy `json:"policy"`
	Status                domain.QueueStatus    `json:"status"`
	ResponseWindowSeconds int                   `json:"response_window_seconds"`
	MaxLeadsPerAgent      int                   `json:"max_leads_per_agent"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

type listQueuesResponse struct {
	Queues []queueResponse `json:"queues"`
}

type membershipResponse struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Position  int       `json:"position"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type listMembersResponse struct {
	Members []membershipResponse `json:"members"`
}

type occupancyResponse struct {
	AgentID         uuid.UUID `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	Position        int       `json:"position"`
	Active          bool      `json:"active"`
	OpenAssignments int       `json:"open_assignments"`
	Capacity        int       `json:"capacity"`
}

func (h *HandlerSet) createQueue(ctx *fiber.Ctx) error {
	var req createQueueRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	q, err := h.queues.Create(ctx.UserContext(), queuesvc.CreateQueueInput{
		Name:                  req.Name,
		Origin:                req.Origin,
		Policy:                req.Policy,
		ResponseWindowSeconds: req.ResponseWindowSeconds,
		MaxLeadsPerAgent:      req.MaxLeadsPerAgent,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toQueueResponse(q))
}

func (h *HandlerSet) listQueues(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	afterID, err := common.ParseAfterID(ctx.Query("after_id"))
	if err != nil {
		return translateError(err)
	}

	queues, err := h.queues.List(ctx.UserContext(), afterID, limit)
	if err != nil {
		return translateError(err)
	}
	resp := listQueuesResponse{Queues: make([]queueResponse, 0, len(queues))}
	for _, q := range queues {
		resp.Queues = append(resp.Queues, toQueueResponse(q))
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) getQueue(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	q, err := h.queues.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toQueueResponse(q))
}

func (h *HandlerSet) updateQueue(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	var req updateQueueRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	q, err := h.queues.Update(ctx.UserContext(), queuesvc.UpdateQueueInput{
		ID:                    id,
		Name:                  req.Name,
		Origin:                req.Origin,
		Policy:                req.Policy,
		ResponseWindowSeconds: req.ResponseWindowSeconds,
		MaxLeadsPerAgent:      req.MaxLeadsPerAgent,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toQueueResponse(q))
}

func (h *HandlerSet) pauseQueue(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	q, err := h.queues.Pause(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toQueueResponse(q))
}

func (h *HandlerSet) resumeQueue(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	q, err := h.queues.Resume(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toQueueResponse(q))
}

func (h *HandlerSet) listMembers(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	members, err := h.queues.ListMembers(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toMembersResponse(members))
}

func (h *HandlerSet) addMember(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	var req addMemberRequest
	if err := ctx.BodyParser(&req); err != nil || req.AgentID == uuid.Nil {
		return fiber.NewError(http.StatusBadRequest, "agent_id is required")
	}

	m, err := h.queues.AddMember(ctx.UserContext(), id, req.AgentID)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toMembershipResponse(*m))
}

func (h *HandlerSet) removeMember(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	agentID, err := pathID(ctx, "agentID")
	if err != nil {
		return err
	}
	if err := h.queues.RemoveMember(ctx.UserContext(), id, agentID); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) reorderMembers(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	var req reorderMembersRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	members, err := h.queues.ReorderMembers(ctx.UserContext(), id, req.AgentIDs)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toMembersResponse(members))
}

func (h *HandlerSet) occupancy(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	rows, err := h.leads.Occupancy(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	resp := make([]occupancyResponse, 0, len(rows))
	for _, o := range rows {
		resp = append(resp, occupancyResponse{
			AgentID:         o.AgentID,
			AgentName:       o.AgentName,
			Position:        o.Position,
			Active:          o.AgentActive,
			OpenAssignments: o.OpenAssignments,
			Capacity:        o.Capacity,
		})
	}
	return ctx.JSON(fiber.Map{"agents": resp})
}

func toQueueResponse(q *domain.Queue) queueResponse {
	return queueResponse{
		ID:                    q.ID,
		Name:                  q.Name,
		Origin:                q.Origin,
		Policy:                q.Policy,
		Status:                q.Status,
		ResponseWindowSeconds: q.Config.ResponseWindowSeconds,
		MaxLeadsPerAgent:      q.Config.MaxLeadsPerAgent,
		CreatedAt:             q.CreatedAt,
		UpdatedAt:             q.UpdatedAt,
	}
}

func toMembershipResponse(m domain.QueueMembership) membershipResponse {
	return membershipResponse{AgentID: m.AgentID, Position: m.Position, Active: m.Active, CreatedAt: m.CreatedAt}
}

func toMembersResponse(members []domain.QueueMembership) listMembersResponse {
	resp := listMembersResponse{Members: make([]membershipResponse, 0, len(members))}
	for _, m := range members {
		resp.Members = append(resp.Members, toMembershipResponse(m))
	}
	return resp
}
