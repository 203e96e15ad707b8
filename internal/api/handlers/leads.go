package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	leadsvc "github.com/acme/lead-routing/internal/service/lead"
)

type intakeLeadRequest struct {
	Name           string         `json:"name"`
	Phone          string         `json:"phone"`
	Origin         string         `json:"origin"`
	ExtraData      map[string]any `json:"extra_data"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type moveStageRequest struct {
	Stage string `json:"stage"`
}

type leadResponse struct {
	ID                uuid.UUID        `json:"id"`
	Name              string           `json:"name"`
	Phone             string           `json:"phone"`
	Origin            string           `json:"origin"`
	ExtraData         map[string]any   `json:"extra_data,omitempty"`
	QueueID           *uuid.UUID       `json:"queue_id"`
	Stage             domain.LeadStage `json:"stage"`
	RepiqueCount      int              `json:"repique_count"`
	FirstEngagementAt *time.Time       `json:"first_engagement_at,omitempty"`
	ManualRouting     bool             `json:"manual_routing"`
	ManualReason      string           `json:"manual_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type assignmentResponse struct {
	ID            uuid.UUID               `json:"id"`
	LeadID        uuid.UUID               `json:"lead_id"`
	QueueID       uuid.UUID               `json:"queue_id"`
	AgentID       uuid.UUID               `json:"agent_id"`
	PredecessorID *uuid.UUID              `json:"predecessor_id,omitempty"`
	Status        domain.AssignmentStatus `json:"status"`
	AssignedAt    time.Time               `json:"assigned_at"`
	Deadline      time.Time               `json:"deadline"`
	ViewedAt      *time.Time              `json:"viewed_at,omitempty"`
	RespondedAt   *time.Time              `json:"responded_at,omitempty"`
	ClosedAt      *time.Time              `json:"closed_at,omitempty"`
}

type leadStatusResponse struct {
	Lead       leadResponse        `json:"lead"`
	Assignment *assignmentResponse `json:"assignment"`
}

type repiqueResponse struct {
	ID                    uuid.UUID  `json:"id"`
	ExpiredAssignmentID   uuid.UUID  `json:"expired_assignment_id"`
	PreviousAgentID       uuid.UUID  `json:"previous_agent_id"`
	NewAgentID            *uuid.UUID `json:"new_agent_id"`
	NewAssignmentID       *uuid.UUID `json:"new_assignment_id,omitempty"`
	ResultingRepiqueCount int        `json:"resulting_repique_count"`
	OccurredAt            time.Time  `json:"occurred_at"`
}

type timelineEntryResponse struct {
	EventID      uuid.UUID                  `json:"event_id"`
	Kind         domain.AssignmentEventKind `json:"kind"`
	AssignmentID *uuid.UUID                 `json:"assignment_id,omitempty"`
	QueueID      *uuid.UUID                 `json:"queue_id,omitempty"`
	OldAgentID   *uuid.UUID                 `json:"old_agent_id,omitempty"`
	NewAgentID   *uuid.UUID                 `json:"new_agent_id,omitempty"`
	RepiqueCount int                        `json:"repique_count"`
	Reason       string                     `json:"reason,omitempty"`
	OccurredAt   time.Time                  `json:"occurred_at"`
}

type timelineResponse struct {
	Entries  []timelineEntryResponse `json:"entries"`
	NextPage string                  `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) intakeLead(ctx *fiber.Ctx) error {
	var req intakeLeadRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	key := req.IdempotencyKey
	if header := ctx.Get("Idempotency-Key"); header != "" {
		key = header
	}

	res, err := h.leads.Intake(ctx.UserContext(), leadsvc.IntakeInput{
		Name:           req.Name,
		Phone:          req.Phone,
		Origin:         req.Origin,
		ExtraData:      req.ExtraData,
		IdempotencyKey: key,
	})
	if err != nil {
		return translateError(err)
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return ctx.Status(status).JSON(res)
}

func (h *HandlerSet) leadStatus(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	status, err := h.leads.Status(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(leadStatusResponse{
		Lead:       toLeadResponse(&status.Lead),
		Assignment: toAssignmentResponse(status.Assignment),
	})
}

func (h *HandlerSet) moveStage(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	var req moveStageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	lead, err := h.leads.MoveStage(ctx.UserContext(), id, req.Stage)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toLeadResponse(lead))
}

func (h *HandlerSet) repiqueHistory(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	events, err := h.leads.RepiqueHistory(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	resp := make([]repiqueResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, repiqueResponse{
			ID:                    e.ID,
			ExpiredAssignmentID:   e.ExpiredAssignmentID,
			PreviousAgentID:       e.PreviousAgentID,
			NewAgentID:            e.NewAgentID,
			NewAssignmentID:       e.NewAssignmentID,
			ResultingRepiqueCount: e.ResultingRepiqueCount,
			OccurredAt:            e.OccurredAt,
		})
	}
	return ctx.JSON(fiber.Map{"repiques": resp})
}

func (h *HandlerSet) timeline(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	entries, next, err := h.leads.Timeline(ctx.UserContext(), id, limit, ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}
	resp := timelineResponse{Entries: make([]timelineEntryResponse, 0, len(entries)), NextPage: next}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, timelineEntryResponse{
			EventID:      e.EventID,
			Kind:         e.Kind,
			AssignmentID: e.AssignmentID,
			QueueID:      e.QueueID,
			OldAgentID:   e.OldAgentID,
			NewAgentID:   e.NewAgentID,
			RepiqueCount: e.RepiqueCount,
			Reason:       e.Reason,
			OccurredAt:   e.OccurredAt,
		})
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) manualWorklist(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	leads, err := h.leads.ManualWorklist(ctx.UserContext(), limit)
	if err != nil {
		return translateError(err)
	}
	resp := make([]leadResponse, 0, len(leads))
	for _, l := range leads {
		resp = append(resp, toLeadResponse(l))
	}
	return ctx.JSON(fiber.Map{"leads": resp})
}

func (h *HandlerSet) markViewed(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	a, err := h.leads.MarkViewed(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toAssignmentResponse(a))
}

func (h *HandlerSet) markResponded(ctx *fiber.Ctx) error {
	id, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	a, err := h.leads.MarkResponded(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toAssignmentResponse(a))
}

func toLeadResponse(l *domain.Lead) leadResponse {
	return leadResponse{
		ID:                l.ID,
		Name:              l.Name,
		Phone:             l.Phone,
		Origin:            l.Origin,
		ExtraData:         l.ExtraData,
		QueueID:           l.QueueID,
		Stage:             l.Stage,
		RepiqueCount:      l.RepiqueCount,
		FirstEngagementAt: l.FirstEngagementAt,
		ManualRouting:     l.ManualRouting,
		ManualReason:      l.ManualReason,
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
	}
}

func toAssignmentResponse(a *domain.Assignment) *assignmentResponse {
	if a == nil {
		return nil
	}
	return &assignmentResponse{
		ID:            a.ID,
		LeadID:        a.LeadID,
		QueueID:       a.QueueID,
		AgentID:       a.AgentID,
		PredecessorID: a.PredecessorID,
		Status:        a.Status,
		AssignedAt:    a.AssignedAt,
		Deadline:      a.Deadline,
		ViewedAt:      a.ViewedAt,
		RespondedAt:   a.RespondedAt,
		ClosedAt:      a.ClosedAt,
	}
}
