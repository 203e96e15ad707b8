package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	agentsvc "github.com/acme/lead-routing/internal/service/agent"
	leadsvc "github.com/acme/lead-routing/internal/service/lead"
	queuesvc "github.com/acme/lead-routing/internal/service/queue"
	"github.com/acme/lead-routing/pkg/logger"
)

// HealthCheck pings one backing service.
type HealthCheck func(ctx context.Context) error

// Dependencies are the services behind the HTTP surface.
type Dependencies struct {
	Queues *queuesvc.Service
	Agents *agentsvc.Service
	Leads  *leadsvc.Service
	Checks map[string]HealthCheck
	Logger *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	queues *queuesvc.Service
	agents *agentsvc.Service
	leads  *leadsvc.Service
	checks map[string]HealthCheck
	log    *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &HandlerSet{
		queues: deps.Queues,
		agents: deps.Agents,
		leads:  deps.Leads,
		checks: deps.Checks,
		log:    log,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")

	queues := v1.Group("/queues")
	queues.Post("/", h.createQueue)
	queues.Get("/", h.listQueues)
	queues.Get("/:id", h.getQueue)
	queues.Patch("/:id", h.updateQueue)
	queues.Post("/:id/pause", h.pauseQueue)
	queues.Post("/:id/resume", h.resumeQueue)
	queues.Get("/:id/members", h.listMembers)
	queues.Post("/:id/members", h.addMember)
	queues.Put("/:id/members/order", h.reorderMembers)
	queues.Delete("/:id/members/:agentID", h.removeMember)
	queues.Get("/:id/occupancy", h.occupancy)

	agents := v1.Group("/agents")
	agents.Post("/", h.createAgent)
	agents.Get("/", h.listAgents)
	agents.Get("/:id", h.getAgent)
	agents.Post("/:id/activate", h.activateAgent)
	agents.Post("/:id/deactivate", h.deactivateAgent)

	leads := v1.Group("/leads")
	leads.Post("/", h.intakeLead)
	leads.Get("/manual", h.manualWorklist)
	leads.Get("/:id", h.leadStatus)
	leads.Put("/:id/stage", h.moveStage)
	leads.Get("/:id/repiques", h.repiqueHistory)
	leads.Get("/:id/timeline", h.timeline)

	assignments := v1.Group("/assignments")
	assignments.Post("/:id/viewed", h.markViewed)
	assignments.Post("/:id/responded", h.markResponded)
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
		h.log.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}
	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
