package lead

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/queue"
	"github.com/acme/lead-routing/internal/repository"
	"github.com/acme/lead-routing/internal/service/common"
	"github.com/acme/lead-routing/internal/service/idempotency"
	"github.com/acme/lead-routing/internal/service/selection"
	"github.com/acme/lead-routing/internal/telemetry"
	apperrors "github.com/acme/lead-routing/pkg/errors"
	"github.com/acme/lead-routing/pkg/logger"
	"github.com/acme/lead-routing/pkg/phone"
)

// QueueResolver maps a lead origin to its queue.
type QueueResolver interface {
	ResolveByOrigin(ctx context.Context, origin string) (*domain.Queue, error)
}

// Deduper remembers recent submissions.
type Deduper interface {
	Claim(ctx context.Context, key string) ([]byte, error)
	Complete(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
}

// Publisher delivers assignment events after commit.
type Publisher interface {
	PublishAssignment(ctx context.Context, msg queue.AssignmentEvent) error
}

// Options carries the optional collaborators of the service.
type Options struct {
	Deduper   Deduper
	Publisher Publisher
	Timeline  repository.TimelineStore
	Metrics   *telemetry.Metrics
	Logger    *logger.Logger
	Region    string
}

// Service owns lead intake, engagement signals and the read surface.
type Service struct {
	leads       repository.LeadStore
	assignments repository.AssignmentStore
	queues      QueueResolver
	selector    *selection.Selector
	opts        Options
	validate    *validator.Validate
	now         func() time.Time
	encode      func(v any) ([]byte, error)
}

// NewService constructs the lead service.
func NewService(
	leads repository.LeadStore,
	assignments repository.AssignmentStore,
	queues QueueResolver,
	selector *selection.Selector,
	opts Options,
) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Service{
		leads:       leads,
		assignments: assignments,
		queues:      queues,
		selector:    selector,
		opts:        opts,
		validate:    validator.New(),
		now:         func() time.Time { return time.Now().UTC() },
		encode:      json.Marshal,
	}
}

// IntakeInput is an inbound lead.
type IntakeInput struct {
	Name           string         `validate:"required,max=200"`
	Phone          string         `validate:"required,max=40"`
	Origin         string         `validate:"required,max=100"`
	ExtraData      map[string]any `validate:"omitempty,max=100"`
	IdempotencyKey string         `validate:"omitempty,max=200"`
}

// IntakeResult is what the caller learns about a submitted lead.
type IntakeResult struct {
	LeadID          uuid.UUID  `json:"lead_id"`
	AssignedAgentID *uuid.UUID `json:"assigned_agent_id"`
	AssignmentID    *uuid.UUID `json:"assignment_id,omitempty"`
	Duplicate       bool       `json:"-"`
}

// Intake validates, stores and routes a new lead. Malformed input creates nothing.
func (s *Service) Intake(ctx context.Context, input IntakeInput) (*IntakeResult, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Origin = strings.ToLower(strings.TrimSpace(input.Origin))
	if err := s.validate.Struct(input); err != nil {
		s.opts.Metrics.Intake("rejected")
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	normalized, err := phone.NormalizeE164(input.Phone, s.opts.Region)
	if err != nil {
		s.opts.Metrics.Intake("rejected")
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	log := s.opts.Logger.WithContext(ctx).With(zap.String("origin", input.Origin))
	key := dedupeKey(input.IdempotencyKey, normalized, input.Origin)

	claimed := false
	if s.opts.Deduper != nil {
		prior, err := s.opts.Deduper.Claim(ctx, key)
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			return nil, fmt.Errorf("%w: lead submission already in progress", apperrors.ErrConflict)
		case err != nil:
			log.Warn("dedupe unavailable, continuing without it", zap.Error(err))
		case prior != nil:
			var res IntakeResult
			if err := json.Unmarshal(prior, &res); err == nil {
				res.Duplicate = true
				s.opts.Metrics.Intake("duplicate")
				return &res, nil
			}
			log.Warn("discarding unreadable dedupe entry")
		default:
			claimed = true
		}
	}

	res, err := s.create(ctx, input, normalized)
	if err != nil {
		if claimed {
			if relErr := s.opts.Deduper.Release(ctx, key); relErr != nil {
				log.Warn("release dedupe claim", zap.Error(relErr))
			}
		}
		return nil, err
	}

	if claimed {
		s.settleClaim(ctx, log, key, res)
	}
	return res, nil
}

// settleClaim records the result for replays, or frees the key when the
// result cannot be stored.
func (s *Service) settleClaim(ctx context.Context, log *zap.Logger, key string, res *IntakeResult) {
	body, err := s.encode(res)
	if err != nil {
		log.Error("encode dedupe result", zap.Error(err), zap.String("lead_id", res.LeadID.String()))
		if relErr := s.opts.Deduper.Release(ctx, key); relErr != nil {
			log.Warn("release dedupe claim", zap.Error(relErr))
		}
		return
	}
	if err := s.opts.Deduper.Complete(ctx, key, body); err != nil {
		log.Warn("store dedupe result", zap.Error(err))
	}
}

func (s *Service) create(ctx context.Context, input IntakeInput, normalized string) (*IntakeResult, error) {
	q, err := s.queues.ResolveByOrigin(ctx, input.Origin)
	if err != nil {
		return nil, fmt.Errorf("lead service: resolve queue: %w", err)
	}
	var queueID *uuid.UUID
	if q != nil {
		queueID = &q.ID
	}

	lead := &domain.Lead{
		ID:        uuid.New(),
		Name:      input.Name,
		Phone:     normalized,
		Origin:    input.Origin,
		ExtraData: input.ExtraData,
		Stage:     domain.LeadStageNew,
	}
	assignment, err := s.leads.CreateLead(ctx, lead, queueID, s.selector.Picker(nil), s.now())
	if err != nil {
		return nil, fmt.Errorf("lead service: create lead: %w", err)
	}

	log := s.opts.Logger.WithContext(ctx).With(zap.String("lead_id", lead.ID.String()))
	res := &IntakeResult{LeadID: lead.ID}
	if assignment != nil {
		res.AssignedAgentID = &assignment.AgentID
		res.AssignmentID = &assignment.ID
		s.opts.Metrics.Intake("assigned")
		log.Info("lead assigned",
			zap.String("agent_id", assignment.AgentID.String()),
			zap.String("assignment_id", assignment.ID.String()),
			zap.Time("deadline", assignment.Deadline))
	} else {
		s.opts.Metrics.Intake("manual")
		log.Info("lead awaiting manual routing", zap.String("reason", lead.ManualReason))
	}

	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.PublishAssignment(ctx, queue.AssignedEvent(*lead, assignment)); err != nil {
			log.Error("publish assignment event", zap.Error(err))
		}
	}
	return res, nil
}

// MarkViewed records that the agent opened the lead.
func (s *Service) MarkViewed(ctx context.Context, assignmentID uuid.UUID) (*domain.Assignment, error) {
	return s.assignments.MarkViewed(ctx, assignmentID, s.now())
}

// MarkResponded records the agent's first response and closes the SLA.
func (s *Service) MarkResponded(ctx context.Context, assignmentID uuid.UUID) (*domain.Assignment, error) {
	return s.assignments.MarkResponded(ctx, assignmentID, s.now())
}

// MoveStage applies an external stage change.
func (s *Service) MoveStage(ctx context.Context, leadID uuid.UUID, stage string) (*domain.Lead, error) {
	st := domain.LeadStage(strings.ToLower(strings.TrimSpace(stage)))
	if !st.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", apperrors.ErrValidation, stage)
	}
	if err := s.leads.MoveStage(ctx, leadID, st, s.now()); err != nil {
		return nil, fmt.Errorf("lead service: move stage: %w", err)
	}
	return s.leads.GetLead(ctx, leadID)
}

// Status returns the lead with its most recent assignment.
func (s *Service) Status(ctx context.Context, leadID uuid.UUID) (*domain.LeadStatus, error) {
	lead, err := s.leads.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	status := &domain.LeadStatus{Lead: *lead}
	current, err := s.assignments.CurrentAssignment(ctx, leadID)
	switch {
	case err == nil:
		status.Assignment = current
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("lead service: current assignment: %w", err)
	}
	return status, nil
}

// RepiqueHistory lists the redistributions of a lead.
func (s *Service) RepiqueHistory(ctx context.Context, leadID uuid.UUID) ([]domain.RepiqueEvent, error) {
	if _, err := s.leads.GetLead(ctx, leadID); err != nil {
		return nil, err
	}
	return s.assignments.ListRepiqueEvents(ctx, leadID)
}

// ManualWorklist lists open leads waiting for a human to route them.
func (s *Service) ManualWorklist(ctx context.Context, limit int) ([]*domain.Lead, error) {
	return s.leads.ListManual(ctx, limit)
}

// Occupancy reports per-agent load of a queue.
func (s *Service) Occupancy(ctx context.Context, queueID uuid.UUID) ([]domain.AgentOccupancy, error) {
	return s.assignments.Occupancy(ctx, queueID)
}

// Timeline pages through the routing history of a lead.
func (s *Service) Timeline(ctx context.Context, leadID uuid.UUID, limit int, pageToken string) ([]domain.TimelineEntry, string, error) {
	if s.opts.Timeline == nil {
		return nil, "", fmt.Errorf("%w: timeline store not configured", apperrors.ErrUnavailable)
	}
	state, err := common.DecodePageState(pageToken)
	if err != nil {
		return nil, "", err
	}
	entries, next, err := s.opts.Timeline.ListByLead(ctx, leadID, limit, state)
	if err != nil {
		return nil, "", fmt.Errorf("lead service: timeline: %w", err)
	}
	return entries, common.EncodePageState(next), nil
}

// dedupeKey prefers the caller's key and otherwise fingerprints the contact.
func dedupeKey(explicit, phoneE164, origin string) string {
	if k := strings.TrimSpace(explicit); k != "" {
		return "key:" + k
	}
	sum := sha256.Sum256([]byte(phoneE164 + "|" + origin))
	return "contact:" + hex.EncodeToString(sum[:])
}
