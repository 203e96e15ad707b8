package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

// Service administers queues and their membership.
type Service struct {
	repo           repository.QueueRepository
	members        repository.MembershipRepository
	validate       *validator.Validate
	fallbackOrigin string
	now            func() time.Time
}

// NewService constructs a queue service. fallbackOrigin is used by
// ResolveByOrigin when no queue matches a lead's origin.
func NewService(repo repository.QueueRepository, members repository.MembershipRepository, fallbackOrigin string) *Service {
	return &Service{
		repo:           repo,
		members:        members,
		validate:       validator.New(),
		fallbackOrigin: fallbackOrigin,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// CreateQueueInput captures queue creation parameters.
type CreateQueueInput struct {
	Name                  string `validate:"required,max=200"`
	Origin                string `validate:"required,max=100"`
	Policy                string `validate:"required"`
	ResponseWindowSeconds int    `validate:"gt=0,lte=2592000"`
	MaxLeadsPerAgent      int    `validate:"gt=0,lte=10000"`
}

// UpdateQueueInput captures updatable properties. Nil fields are left alone.
type UpdateQueueInput struct {
	ID                    uuid.UUID
	Name                  *string `validate:"omitempty,min=1,max=200"`
	Origin                *string `validate:"omitempty,min=1,max=100"`
	Policy                *string
	ResponseWindowSeconds *int `validate:"omitempty,gt=0,lte=2592000"`
	MaxLeadsPerAgent      *int `validate:"omitempty,gt=0,lte=10000"`
}

// Create provisions a new active queue.
func (s *Service) Create(ctx context.Context, input CreateQueueInput) (*domain.Queue, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Origin = normalizeOrigin(input.Origin)
	if err := s.validate.Struct(input); err != nil {
		return nil, validationError(err)
	}
	policy, err := domain.ParseOrderingPolicy(input.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	now := s.now()
	q := &domain.Queue{
		ID:     uuid.New(),
		Name:   input.Name,
		Origin: input.Origin,
		Policy: policy,
		Status: domain.QueueStatusActive,
		Config: domain.QueueConfig{
			ResponseWindowSeconds: input.ResponseWindowSeconds,
			MaxLeadsPerAgent:      input.MaxLeadsPerAgent,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, q); err != nil {
		return nil, fmt.Errorf("queue service: create: %w", err)
	}
	return q, nil
}

// Update applies a partial update. The rotation cursor is never touched.
func (s *Service) Update(ctx context.Context, input UpdateQueueInput) (*domain.Queue, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, validationError(err)
	}

	q, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		q.Name = strings.TrimSpace(*input.Name)
	}
	if input.Origin != nil {
		q.Origin = normalizeOrigin(*input.Origin)
	}
	if input.Policy != nil {
		policy, err := domain.ParseOrderingPolicy(*input.Policy)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		q.Policy = policy
	}
	if input.ResponseWindowSeconds != nil {
		q.Config.ResponseWindowSeconds = *input.ResponseWindowSeconds
	}
	if input.MaxLeadsPerAgent != nil {
		q.Config.MaxLeadsPerAgent = *input.MaxLeadsPerAgent
	}
	if q.Name == "" || q.Origin == "" {
		return nil, fmt.Errorf("%w: name and origin must not be blank", apperrors.ErrValidation)
	}
	q.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, q); err != nil {
		return nil, fmt.Errorf("queue service: update: %w", err)
	}
	return q, nil
}

// Get retrieves a queue.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Queue, error) {
	return s.repo.Get(ctx, id)
}

// List pages through queues.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Queue, error) {
	return s.repo.List(ctx, afterID, limit)
}

// Pause stops automatic assignment for the queue.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Queue, error) {
	return s.setStatus(ctx, id, domain.QueueStatusPaused)
}

// Resume re-enables automatic assignment.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Queue, error) {
	return s.setStatus(ctx, id, domain.QueueStatusActive)
}

func (s *Service) setStatus(ctx context.Context, id uuid.UUID, status domain.QueueStatus) (*domain.Queue, error) {
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("queue service: set status %s: %w", status, err)
	}
	return s.repo.Get(ctx, id)
}

// AddMember appends an agent at the end of the queue.
func (s *Service) AddMember(ctx context.Context, queueID, agentID uuid.UUID) (*domain.QueueMembership, error) {
	m, err := s.members.Add(ctx, queueID, agentID, s.now())
	if err != nil {
		return nil, fmt.Errorf("queue service: add member: %w", err)
	}
	return m, nil
}

// RemoveMember takes an agent out of the rotation. Its open assignments keep
// their SLA.
func (s *Service) RemoveMember(ctx context.Context, queueID, agentID uuid.UUID) error {
	if err := s.members.Remove(ctx, queueID, agentID); err != nil {
		return fmt.Errorf("queue service: remove member: %w", err)
	}
	return nil
}

// ReorderMembers rewrites the rotation order of a sequential queue.
func (s *Service) ReorderMembers(ctx context.Context, queueID uuid.UUID, agentIDs []uuid.UUID) ([]domain.QueueMembership, error) {
	q, err := s.repo.Get(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if q.Policy != domain.OrderingSequential {
		return nil, fmt.Errorf("%w: only sequential queues can be reordered", apperrors.ErrValidation)
	}
	if err := s.members.Reorder(ctx, queueID, agentIDs); err != nil {
		return nil, fmt.Errorf("queue service: reorder: %w", err)
	}
	return s.members.List(ctx, queueID)
}

// ListMembers returns the queue membership.
func (s *Service) ListMembers(ctx context.Context, queueID uuid.UUID) ([]domain.QueueMembership, error) {
	return s.members.List(ctx, queueID)
}

// ResolveByOrigin returns the queue that receives leads of the given origin,
// falling back to the configured fallback origin. A nil queue means no match.
func (s *Service) ResolveByOrigin(ctx context.Context, origin string) (*domain.Queue, error) {
	candidates := []string{normalizeOrigin(origin)}
	if fb := normalizeOrigin(s.fallbackOrigin); fb != "" && fb != candidates[0] {
		candidates = append(candidates, fb)
	}

	for _, o := range candidates {
		if o == "" {
			continue
		}
		queues, err := s.repo.ListByOrigin(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("queue service: resolve origin %q: %w", o, err)
		}
		if len(queues) > 0 {
			return queues[0], nil
		}
	}
	return nil, nil
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSpace(origin))
}

func validationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(fields, "; "))
	}
	return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
}
