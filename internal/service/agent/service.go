package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

// Service tracks agent availability.
type Service struct {
	repo repository.AgentRepository
	now  func() time.Time
}

// NewService constructs an agent service.
func NewService(repo repository.AgentRepository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Create registers an active agent.
func (s *Service) Create(ctx context.Context, name string) (*domain.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", apperrors.ErrValidation)
	}
	now := s.now()
	a := &domain.Agent{ID: uuid.New(), Name: name, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("agent service: create: %w", err)
	}
	return a, nil
}

// Get retrieves an agent.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	return s.repo.Get(ctx, id)
}

// List pages through agents.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Agent, error) {
	return s.repo.List(ctx, afterID, limit)
}

// SetActive toggles availability. Deactivated agents keep their open
// assignments but are skipped by every future selection.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) (*domain.Agent, error) {
	if err := s.repo.SetActive(ctx, id, active, s.now()); err != nil {
		return nil, fmt.Errorf("agent service: set active: %w", err)
	}
	return s.repo.Get(ctx, id)
}
