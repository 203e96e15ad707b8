package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation or a lost state transition.
	ErrConflict = apperrors.ErrConflict
)

// Picker chooses an agent from a locked queue snapshot. Stores call it inside
// the transaction that serialises the queue's rotation.
type Picker func(snapshot domain.QueueSnapshot) (domain.Selection, bool)

// QueueRepository manages queue definitions.
type QueueRepository interface {
	Create(ctx context.Context, queue *domain.Queue) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Queue, error)
	Update(ctx context.Context, queue *domain.Queue) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.QueueStatus) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Queue, error)
	ListByOrigin(ctx context.Context, origin string) ([]*domain.Queue, error)
}

// MembershipRepository manages which agents belong to which queue.
type MembershipRepository interface {
	Add(ctx context.Context, queueID, agentID uuid.UUID, now time.Time) (*domain.QueueMembership, error)
	Remove(ctx context.Context, queueID, agentID uuid.UUID) error
	Reorder(ctx context.Context, queueID uuid.UUID, agentIDs []uuid.UUID) error
	List(ctx context.Context, queueID uuid.UUID) ([]domain.QueueMembership, error)
}

// AgentRepository manages agents and their availability.
type AgentRepository interface {
	Create(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error)
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Agent, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool, now time.Time) error
}

// LeadStore persists leads together with their first assignment.
type LeadStore interface {
	// CreateLead stores the lead and, when the queue accepts assignments and
	// pick selects an agent, its first assignment. A nil assignment means the
	// lead was flagged for manual routing.
	CreateLead(ctx context.Context, lead *domain.Lead, queueID *uuid.UUID, pick Picker, now time.Time) (*domain.Assignment, error)
	GetLead(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	// MoveStage changes the funnel stage. Entering a terminal stage cancels the
	// open assignment in the same transaction.
	MoveStage(ctx context.Context, leadID uuid.UUID, stage domain.LeadStage, now time.Time) error
	FlagManual(ctx context.Context, leadID uuid.UUID, reason string, now time.Time) error
	ListManual(ctx context.Context, limit int) ([]*domain.Lead, error)
}

// AssignmentStore owns the assignment state machine and the repique log.
type AssignmentStore interface {
	GetAssignment(ctx context.Context, id uuid.UUID) (*domain.Assignment, error)
	// CurrentAssignment returns the most recent assignment of the lead.
	CurrentAssignment(ctx context.Context, leadID uuid.UUID) (*domain.Assignment, error)
	MarkViewed(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Assignment, error)
	MarkResponded(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Assignment, error)
	// ListDue returns open assignments whose deadline passed, oldest deadline first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Assignment, error)
	// ListOrphaned returns expired assignments of open leads that have no repique event.
	ListOrphaned(ctx context.Context, limit int) ([]domain.Assignment, error)
	Expire(ctx context.Context, id uuid.UUID, now time.Time) (domain.ExpiryOutcome, error)
	Redistribute(ctx context.Context, expired domain.Assignment, pick Picker, now time.Time) (*domain.Redistribution, error)
	ListRepiqueEvents(ctx context.Context, leadID uuid.UUID) ([]domain.RepiqueEvent, error)
	Occupancy(ctx context.Context, queueID uuid.UUID) ([]domain.AgentOccupancy, error)
}

// TimelineStore keeps a read-optimised history of assignment events per lead.
type TimelineStore interface {
	Append(ctx context.Context, entry domain.TimelineEntry) error
	ListByLead(ctx context.Context, leadID uuid.UUID, limit int, pagingState []byte) ([]domain.TimelineEntry, []byte, error)
}
