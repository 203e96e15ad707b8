// Package memory is an in-process implementation of the routing repositories.
// Every operation runs under one mutex, which gives it the same atomicity the
// Postgres store gets from its transactions.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

// Store keeps queues, agents, leads, assignments and repique events in memory.
type Store struct {
	mu sync.Mutex

	queues      map[uuid.UUID]*domain.Queue
	memberships map[uuid.UUID][]*domain.QueueMembership
	agents      map[uuid.UUID]*domain.Agent
	leads       map[uuid.UUID]*domain.Lead
	assignments map[uuid.UUID]*domain.Assignment
	byLead      map[uuid.UUID][]uuid.UUID
	events      []domain.RepiqueEvent
	eventIndex  map[uuid.UUID]int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		queues:      make(map[uuid.UUID]*domain.Queue),
		memberships: make(map[uuid.UUID][]*domain.QueueMembership),
		agents:      make(map[uuid.UUID]*domain.Agent),
		leads:       make(map[uuid.UUID]*domain.Lead),
		assignments: make(map[uuid.UUID]*domain.Assignment),
		byLead:      make(map[uuid.UUID][]uuid.UUID),
		eventIndex:  make(map[uuid.UUID]int),
	}
}

var (
	_ repository.QueueRepository      = (*QueueRepository)(nil)
	_ repository.MembershipRepository = (*MembershipRepository)(nil)
	_ repository.AgentRepository      = (*AgentRepository)(nil)
	_ repository.LeadStore            = (*Store)(nil)
	_ repository.AssignmentStore      = (*Store)(nil)
)

// Queues exposes the store as a queue repository.
func (s *Store) Queues() *QueueRepository { return &QueueRepository{s: s} }

// Memberships exposes the store as a membership repository.
func (s *Store) Memberships() *MembershipRepository { return &MembershipRepository{s: s} }

// Agents exposes the store as an agent repository.
func (s *Store) Agents() *AgentRepository { return &AgentRepository{s: s} }

// ---- leads ----------------------------------------------------------------

// CreateLead stores a lead and its first assignment when one can be made.
func (s *Store) CreateLead(_ context.Context, lead *domain.Lead, queueID *uuid.UUID, pick repository.Picker, now time.Time) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.leads[lead.ID]; exists {
		return nil, fmt.Errorf("memory store: lead %s: %w", lead.ID, repository.ErrConflict)
	}

	lead.CreatedAt = now
	lead.UpdatedAt = now
	if lead.Stage == "" {
		lead.Stage = domain.LeadStageNew
	}
	lead.QueueID = queueID

	var assignment *domain.Assignment
	switch {
	case queueID == nil:
		setManual(lead, domain.ManualReasonNoQueue)
	default:
		q, ok := s.queues[*queueID]
		if !ok {
			return nil, fmt.Errorf("memory store: queue %s: %w", *queueID, repository.ErrNotFound)
		}
		if !q.AcceptsAssignments() {
			setManual(lead, domain.ManualReasonQueuePaused)
			break
		}
		assignment = s.assignLocked(lead.ID, q, pick, nil, now)
		if assignment == nil {
			setManual(lead, domain.ManualReasonNoEligibleAgent)
		}
	}

	stored := copyLead(lead)
	s.leads[lead.ID] = &stored
	if assignment == nil {
		return nil, nil
	}
	out := *assignment
	return &out, nil
}

// GetLead fetches a lead by id.
func (s *Store) GetLead(_ context.Context, id uuid.UUID) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyLead(lead)
	return &out, nil
}

// MoveStage changes the lead stage, cancelling the open assignment on close.
func (s *Store) MoveStage(_ context.Context, leadID uuid.UUID, stage domain.LeadStage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return repository.ErrNotFound
	}
	lead.Stage = stage
	lead.UpdatedAt = now

	if stage.Terminal() {
		if open := s.openAssignmentLocked(leadID); open != nil {
			s.closeLocked(open, domain.AssignmentCancelled, now)
		}
	}
	return nil
}

// FlagManual puts the lead on the manual worklist.
func (s *Store) FlagManual(_ context.Context, leadID uuid.UUID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return repository.ErrNotFound
	}
	setManual(lead, reason)
	lead.UpdatedAt = now
	return nil
}

// ListManual returns open leads waiting for manual routing, oldest first.
func (s *Store) ListManual(_ context.Context, limit int) ([]*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Lead
	for _, lead := range s.leads {
		if lead.ManualRouting && !lead.Stage.Terminal() {
			c := copyLead(lead)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- assignments ----------------------------------------------------------

// GetAssignment fetches an assignment by id.
func (s *Store) GetAssignment(_ context.Context, id uuid.UUID) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *a
	return &out, nil
}

// CurrentAssignment returns the most recent assignment of a lead.
func (s *Store) CurrentAssignment(_ context.Context, leadID uuid.UUID) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byLead[leadID]
	if len(ids) == 0 {
		return nil, repository.ErrNotFound
	}
	out := *s.assignments[ids[len(ids)-1]]
	return &out, nil
}

// MarkViewed moves a pending assignment to viewed and records first engagement.
func (s *Store) MarkViewed(_ context.Context, id uuid.UUID, now time.Time) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	switch a.Status {
	case domain.AssignmentPending:
		a.Status = domain.AssignmentViewed
		a.ViewedAt = timePtr(now)
		s.engageLocked(a.LeadID, now)
	case domain.AssignmentViewed, domain.AssignmentResponded:
	default:
		return nil, fmt.Errorf("memory store: assignment %s is %s: %w", id, a.Status, repository.ErrConflict)
	}
	out := *a
	return &out, nil
}

// MarkResponded closes an open assignment as responded.
func (s *Store) MarkResponded(_ context.Context, id uuid.UUID, now time.Time) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	switch a.Status {
	case domain.AssignmentPending, domain.AssignmentViewed:
		a.RespondedAt = timePtr(now)
		s.closeLocked(a, domain.AssignmentResponded, now)
		s.engageLocked(a.LeadID, now)
	case domain.AssignmentResponded:
	default:
		return nil, fmt.Errorf("memory store: assignment %s is %s: %w", id, a.Status, repository.ErrConflict)
	}
	out := *a
	return &out, nil
}

// ListDue returns open assignments past their deadline in deadline order.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Assignment
	for _, a := range s.assignments {
		if a.Due(now) {
			out = append(out, *a)
		}
	}
	return truncate(sortByDeadline(out), limit), nil
}

// ListOrphaned returns expired assignments without a repique event.
func (s *Store) ListOrphaned(_ context.Context, limit int) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Assignment
	for _, a := range s.assignments {
		if a.Status != domain.AssignmentExpired {
			continue
		}
		if _, done := s.eventIndex[a.ID]; done {
			continue
		}
		if lead := s.leads[a.LeadID]; lead == nil || lead.Stage.Terminal() {
			continue
		}
		out = append(out, *a)
	}
	return truncate(sortByDeadline(out), limit), nil
}

// Expire moves an open assignment to expired, or to cancelled when the lead
// was closed in the meantime.
func (s *Store) Expire(_ context.Context, id uuid.UUID, now time.Time) (domain.ExpiryOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	if !a.Status.Open() {
		return domain.ExpiryNoop, nil
	}

	if lead := s.leads[a.LeadID]; lead != nil && lead.Stage.Terminal() {
		s.closeLocked(a, domain.AssignmentCancelled, now)
		return domain.ExpiryCancelled, nil
	}
	s.closeLocked(a, domain.AssignmentExpired, now)
	return domain.ExpiryExpired, nil
}

// Redistribute creates the successor of an expired assignment and appends the
// repique event. It runs at most once per expired assignment.
func (s *Store) Redistribute(_ context.Context, expired domain.Assignment, pick repository.Picker, now time.Time) (*domain.Redistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, done := s.eventIndex[expired.ID]; done {
		event := s.events[idx]
		result := &domain.Redistribution{Event: event, Duplicate: true}
		if event.NewAssignmentID != nil {
			successor := *s.assignments[*event.NewAssignmentID]
			result.Assignment = &successor
		}
		return result, nil
	}

	lead, ok := s.leads[expired.LeadID]
	if !ok {
		return nil, fmt.Errorf("memory store: lead %s: %w", expired.LeadID, repository.ErrNotFound)
	}
	if lead.Stage.Terminal() {
		return &domain.Redistribution{Skipped: true}, nil
	}

	current, ok := s.assignments[expired.ID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if current.Status != domain.AssignmentExpired {
		return nil, fmt.Errorf("memory store: assignment %s is %s: %w", expired.ID, current.Status, repository.ErrConflict)
	}
	if s.openAssignmentLocked(lead.ID) != nil {
		return nil, fmt.Errorf("memory store: lead %s already has an open assignment: %w", lead.ID, repository.ErrConflict)
	}

	var successor *domain.Assignment
	reason := domain.ManualReasonNoEligibleAgent
	if q, ok := s.queues[current.QueueID]; ok {
		if q.AcceptsAssignments() {
			successor = s.assignLocked(lead.ID, q, pick, &current.ID, now)
		} else {
			reason = domain.ManualReasonQueuePaused
		}
	}

	lead.RepiqueCount++
	lead.UpdatedAt = now
	if successor == nil {
		setManual(lead, reason)
	} else {
		lead.ManualRouting = false
		lead.ManualReason = ""
	}

	event := domain.RepiqueEvent{
		ID:                    uuid.New(),
		LeadID:                lead.ID,
		ExpiredAssignmentID:   current.ID,
		PreviousAgentID:       current.AgentID,
		OccurredAt:            now,
		ResultingRepiqueCount: lead.RepiqueCount,
	}
	result := &domain.Redistribution{}
	if successor == nil {
		result.ManualReason = reason
	} else {
		event.NewAgentID = uuidPtr(successor.AgentID)
		event.NewAssignmentID = uuidPtr(successor.ID)
		out := *successor
		result.Assignment = &out
	}
	s.eventIndex[current.ID] = len(s.events)
	s.events = append(s.events, event)
	result.Event = event
	return result, nil
}

// ListRepiqueEvents returns the repique log of a lead in order.
func (s *Store) ListRepiqueEvents(_ context.Context, leadID uuid.UUID) ([]domain.RepiqueEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.RepiqueEvent
	for _, e := range s.events {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Occupancy reports open assignments per active member of a queue.
func (s *Store) Occupancy(_ context.Context, queueID uuid.UUID) ([]domain.AgentOccupancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	var out []domain.AgentOccupancy
	for _, m := range s.memberships[queueID] {
		agent := s.agents[m.AgentID]
		if !m.Active || agent == nil {
			continue
		}
		out = append(out, domain.AgentOccupancy{
			AgentID:         agent.ID,
			AgentName:       agent.Name,
			Position:        m.Position,
			AgentActive:     agent.Active,
			OpenAssignments: agent.OpenAssignments,
			Capacity:        q.Config.MaxLeadsPerAgent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// ---- helpers (caller holds s.mu) -----------------------------------------

func (s *Store) snapshotLocked(q *domain.Queue) domain.QueueSnapshot {
	var members []domain.MemberState
	for _, m := range s.memberships[q.ID] {
		agent := s.agents[m.AgentID]
		if !m.Active || agent == nil {
			continue
		}
		members = append(members, domain.MemberState{
			AgentID:         agent.ID,
			Position:        m.Position,
			AgentActive:     agent.Active,
			OpenAssignments: agent.OpenAssignments,
		})
	}
	return domain.NewQueueSnapshot(copyQueue(q), members)
}

func (s *Store) assignLocked(leadID uuid.UUID, q *domain.Queue, pick repository.Picker, predecessor *uuid.UUID, now time.Time) *domain.Assignment {
	choice, ok := pick(s.snapshotLocked(q))
	if !ok {
		return nil
	}
	agent := s.agents[choice.AgentID]
	if agent == nil {
		return nil
	}
	agent.OpenAssignments++
	if choice.Cursor != nil {
		q.Cursor = intPtr(*choice.Cursor)
		q.UpdatedAt = now
	}

	a := domain.NewAssignment(leadID, *q, agent.ID, predecessor, now)
	s.assignments[a.ID] = &a
	s.byLead[leadID] = append(s.byLead[leadID], a.ID)
	return &a
}

func (s *Store) openAssignmentLocked(leadID uuid.UUID) *domain.Assignment {
	for _, id := range s.byLead[leadID] {
		if a := s.assignments[id]; a.Status.Open() {
			return a
		}
	}
	return nil
}

func (s *Store) closeLocked(a *domain.Assignment, status domain.AssignmentStatus, now time.Time) {
	a.Status = status
	a.ClosedAt = timePtr(now)
	if agent := s.agents[a.AgentID]; agent != nil && agent.OpenAssignments > 0 {
		agent.OpenAssignments--
	}
}

func (s *Store) engageLocked(leadID uuid.UUID, now time.Time) {
	if lead := s.leads[leadID]; lead != nil && lead.FirstEngagementAt == nil {
		lead.FirstEngagementAt = timePtr(now)
		lead.UpdatedAt = now
	}
}

func setManual(lead *domain.Lead, reason string) {
	lead.ManualRouting = true
	lead.ManualReason = reason
}

func sortByDeadline(in []domain.Assignment) []domain.Assignment {
	sort.Slice(in, func(i, j int) bool { return in[i].Deadline.Before(in[j].Deadline) })
	return in
}

func truncate(in []domain.Assignment, limit int) []domain.Assignment {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func copyLead(l *domain.Lead) domain.Lead {
	out := *l
	if l.ExtraData != nil {
		out.ExtraData = make(map[string]any, len(l.ExtraData))
		for k, v := range l.ExtraData {
			out.ExtraData[k] = v
		}
	}
	return out
}

func copyQueue(q *domain.Queue) domain.Queue {
	out := *q
	if q.Cursor != nil {
		out.Cursor = intPtr(*q.Cursor)
	}
	return out
}

func lessUUID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(v int) *int { return &v }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func validation(msg string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrValidation, msg)
}
