package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
)

// QueueRepository is the queue view of a Store.
type QueueRepository struct{ s *Store }

// Create stores a new queue.
func (r *QueueRepository) Create(_ context.Context, q *domain.Queue) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.queues[q.ID]; exists {
		return fmt.Errorf("memory queue repo: %s: %w", q.ID, repository.ErrConflict)
	}
	stored := copyQueue(q)
	r.s.queues[q.ID] = &stored
	return nil
}

// Get fetches a queue by id.
func (r *QueueRepository) Get(_ context.Context, id uuid.UUID) (*domain.Queue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	q, ok := r.s.queues[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyQueue(q)
	return &out, nil
}

// Update replaces the editable fields of a queue. Status and cursor are left alone.
func (r *QueueRepository) Update(_ context.Context, q *domain.Queue) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.queues[q.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Name = q.Name
	stored.Origin = q.Origin
	stored.Policy = q.Policy
	stored.Config = q.Config
	stored.UpdatedAt = q.UpdatedAt
	return nil
}

// UpdateStatus pauses or resumes a queue.
func (r *QueueRepository) UpdateStatus(_ context.Context, id uuid.UUID, status domain.QueueStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.queues[id]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Status = status
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// List pages through queues ordered by id.
func (r *QueueRepository) List(_ context.Context, afterID *uuid.UUID, limit int) ([]*domain.Queue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Queue
	for _, q := range r.s.queues {
		if afterID != nil && !lessUUID(*afterID, q.ID) {
			continue
		}
		c := copyQueue(q)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return lessUUID(out[i].ID, out[j].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByOrigin returns queues bound to an origin, oldest first.
func (r *QueueRepository) ListByOrigin(_ context.Context, origin string) ([]*domain.Queue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Queue
	for _, q := range r.s.queues {
		if q.Origin == origin {
			c := copyQueue(q)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MembershipRepository is the membership view of a Store.
type MembershipRepository struct{ s *Store }

// Add appends an agent at the end of the queue, reactivating a removed membership.
func (r *MembershipRepository) Add(_ context.Context, queueID, agentID uuid.UUID, now time.Time) (*domain.QueueMembership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.queues[queueID]; !ok {
		return nil, fmt.Errorf("memory membership repo: queue %s: %w", queueID, repository.ErrNotFound)
	}
	if _, ok := r.s.agents[agentID]; !ok {
		return nil, fmt.Errorf("memory membership repo: agent %s: %w", agentID, repository.ErrNotFound)
	}

	next := 0
	var existing *domain.QueueMembership
	for _, m := range r.s.memberships[queueID] {
		if m.AgentID == agentID {
			existing = m
		}
		if m.Active && m.Position >= next {
			next = m.Position + 1
		}
	}

	if existing != nil {
		if existing.Active {
			return nil, fmt.Errorf("memory membership repo: agent %s already in queue: %w", agentID, repository.ErrConflict)
		}
		existing.Active = true
		existing.Position = next
		out := *existing
		return &out, nil
	}

	m := &domain.QueueMembership{QueueID: queueID, AgentID: agentID, Position: next, Active: true, CreatedAt: now}
	r.s.memberships[queueID] = append(r.s.memberships[queueID], m)
	out := *m
	return &out, nil
}

// Remove deactivates a membership and keeps the rotation cursor consistent.
func (r *MembershipRepository) Remove(_ context.Context, queueID, agentID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	q, ok := r.s.queues[queueID]
	if !ok {
		return repository.ErrNotFound
	}
	active := r.activeLocked(queueID)
	var target *domain.QueueMembership
	for _, m := range r.s.memberships[queueID] {
		if m.Active && m.AgentID == agentID {
			target = m
		}
	}
	if target == nil {
		return repository.ErrNotFound
	}

	q.Cursor = domain.CursorAfterRemoval(active, agentID, q.Cursor)
	target.Active = false
	return nil
}

// Reorder assigns positions following the given agent order.
func (r *MembershipRepository) Reorder(_ context.Context, queueID uuid.UUID, agentIDs []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	q, ok := r.s.queues[queueID]
	if !ok {
		return repository.ErrNotFound
	}
	active := r.activeLocked(queueID)
	if !domain.SameMemberSet(active, agentIDs) {
		return validation("reorder must list every active member exactly once")
	}

	q.Cursor = domain.RemapCursor(active, agentIDs, q.Cursor)
	index := make(map[uuid.UUID]int, len(agentIDs))
	for i, id := range agentIDs {
		index[id] = i
	}
	for _, m := range r.s.memberships[queueID] {
		if pos, ok := index[m.AgentID]; ok && m.Active {
			m.Position = pos
		}
	}
	return nil
}

// List returns active members by position, followed by removed ones.
func (r *MembershipRepository) List(_ context.Context, queueID uuid.UUID) ([]domain.QueueMembership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.queues[queueID]; !ok {
		return nil, repository.ErrNotFound
	}
	out := make([]domain.QueueMembership, 0, len(r.s.memberships[queueID]))
	for _, m := range r.s.memberships[queueID] {
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (r *MembershipRepository) activeLocked(queueID uuid.UUID) []domain.QueueMembership {
	var active []domain.QueueMembership
	for _, m := range r.s.memberships[queueID] {
		if m.Active {
			active = append(active, *m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Position < active[j].Position })
	return active
}

// AgentRepository is the agent view of a Store.
type AgentRepository struct{ s *Store }

// Create stores a new agent.
func (r *AgentRepository) Create(_ context.Context, a *domain.Agent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.agents[a.ID]; exists {
		return fmt.Errorf("memory agent repo: %s: %w", a.ID, repository.ErrConflict)
	}
	stored := *a
	r.s.agents[a.ID] = &stored
	return nil
}

// Get fetches an agent by id.
func (r *AgentRepository) Get(_ context.Context, id uuid.UUID) (*domain.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.agents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *a
	return &out, nil
}

// List pages through agents ordered by id.
func (r *AgentRepository) List(_ context.Context, afterID *uuid.UUID, limit int) ([]*domain.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Agent
	for _, a := range r.s.agents {
		if afterID != nil && !lessUUID(*afterID, a.ID) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return lessUUID(out[i].ID, out[j].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetActive toggles an agent's availability.
func (r *AgentRepository) SetActive(_ context.Context, id uuid.UUID, active bool, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = now
	return nil
}
