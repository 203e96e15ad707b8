package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
)

// RoutingStore implements repository.LeadStore and repository.AssignmentStore.
// Every state change runs in one transaction. Row locks are always taken in the
// order lead, queue, agent.
type RoutingStore struct {
	db *sqlx.DB
}

var (
	_ repository.LeadStore       = (*RoutingStore)(nil)
	_ repository.AssignmentStore = (*RoutingStore)(nil)
)

// NewRoutingStore constructs the store.
func NewRoutingStore(db *sqlx.DB) *RoutingStore {
	return &RoutingStore{db: db}
}

const (
	leadColumns = `id, name, phone, origin, extra_data, queue_id, stage, repique_count,
	first_engagement_at, manual_routing, manual_reason, created_at, updated_at`
	assignmentColumns = `id, lead_id, queue_id, agent_id, predecessor_id, assigned_at, deadline,
	status, viewed_at, responded_at, closed_at`
	openStatuses = `('pending', 'viewed')`
)

// lockQueue serialises rotation and membership changes of a queue.
func lockQueue(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Queue, error) {
	var record queueRecord
	err := tx.QueryRowxContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = $1 FOR UPDATE`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("lock queue: %w", err)
	}
	queue := record.toDomain()
	return &queue, nil
}

func setCursor(ctx context.Context, tx *sqlx.Tx, queueID uuid.UUID, cursor *int) error {
	if _, err := tx.ExecContext(ctx, `UPDATE queues SET rotation_cursor = $2, updated_at = now() WHERE id = $1`, queueID, cursor); err != nil {
		return fmt.Errorf("set rotation cursor: %w", err)
	}
	return nil
}

func lockLead(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Lead, error) {
	var record leadRecord
	err := tx.QueryRowxContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1 FOR UPDATE`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lead %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("lock lead: %w", err)
	}
	return record.toDomain()
}

func snapshotMembers(ctx context.Context, tx *sqlx.Tx, queueID uuid.UUID) ([]domain.MemberState, error) {
	var rows []struct {
		AgentID         uuid.UUID `db:"agent_id"`
		Position        int       `db:"position"`
		AgentActive     bool      `db:"agent_active"`
		OpenAssignments int       `db:"open_assignments"`
	}
	if err := tx.SelectContext(ctx, &rows, `SELECT m.agent_id, m.position, a.active AS agent_active, a.open_assignments
		FROM queue_memberships m JOIN agents a ON a.id = m.agent_id
		WHERE m.queue_id = $1 AND m.active
		ORDER BY m.position ASC`, queueID); err != nil {
		return nil, fmt.Errorf("queue snapshot: %w", err)
	}

	members := make([]domain.MemberState, 0, len(rows))
	for _, r := range rows {
		members = append(members, domain.MemberState{
			AgentID:         r.AgentID,
			Position:        r.Position,
			AgentActive:     r.AgentActive,
			OpenAssignments: r.OpenAssignments,
		})
	}
	return members, nil
}

// reserveAgent picks an agent from the locked queue and claims one unit of its
// capacity.
func reserveAgent(ctx context.Context, tx *sqlx.Tx, queue *domain.Queue, pick repository.Picker, now time.Time) (*domain.Selection, error) {
	members, err := snapshotMembers(ctx, tx, queue.ID)
	if err != nil {
		return nil, err
	}

	claim := func(agentID uuid.UUID) (bool, error) {
		res, err := tx.ExecContext(ctx, `UPDATE agents SET open_assignments = open_assignments + 1, updated_at = $3
			WHERE id = $1 AND active AND open_assignments < $2`, agentID, queue.Config.MaxLeadsPerAgent, now)
		if err != nil {
			return false, fmt.Errorf("reserve agent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("reserve agent: rows affected: %w", err)
		}
		return n == 1, nil
	}

	choice, err := pickWithCapacity(domain.NewQueueSnapshot(*queue, members), pick, claim)
	if err != nil || choice == nil {
		return nil, err
	}
	if choice.Cursor != nil {
		if err := setCursor(ctx, tx, queue.ID, choice.Cursor); err != nil {
			return nil, err
		}
	}
	return choice, nil
}

// pickWithCapacity runs pick until claim accepts the chosen agent. Agents are
// shared across queues, so the snapshot may be stale for an agent another
// queue just filled; such an agent is marked saturated and the pick repeated.
func pickWithCapacity(snap domain.QueueSnapshot, pick repository.Picker, claim func(agentID uuid.UUID) (bool, error)) (*domain.Selection, error) {
	for attempt := 0; attempt <= len(snap.Members); attempt++ {
		choice, ok := pick(snap)
		if !ok {
			return nil, nil
		}
		claimed, err := claim(choice.AgentID)
		if err != nil {
			return nil, err
		}
		if claimed {
			return &choice, nil
		}
		snap.Saturate(choice.AgentID)
	}
	return nil, nil
}

func releaseAgent(ctx context.Context, tx *sqlx.Tx, agentID uuid.UUID, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE agents SET open_assignments = GREATEST(open_assignments - 1, 0), updated_at = $2
		WHERE id = $1`, agentID, now); err != nil {
		return fmt.Errorf("release agent: %w", err)
	}
	return nil
}

func insertAssignment(ctx context.Context, tx *sqlx.Tx, a domain.Assignment) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO assignments (`+assignmentColumns+`) VALUES (
		:id, :lead_id, :queue_id, :agent_id, :predecessor_id, :assigned_at, :deadline,
		:status, :viewed_at, :responded_at, :closed_at
	)`, map[string]any{
		"id":             a.ID,
		"lead_id":        a.LeadID,
		"queue_id":       a.QueueID,
		"agent_id":       a.AgentID,
		"predecessor_id": a.PredecessorID,
		"assigned_at":    a.AssignedAt,
		"deadline":       a.Deadline,
		"status":         string(a.Status),
		"viewed_at":      a.ViewedAt,
		"responded_at":   a.RespondedAt,
		"closed_at":      a.ClosedAt,
	})
	if err != nil {
		return fmt.Errorf("insert assignment: %w", mapConstraint(err))
	}
	return nil
}

type leadRecord struct {
	ID                uuid.UUID      `db:"id"`
	Name              string         `db:"name"`
	Phone             string         `db:"phone"`
	Origin            string         `db:"origin"`
	ExtraData         []byte         `db:"extra_data"`
	QueueID           uuid.NullUUID  `db:"queue_id"`
	Stage             string         `db:"stage"`
	RepiqueCount      int            `db:"repique_count"`
	FirstEngagementAt sql.NullTime   `db:"first_engagement_at"`
	ManualRouting     bool           `db:"manual_routing"`
	ManualReason      sql.NullString `db:"manual_reason"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r leadRecord) toDomain() (*domain.Lead, error) {
	lead := &domain.Lead{
		ID:            r.ID,
		Name:          r.Name,
		Phone:         r.Phone,
		Origin:        r.Origin,
		Stage:         domain.LeadStage(r.Stage),
		RepiqueCount:  r.RepiqueCount,
		ManualRouting: r.ManualRouting,
		ManualReason:  r.ManualReason.String,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.QueueID.Valid {
		id := r.QueueID.UUID
		lead.QueueID = &id
	}
	if r.FirstEngagementAt.Valid {
		t := r.FirstEngagementAt.Time
		lead.FirstEngagementAt = &t
	}
	if len(r.ExtraData) > 0 {
		if err := json.Unmarshal(r.ExtraData, &lead.ExtraData); err != nil {
			return nil, fmt.Errorf("decode extra_data: %w", err)
		}
	}
	return lead, nil
}

type assignmentRecord struct {
	ID            uuid.UUID     `db:"id"`
	LeadID        uuid.UUID     `db:"lead_id"`
	QueueID       uuid.UUID     `db:"queue_id"`
	AgentID       uuid.UUID     `db:"agent_id"`
	PredecessorID uuid.NullUUID `db:"predecessor_id"`
	AssignedAt    time.Time     `db:"assigned_at"`
	Deadline      time.Time     `db:"deadline"`
	Status        string        `db:"status"`
	ViewedAt      sql.NullTime  `db:"viewed_at"`
	RespondedAt   sql.NullTime  `db:"responded_at"`
	ClosedAt      sql.NullTime  `db:"closed_at"`
}

func (r assignmentRecord) toDomain() domain.Assignment {
	a := domain.Assignment{
		ID:          r.ID,
		LeadID:      r.LeadID,
		QueueID:     r.QueueID,
		AgentID:     r.AgentID,
		AssignedAt:  r.AssignedAt,
		Deadline:    r.Deadline,
		Status:      domain.AssignmentStatus(r.Status),
		ViewedAt:    nullTime(r.ViewedAt),
		RespondedAt: nullTime(r.RespondedAt),
		ClosedAt:    nullTime(r.ClosedAt),
	}
	if r.PredecessorID.Valid {
		id := r.PredecessorID.UUID
		a.PredecessorID = &id
	}
	return a
}

type repiqueRecord struct {
	ID                    uuid.UUID     `db:"id"`
	LeadID                uuid.UUID     `db:"lead_id"`
	ExpiredAssignmentID   uuid.UUID     `db:"expired_assignment_id"`
	PreviousAgentID       uuid.UUID     `db:"previous_agent_id"`
	NewAgentID            uuid.NullUUID `db:"new_agent_id"`
	NewAssignmentID       uuid.NullUUID `db:"new_assignment_id"`
	OccurredAt            time.Time     `db:"occurred_at"`
	ResultingRepiqueCount int           `db:"resulting_repique_count"`
}

func (r repiqueRecord) toDomain() domain.RepiqueEvent {
	e := domain.RepiqueEvent{
		ID:                    r.ID,
		LeadID:                r.LeadID,
		ExpiredAssignmentID:   r.ExpiredAssignmentID,
		PreviousAgentID:       r.PreviousAgentID,
		OccurredAt:            r.OccurredAt,
		ResultingRepiqueCount: r.ResultingRepiqueCount,
	}
	if r.NewAgentID.Valid {
		id := r.NewAgentID.UUID
		e.NewAgentID = &id
	}
	if r.NewAssignmentID.Valid {
		id := r.NewAssignmentID.UUID
		e.NewAssignmentID = &id
	}
	return e
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
