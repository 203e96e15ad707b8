package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
)

const repiqueColumns = `id, lead_id, expired_assignment_id, previous_agent_id, new_agent_id,
	new_assignment_id, occurred_at, resulting_repique_count`

// GetAssignment fetches an assignment by id.
func (s *RoutingStore) GetAssignment(ctx context.Context, id uuid.UUID) (*domain.Assignment, error) {
	return getAssignment(ctx, s.db, id)
}

// CurrentAssignment returns the latest assignment of a lead.
func (s *RoutingStore) CurrentAssignment(ctx context.Context, leadID uuid.UUID) (*domain.Assignment, error) {
	var record assignmentRecord
	err := s.db.GetContext(ctx, &record, `SELECT `+assignmentColumns+` FROM assignments
		WHERE lead_id = $1 ORDER BY assigned_at DESC, id DESC LIMIT 1`, leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("assignment store: current: %w", err)
	}
	a := record.toDomain()
	return &a, nil
}

// MarkViewed records that the agent opened the lead.
func (s *RoutingStore) MarkViewed(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Assignment, error) {
	return s.engage(ctx, id, func(tx *sqlx.Tx, a *domain.Assignment) error {
		switch a.Status {
		case domain.AssignmentPending:
			if _, err := tx.ExecContext(ctx, `UPDATE assignments SET status = 'viewed', viewed_at = $2
				WHERE id = $1 AND status = 'pending'`, id, now); err != nil {
				return fmt.Errorf("assignment store: mark viewed: %w", err)
			}
			return touchEngagement(ctx, tx, a.LeadID, now)
		case domain.AssignmentViewed, domain.AssignmentResponded:
			return nil
		default:
			return fmt.Errorf("assignment store: assignment %s is %s: %w", id, a.Status, repository.ErrConflict)
		}
	})
}

// MarkResponded closes the assignment as answered and frees the agent slot.
func (s *RoutingStore) MarkResponded(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Assignment, error) {
	return s.engage(ctx, id, func(tx *sqlx.Tx, a *domain.Assignment) error {
		switch a.Status {
		case domain.AssignmentPending, domain.AssignmentViewed:
			if _, err := tx.ExecContext(ctx, `UPDATE assignments SET status = 'responded', responded_at = $2, closed_at = $2
				WHERE id = $1 AND status IN `+openStatuses, id, now); err != nil {
				return fmt.Errorf("assignment store: mark responded: %w", err)
			}
			if err := releaseAgent(ctx, tx, a.AgentID, now); err != nil {
				return err
			}
			return touchEngagement(ctx, tx, a.LeadID, now)
		case domain.AssignmentResponded:
			return nil
		default:
			return fmt.Errorf("assignment store: assignment %s is %s: %w", id, a.Status, repository.ErrConflict)
		}
	})
}

// engage locks the lead and then the assignment before applying fn.
func (s *RoutingStore) engage(ctx context.Context, id uuid.UUID, fn func(*sqlx.Tx, *domain.Assignment) error) (*domain.Assignment, error) {
	var out *domain.Assignment
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := getAssignment(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := lockLead(ctx, tx, current.LeadID); err != nil {
			return err
		}
		locked, err := lockAssignment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, locked); err != nil {
			return err
		}
		out, err = getAssignment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDue returns open assignments past their deadline.
func (s *RoutingStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Assignment, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []assignmentRecord
	if err := s.db.SelectContext(ctx, &records, `SELECT `+assignmentColumns+` FROM assignments
		WHERE status IN `+openStatuses+` AND deadline <= $1
		ORDER BY deadline ASC LIMIT $2`, now, limit); err != nil {
		return nil, fmt.Errorf("assignment store: list due: %w", err)
	}
	return toAssignments(records), nil
}

// ListOrphaned returns expired assignments of open leads with no repique event.
func (s *RoutingStore) ListOrphaned(ctx context.Context, limit int) ([]domain.Assignment, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []assignmentRecord
	if err := s.db.SelectContext(ctx, &records, `SELECT a.id, a.lead_id, a.queue_id, a.agent_id, a.predecessor_id,
			a.assigned_at, a.deadline, a.status, a.viewed_at, a.responded_at, a.closed_at
		FROM assignments a
		JOIN leads l ON l.id = a.lead_id
		WHERE a.status = 'expired'
		  AND l.stage NOT IN ('won', 'lost', 'discarded')
		  AND NOT EXISTS (SELECT 1 FROM repique_events e WHERE e.expired_assignment_id = a.id)
		ORDER BY a.deadline ASC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("assignment store: list orphaned: %w", err)
	}
	return toAssignments(records), nil
}

// Expire closes an overdue assignment. A lead that was closed meanwhile gets
// its assignment cancelled instead.
func (s *RoutingStore) Expire(ctx context.Context, id uuid.UUID, now time.Time) (domain.ExpiryOutcome, error) {
	outcome := domain.ExpiryNoop
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := getAssignment(ctx, tx, id)
		if err != nil {
			return err
		}
		lead, err := lockLead(ctx, tx, current.LeadID)
		if err != nil {
			return err
		}

		next := domain.AssignmentExpired
		if lead.Stage.Terminal() {
			next = domain.AssignmentCancelled
		}
		var agentID uuid.UUID
		err = tx.GetContext(ctx, &agentID, `UPDATE assignments SET status = $2, closed_at = $3
			WHERE id = $1 AND status IN `+openStatuses+` RETURNING agent_id`, id, string(next), now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("assignment store: expire: %w", err)
		}
		if err := releaseAgent(ctx, tx, agentID, now); err != nil {
			return err
		}

		outcome = domain.ExpiryExpired
		if next == domain.AssignmentCancelled {
			outcome = domain.ExpiryCancelled
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Redistribute reassigns the lead of an expired assignment and appends the
// repique event. The UNIQUE constraint on expired_assignment_id makes it
// effective at most once per expiry.
func (s *RoutingStore) Redistribute(ctx context.Context, expired domain.Assignment, pick repository.Picker, now time.Time) (*domain.Redistribution, error) {
	var result *domain.Redistribution
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		lead, err := lockLead(ctx, tx, expired.LeadID)
		if err != nil {
			return err
		}

		prior, err := repiqueFor(ctx, tx, expired.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			result = &domain.Redistribution{Event: *prior, Duplicate: true}
			if prior.NewAssignmentID != nil {
				if result.Assignment, err = getAssignment(ctx, tx, *prior.NewAssignmentID); err != nil {
					return err
				}
			}
			return nil
		}

		if lead.Stage.Terminal() {
			result = &domain.Redistribution{Skipped: true}
			return nil
		}

		current, err := lockAssignment(ctx, tx, expired.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.AssignmentExpired {
			return fmt.Errorf("assignment store: assignment %s is %s: %w", current.ID, current.Status, repository.ErrConflict)
		}

		queue, err := lockQueue(ctx, tx, current.QueueID)
		if err != nil {
			return err
		}

		reason := domain.ManualReasonQueuePaused
		var successor *domain.Assignment
		if queue.AcceptsAssignments() {
			reason = domain.ManualReasonNoEligibleAgent
			choice, err := reserveAgent(ctx, tx, queue, pick, now)
			if err != nil {
				return err
			}
			if choice != nil {
				a := domain.NewAssignment(lead.ID, *queue, choice.AgentID, &current.ID, now)
				if err := insertAssignment(ctx, tx, a); err != nil {
					return err
				}
				successor = &a
			}
		}

		var count int
		if successor != nil {
			err = tx.GetContext(ctx, &count, `UPDATE leads SET repique_count = repique_count + 1,
				manual_routing = FALSE, manual_reason = NULL, updated_at = $2
				WHERE id = $1 RETURNING repique_count`, lead.ID, now)
		} else {
			err = tx.GetContext(ctx, &count, `UPDATE leads SET repique_count = repique_count + 1,
				manual_routing = TRUE, manual_reason = $3, updated_at = $2
				WHERE id = $1 RETURNING repique_count`, lead.ID, now, reason)
		}
		if err != nil {
			return fmt.Errorf("assignment store: bump repique count: %w", err)
		}

		event := domain.RepiqueEvent{
			ID:                    uuid.New(),
			LeadID:                lead.ID,
			ExpiredAssignmentID:   current.ID,
			PreviousAgentID:       current.AgentID,
			OccurredAt:            now,
			ResultingRepiqueCount: count,
		}
		if successor != nil {
			event.NewAgentID = &successor.AgentID
			event.NewAssignmentID = &successor.ID
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO repique_events (`+repiqueColumns+`) VALUES (
			:id, :lead_id, :expired_assignment_id, :previous_agent_id, :new_agent_id,
			:new_assignment_id, :occurred_at, :resulting_repique_count
		)`, map[string]any{
			"id":                      event.ID,
			"lead_id":                 event.LeadID,
			"expired_assignment_id":   event.ExpiredAssignmentID,
			"previous_agent_id":       event.PreviousAgentID,
			"new_agent_id":            event.NewAgentID,
			"new_assignment_id":       event.NewAssignmentID,
			"occurred_at":             event.OccurredAt,
			"resulting_repique_count": event.ResultingRepiqueCount,
		}); err != nil {
			if isUniqueViolation(err, "repique_events_expired_assignment_id_key") {
				return fmt.Errorf("assignment store: repique already recorded: %w", repository.ErrConflict)
			}
			return fmt.Errorf("assignment store: insert repique event: %w", mapConstraint(err))
		}

		result = &domain.Redistribution{Event: event, Assignment: successor}
		if successor == nil {
			result.ManualReason = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListRepiqueEvents returns the repique log of a lead in order.
func (s *RoutingStore) ListRepiqueEvents(ctx context.Context, leadID uuid.UUID) ([]domain.RepiqueEvent, error) {
	var records []repiqueRecord
	if err := s.db.SelectContext(ctx, &records, `SELECT `+repiqueColumns+` FROM repique_events
		WHERE lead_id = $1 ORDER BY resulting_repique_count ASC`, leadID); err != nil {
		return nil, fmt.Errorf("assignment store: list repique events: %w", err)
	}
	out := make([]domain.RepiqueEvent, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// Occupancy reports open assignments of each active member of a queue.
func (s *RoutingStore) Occupancy(ctx context.Context, queueID uuid.UUID) ([]domain.AgentOccupancy, error) {
	var capacity int
	if err := s.db.GetContext(ctx, &capacity, `SELECT max_leads_per_agent FROM queues WHERE id = $1`, queueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("assignment store: occupancy queue: %w", err)
	}

	var rows []struct {
		AgentID         uuid.UUID `db:"agent_id"`
		Name            string    `db:"name"`
		Position        int       `db:"position"`
		Active          bool      `db:"active"`
		OpenAssignments int       `db:"open_assignments"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT m.agent_id, a.name, m.position, a.active, a.open_assignments
		FROM queue_memberships m JOIN agents a ON a.id = m.agent_id
		WHERE m.queue_id = $1 AND m.active ORDER BY m.position ASC`, queueID); err != nil {
		return nil, fmt.Errorf("assignment store: occupancy: %w", err)
	}

	out := make([]domain.AgentOccupancy, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.AgentOccupancy{
			AgentID:         r.AgentID,
			AgentName:       r.Name,
			Position:        r.Position,
			AgentActive:     r.Active,
			OpenAssignments: r.OpenAssignments,
			Capacity:        capacity,
		})
	}
	return out, nil
}

func getAssignment(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.Assignment, error) {
	var record assignmentRecord
	if err := sqlx.GetContext(ctx, q, &record, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("assignment store: get: %w", err)
	}
	a := record.toDomain()
	return &a, nil
}

func lockAssignment(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Assignment, error) {
	var record assignmentRecord
	if err := tx.GetContext(ctx, &record, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("assignment store: lock: %w", err)
	}
	a := record.toDomain()
	return &a, nil
}

func repiqueFor(ctx context.Context, tx *sqlx.Tx, expiredID uuid.UUID) (*domain.RepiqueEvent, error) {
	var record repiqueRecord
	err := tx.GetContext(ctx, &record, `SELECT `+repiqueColumns+` FROM repique_events WHERE expired_assignment_id = $1`, expiredID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("assignment store: repique lookup: %w", err)
	}
	event := record.toDomain()
	return &event, nil
}

func touchEngagement(ctx context.Context, tx *sqlx.Tx, leadID uuid.UUID, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE leads SET first_engagement_at = COALESCE(first_engagement_at, $2), updated_at = $2
		WHERE id = $1`, leadID, now); err != nil {
		return fmt.Errorf("assignment store: first engagement: %w", err)
	}
	return nil
}

func toAssignments(records []assignmentRecord) []domain.Assignment {
	out := make([]domain.Assignment, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toDomain())
	}
	return out
}
