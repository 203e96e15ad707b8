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

// CreateLead inserts the lead and its first assignment in one transaction.
func (s *RoutingStore) CreateLead(ctx context.Context, lead *domain.Lead, queueID *uuid.UUID, pick repository.Picker, now time.Time) (*domain.Assignment, error) {
	extra, err := json.Marshal(lead.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("lead store: marshal extra_data: %w", err)
	}
	if lead.ExtraData == nil {
		extra = []byte("{}")
	}

	lead.CreatedAt = now
	lead.UpdatedAt = now
	if lead.Stage == "" {
		lead.Stage = domain.LeadStageNew
	}
	lead.QueueID = queueID
	lead.ManualRouting = false
	lead.ManualReason = ""

	var assignment *domain.Assignment
	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var choice *domain.Selection
		var queue *domain.Queue
		if queueID == nil {
			lead.ManualRouting, lead.ManualReason = true, domain.ManualReasonNoQueue
		} else {
			q, err := lockQueue(ctx, tx, *queueID)
			if err != nil {
				return err
			}
			queue = q
			if !queue.AcceptsAssignments() {
				lead.ManualRouting, lead.ManualReason = true, domain.ManualReasonQueuePaused
			} else {
				choice, err = reserveAgent(ctx, tx, queue, pick, now)
				if err != nil {
					return err
				}
				if choice == nil {
					lead.ManualRouting, lead.ManualReason = true, domain.ManualReasonNoEligibleAgent
				}
			}
		}

		if _, err := tx.NamedExecContext(ctx, `INSERT INTO leads (`+leadColumns+`) VALUES (
			:id, :name, :phone, :origin, :extra_data, :queue_id, :stage, 0,
			NULL, :manual_routing, :manual_reason, :created_at, :updated_at
		)`, map[string]any{
			"id":             lead.ID,
			"name":           lead.Name,
			"phone":          lead.Phone,
			"origin":         lead.Origin,
			"extra_data":     extra,
			"queue_id":       queueID,
			"stage":          string(lead.Stage),
			"manual_routing": lead.ManualRouting,
			"manual_reason":  nullString(lead.ManualReason),
			"created_at":     lead.CreatedAt,
			"updated_at":     lead.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("lead store: insert lead: %w", mapConstraint(err))
		}

		if choice == nil {
			return nil
		}
		a := domain.NewAssignment(lead.ID, *queue, choice.AgentID, nil, now)
		if err := insertAssignment(ctx, tx, a); err != nil {
			return fmt.Errorf("lead store: %w", err)
		}
		assignment = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

// GetLead fetches a lead by id.
func (s *RoutingStore) GetLead(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	var record leadRecord
	if err := s.db.GetContext(ctx, &record, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead store: get: %w", err)
	}
	return record.toDomain()
}

// MoveStage updates the stage and cancels the open assignment when the lead closes.
func (s *RoutingStore) MoveStage(ctx context.Context, leadID uuid.UUID, stage domain.LeadStage, now time.Time) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := lockLead(ctx, tx, leadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE leads SET stage = $2, updated_at = $3 WHERE id = $1`, leadID, string(stage), now); err != nil {
			return fmt.Errorf("lead store: move stage: %w", err)
		}
		if !stage.Terminal() {
			return nil
		}

		var agents []uuid.UUID
		if err := tx.SelectContext(ctx, &agents, `UPDATE assignments SET status = 'cancelled', closed_at = $2
			WHERE lead_id = $1 AND status IN `+openStatuses+` RETURNING agent_id`, leadID, now); err != nil {
			return fmt.Errorf("lead store: cancel open assignment: %w", err)
		}
		for _, agentID := range agents {
			if err := releaseAgent(ctx, tx, agentID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// FlagManual puts the lead on the manual worklist.
func (s *RoutingStore) FlagManual(ctx context.Context, leadID uuid.UUID, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET manual_routing = TRUE, manual_reason = $2, updated_at = $3 WHERE id = $1`,
		leadID, reason, now)
	if err != nil {
		return fmt.Errorf("lead store: flag manual: %w", err)
	}
	return affected(res, "lead store")
}

// ListManual returns open leads on the manual worklist, oldest first.
func (s *RoutingStore) ListManual(ctx context.Context, limit int) ([]*domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []leadRecord
	if err := s.db.SelectContext(ctx, &records, `SELECT `+leadColumns+` FROM leads
		WHERE manual_routing AND stage NOT IN ('won', 'lost', 'discarded')
		ORDER BY created_at ASC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("lead store: list manual: %w", err)
	}

	out := make([]*domain.Lead, 0, len(records))
	for _, rec := range records {
		lead, err := rec.toDomain()
		if err != nil {
			return nil, fmt.Errorf("lead store: %w", err)
		}
		out = append(out, lead)
	}
	return out, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
