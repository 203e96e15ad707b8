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
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

// reorderOffset parks positions out of the way while a reorder rewrites them,
// since the partial unique index on (queue_id, position) is checked per row.
const reorderOffset = 1 << 20

// MembershipRepository implements repository.MembershipRepository.
type MembershipRepository struct {
	db *sqlx.DB
}

// NewMembershipRepository constructs the repository.
func NewMembershipRepository(db *sqlx.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// Add appends the agent at the end of the queue. A previously removed
// membership is reactivated at the end.
func (r *MembershipRepository) Add(ctx context.Context, queueID, agentID uuid.UUID, now time.Time) (*domain.QueueMembership, error) {
	var membership domain.QueueMembership
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := lockQueue(ctx, tx, queueID); err != nil {
			return err
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, agentID); err != nil {
			return fmt.Errorf("membership repo: check agent: %w", err)
		}
		if !exists {
			return fmt.Errorf("membership repo: agent %s: %w", agentID, repository.ErrNotFound)
		}

		var next int
		if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(position) + 1, 0) FROM queue_memberships
			WHERE queue_id = $1 AND active`, queueID); err != nil {
			return fmt.Errorf("membership repo: next position: %w", err)
		}

		var record membershipRecord
		err := tx.QueryRowxContext(ctx, `INSERT INTO queue_memberships (queue_id, agent_id, position, active, created_at)
			VALUES ($1, $2, $3, TRUE, $4)
			ON CONFLICT (queue_id, agent_id) DO UPDATE SET position = EXCLUDED.position, active = TRUE
			WHERE NOT queue_memberships.active
			RETURNING queue_id, agent_id, position, active, created_at`,
			queueID, agentID, next, now).StructScan(&record)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("membership repo: agent %s already in queue: %w", agentID, repository.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("membership repo: insert: %w", mapConstraint(err))
		}
		membership = record.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

// Remove deactivates the membership and moves the rotation cursor off it.
func (r *MembershipRepository) Remove(ctx context.Context, queueID, agentID uuid.UUID) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		queue, err := lockQueue(ctx, tx, queueID)
		if err != nil {
			return err
		}
		members, err := activeMembers(ctx, tx, queueID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE queue_memberships SET active = FALSE
			WHERE queue_id = $1 AND agent_id = $2 AND active`, queueID, agentID)
		if err != nil {
			return fmt.Errorf("membership repo: deactivate: %w", err)
		}
		if err := affected(res, "membership repo"); err != nil {
			return err
		}

		cursor := domain.CursorAfterRemoval(members, agentID, queue.Cursor)
		return setCursor(ctx, tx, queueID, cursor)
	})
}

// Reorder rewrites positions to follow agentIDs, keeping the cursor on the
// member that held it.
func (r *MembershipRepository) Reorder(ctx context.Context, queueID uuid.UUID, agentIDs []uuid.UUID) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		queue, err := lockQueue(ctx, tx, queueID)
		if err != nil {
			return err
		}
		members, err := activeMembers(ctx, tx, queueID)
		if err != nil {
			return err
		}
		if !domain.SameMemberSet(members, agentIDs) {
			return fmt.Errorf("%w: reorder must list every active member exactly once", apperrors.ErrValidation)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE queue_memberships SET position = position + $2
			WHERE queue_id = $1 AND active`, queueID, reorderOffset); err != nil {
			return fmt.Errorf("membership repo: park positions: %w", err)
		}
		for idx, agentID := range agentIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE queue_memberships SET position = $3
				WHERE queue_id = $1 AND agent_id = $2`, queueID, agentID, idx); err != nil {
				return fmt.Errorf("membership repo: set position: %w", mapConstraint(err))
			}
		}

		return setCursor(ctx, tx, queueID, domain.RemapCursor(members, agentIDs, queue.Cursor))
	})
}

// List returns active members by position, then removed ones.
func (r *MembershipRepository) List(ctx context.Context, queueID uuid.UUID) ([]domain.QueueMembership, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM queues WHERE id = $1)`, queueID); err != nil {
		return nil, fmt.Errorf("membership repo: check queue: %w", err)
	}
	if !exists {
		return nil, repository.ErrNotFound
	}

	var records []membershipRecord
	if err := r.db.SelectContext(ctx, &records, `SELECT queue_id, agent_id, position, active, created_at
		FROM queue_memberships WHERE queue_id = $1 ORDER BY active DESC, position ASC`, queueID); err != nil {
		return nil, fmt.Errorf("membership repo: list: %w", err)
	}
	out := make([]domain.QueueMembership, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

func activeMembers(ctx context.Context, tx *sqlx.Tx, queueID uuid.UUID) ([]domain.QueueMembership, error) {
	var records []membershipRecord
	if err := tx.SelectContext(ctx, &records, `SELECT queue_id, agent_id, position, active, created_at
		FROM queue_memberships WHERE queue_id = $1 AND active ORDER BY position ASC`, queueID); err != nil {
		return nil, fmt.Errorf("membership repo: active members: %w", err)
	}
	out := make([]domain.QueueMembership, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

type membershipRecord struct {
	QueueID   uuid.UUID `db:"queue_id"`
	AgentID   uuid.UUID `db:"agent_id"`
	Position  int       `db:"position"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (r membershipRecord) toDomain() domain.QueueMembership {
	return domain.QueueMembership{
		QueueID:   r.QueueID,
		AgentID:   r.AgentID,
		Position:  r.Position,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
}
