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

const agentColumns = `id, name, active, open_assignments, created_at, updated_at`

// AgentRepository implements repository.AgentRepository.
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository constructs the repository.
func NewAgentRepository(db *sqlx.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create inserts a new agent.
func (r *AgentRepository) Create(ctx context.Context, agent *domain.Agent) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES (:id, :name, :active, 0, :created_at, :updated_at)`, map[string]any{
		"id":         agent.ID,
		"name":       agent.Name,
		"active":     agent.Active,
		"created_at": agent.CreatedAt,
		"updated_at": agent.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("agent repo: insert: %w", mapConstraint(err))
	}
	return nil
}

// Get fetches an agent by id.
func (r *AgentRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	var record agentRecord
	if err := r.db.GetContext(ctx, &record, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("agent repo: get: %w", err)
	}
	agent := record.toDomain()
	return &agent, nil
}

// List returns agents with keyset pagination on id.
func (r *AgentRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		records []agentRecord
		err     error
	)
	if afterID != nil {
		err = r.db.SelectContext(ctx, &records, `SELECT `+agentColumns+` FROM agents WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		err = r.db.SelectContext(ctx, &records, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("agent repo: list: %w", err)
	}

	out := make([]*domain.Agent, 0, len(records))
	for _, rec := range records {
		agent := rec.toDomain()
		out = append(out, &agent)
	}
	return out, nil
}

// SetActive toggles availability. Open assignments are untouched.
func (r *AgentRepository) SetActive(ctx context.Context, id uuid.UUID, active bool, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET active = $1, updated_at = $2 WHERE id = $3`, active, now, id)
	if err != nil {
		return fmt.Errorf("agent repo: set active: %w", err)
	}
	return affected(res, "agent repo")
}

type agentRecord struct {
	ID              uuid.UUID `db:"id"`
	Name            string    `db:"name"`
	Active          bool      `db:"active"`
	OpenAssignments int       `db:"open_assignments"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r agentRecord) toDomain() domain.Agent {
	return domain.Agent{
		ID:              r.ID,
		Name:            r.Name,
		Active:          r.Active,
		OpenAssignments: r.OpenAssignments,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
