package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
)

const queueColumns = `id, name, origin, ordering_policy, status, response_window_seconds,
	max_leads_per_agent, rotation_cursor, created_at, updated_at`

// QueueRepository implements repository.QueueRepository using PostgreSQL.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs a new repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Create inserts a new queue.
func (r *QueueRepository) Create(ctx context.Context, queue *domain.Queue) error {
	q := `INSERT INTO queues (` + queueColumns + `) VALUES (
		:id, :name, :origin, :ordering_policy, :status, :response_window_seconds,
		:max_leads_per_agent, :rotation_cursor, :created_at, :updated_at
	)`

	params := map[string]any{
		"id":                      queue.ID,
		"name":                    queue.Name,
		"origin":                  queue.Origin,
		"ordering_policy":         string(queue.Policy),
		"status":                  string(queue.Status),
		"response_window_seconds": queue.Config.ResponseWindowSeconds,
		"max_leads_per_agent":     queue.Config.MaxLeadsPerAgent,
		"rotation_cursor":         queue.Cursor,
		"created_at":              queue.CreatedAt,
		"updated_at":              queue.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("queue repo: insert: %w", mapConstraint(err))
	}
	return nil
}

// Get fetches a queue by id.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Queue, error) {
	var record queueRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = $1`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue repo: get: %w", err)
	}
	queue := record.toDomain()
	return &queue, nil
}

// Update replaces the editable fields. Status and rotation cursor have their own writers.
func (r *QueueRepository) Update(ctx context.Context, queue *domain.Queue) error {
	q := `UPDATE queues SET
		name = :name,
		origin = :origin,
		ordering_policy = :ordering_policy,
		response_window_seconds = :response_window_seconds,
		max_leads_per_agent = :max_leads_per_agent,
		updated_at = :updated_at
	 WHERE id = :id`

	params := map[string]any{
		"id":                      queue.ID,
		"name":                    queue.Name,
		"origin":                  queue.Origin,
		"ordering_policy":         string(queue.Policy),
		"response_window_seconds": queue.Config.ResponseWindowSeconds,
		"max_leads_per_agent":     queue.Config.MaxLeadsPerAgent,
		"updated_at":              queue.UpdatedAt,
	}

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("queue repo: update: %w", mapConstraint(err))
	}
	return affected(res, "queue repo")
}

// UpdateStatus pauses or resumes a queue.
func (r *QueueRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.QueueStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queues SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("queue repo: update status: %w", err)
	}
	return affected(res, "queue repo")
}

// List returns queues with keyset pagination on id.
func (r *QueueRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Queue, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sqlx.Rows
		err  error
	)
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("queue repo: list: %w", err)
	}
	return scanQueues(rows)
}

// ListByOrigin returns queues bound to an origin, oldest first.
func (r *QueueRepository) ListByOrigin(ctx context.Context, origin string) ([]*domain.Queue, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE origin = $1 ORDER BY created_at ASC, id ASC`, origin)
	if err != nil {
		return nil, fmt.Errorf("queue repo: list by origin: %w", err)
	}
	return scanQueues(rows)
}

func scanQueues(rows *sqlx.Rows) ([]*domain.Queue, error) {
	defer rows.Close()

	var results []*domain.Queue
	for rows.Next() {
		var record queueRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("queue repo: scan: %w", err)
		}
		queue := record.toDomain()
		results = append(results, &queue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue repo: rows err: %w", err)
	}
	return results, nil
}

type queueRecord struct {
	ID                    uuid.UUID     `db:"id"`
	Name                  string        `db:"name"`
	Origin                string        `db:"origin"`
	OrderingPolicy        string        `db:"ordering_policy"`
	Status                string        `db:"status"`
	ResponseWindowSeconds int           `db:"response_window_seconds"`
	MaxLeadsPerAgent      int           `db:"max_leads_per_agent"`
	RotationCursor        sql.NullInt64 `db:"rotation_cursor"`
	CreatedAt             sql.NullTime  `db:"created_at"`
	UpdatedAt             sql.NullTime  `db:"updated_at"`
}

func (r queueRecord) toDomain() domain.Queue {
	queue := domain.Queue{
		ID:     r.ID,
		Name:   r.Name,
		Origin: r.Origin,
		Policy: domain.OrderingPolicy(r.OrderingPolicy),
		Status: domain.QueueStatus(r.Status),
		Config: domain.QueueConfig{
			ResponseWindowSeconds: r.ResponseWindowSeconds,
			MaxLeadsPerAgent:      r.MaxLeadsPerAgent,
		},
		CreatedAt: r.CreatedAt.Time,
		UpdatedAt: r.UpdatedAt.Time,
	}
	if r.RotationCursor.Valid {
		cursor := int(r.RotationCursor.Int64)
		queue.Cursor = &cursor
	}
	return queue
}
