package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
)

// TimelineStore persists the routing history of leads in Scylla.
type TimelineStore struct {
	session *gocql.Session
}

var _ repository.TimelineStore = (*TimelineStore)(nil)

// NewTimelineStore creates a new timeline store.
func NewTimelineStore(session *gocql.Session) *TimelineStore {
	return &TimelineStore{session: session}
}

// Append writes one entry. Replays of the same event overwrite the same row.
func (s *TimelineStore) Append(ctx context.Context, entry domain.TimelineEntry) error {
	if err := s.session.Query(`INSERT INTO lead_timeline (lead_id, occurred_at, event_id, kind, assignment_id, queue_id,
		old_agent_id, new_agent_id, repique_count, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.LeadID.String(), entry.OccurredAt.UTC(), entry.EventID.String(), string(entry.Kind),
		optional(entry.AssignmentID), optional(entry.QueueID), optional(entry.OldAgentID), optional(entry.NewAgentID),
		entry.RepiqueCount, entry.Reason,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("timeline store: insert lead_timeline: %w", err)
	}
	return nil
}

// ListByLead pages through a lead's history in chronological order.
func (s *TimelineStore) ListByLead(ctx context.Context, leadID uuid.UUID, limit int, pagingState []byte) ([]domain.TimelineEntry, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT occurred_at, event_id, kind, assignment_id, queue_id, old_agent_id, new_agent_id,
		repique_count, reason
		FROM lead_timeline WHERE lead_id = ?`, leadID.String()).WithContext(ctx).PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	entries := make([]domain.TimelineEntry, 0, limit)

	var (
		occurredAt   time.Time
		eventID      string
		kind         string
		assignmentID *string
		queueID      *string
		oldAgentID   *string
		newAgentID   *string
		repiqueCount int
		reason       *string
	)
	for iter.Scan(&occurredAt, &eventID, &kind, &assignmentID, &queueID, &oldAgentID, &newAgentID, &repiqueCount, &reason) {
		id, err := uuid.Parse(eventID)
		if err != nil {
			continue
		}
		entry := domain.TimelineEntry{
			LeadID:       leadID,
			EventID:      id,
			Kind:         domain.AssignmentEventKind(kind),
			AssignmentID: parseOptional(assignmentID),
			QueueID:      parseOptional(queueID),
			OldAgentID:   parseOptional(oldAgentID),
			NewAgentID:   parseOptional(newAgentID),
			RepiqueCount: repiqueCount,
			OccurredAt:   occurredAt,
		}
		if reason != nil {
			entry.Reason = *reason
		}
		entries = append(entries, entry)
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("timeline store: iter close: %w", err)
	}
	return entries, iter.PageState(), nil
}

func optional(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseOptional(s *string) *uuid.UUID {
	if s == nil || *s == "" {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}
