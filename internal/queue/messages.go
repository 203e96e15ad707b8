package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
)

// LeadIntakeMessage is an inbound lead captured by an upstream source.
type LeadIntakeMessage struct {
	Name           string         `json:"name"`
	Phone          string         `json:"phone"`
	Origin         string         `json:"origin"`
	ExtraData      map[string]any `json:"extra_data,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// AssignmentEvent announces a change of a lead's owner. The reassigned kind is
// the redistribution notification.
type AssignmentEvent struct {
	EventID      uuid.UUID                  `json:"event_id"`
	Kind         domain.AssignmentEventKind `json:"kind"`
	LeadID       uuid.UUID                  `json:"lead_id"`
	AssignmentID *uuid.UUID                 `json:"assignment_id,omitempty"`
	QueueID      *uuid.UUID                 `json:"queue_id,omitempty"`
	OldAgentID   *uuid.UUID                 `json:"old_agent_id,omitempty"`
	NewAgentID   *uuid.UUID                 `json:"new_agent_id"`
	RepiqueCount int                        `json:"repique_count"`
	Reason       string                     `json:"reason,omitempty"`
	OccurredAt   time.Time                  `json:"occurred_at"`
}

// TimelineEntry converts the event into a timeline row.
func (e AssignmentEvent) TimelineEntry() domain.TimelineEntry {
	return domain.TimelineEntry{
		LeadID:       e.LeadID,
		EventID:      e.EventID,
		Kind:         e.Kind,
		AssignmentID: e.AssignmentID,
		QueueID:      e.QueueID,
		OldAgentID:   e.OldAgentID,
		NewAgentID:   e.NewAgentID,
		RepiqueCount: e.RepiqueCount,
		Reason:       e.Reason,
		OccurredAt:   e.OccurredAt,
	}
}

// AssignedEvent describes the first assignment of a lead, or its absence.
func AssignedEvent(lead domain.Lead, a *domain.Assignment) AssignmentEvent {
	evt := AssignmentEvent{
		EventID:    uuid.New(),
		Kind:       domain.EventAssigned,
		LeadID:     lead.ID,
		QueueID:    lead.QueueID,
		OccurredAt: lead.CreatedAt,
	}
	if a == nil {
		evt.Kind = domain.EventUnassigned
		evt.Reason = lead.ManualReason
		return evt
	}
	evt.AssignmentID = &a.ID
	evt.NewAgentID = &a.AgentID
	return evt
}

// ReassignedEvent describes a committed repique.
func ReassignedEvent(expired domain.Assignment, r domain.Redistribution) AssignmentEvent {
	evt := AssignmentEvent{
		EventID:      r.Event.ID,
		Kind:         domain.EventReassigned,
		LeadID:       r.Event.LeadID,
		QueueID:      &expired.QueueID,
		OldAgentID:   &r.Event.PreviousAgentID,
		NewAgentID:   r.Event.NewAgentID,
		RepiqueCount: r.Event.ResultingRepiqueCount,
		OccurredAt:   r.Event.OccurredAt,
	}
	if r.Assignment == nil {
		evt.Kind = domain.EventUnassigned
		evt.Reason = r.ManualReason
		if evt.Reason == "" {
			evt.Reason = domain.ManualReasonNoEligibleAgent
		}
		return evt
	}
	evt.AssignmentID = &r.Assignment.ID
	return evt
}
