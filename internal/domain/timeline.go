package domain

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentEventKind classifies entries of a lead's routing history.
type AssignmentEventKind string

const (
	EventAssigned   AssignmentEventKind = "assigned"
	EventReassigned AssignmentEventKind = "reassigned"
	EventUnassigned AssignmentEventKind = "unassigned"
)

// TimelineEntry is one routing event as shown on a lead's history.
type TimelineEntry struct {
	LeadID       uuid.UUID
	EventID      uuid.UUID
	Kind         AssignmentEventKind
	AssignmentID *uuid.UUID
	QueueID      *uuid.UUID
	OldAgentID   *uuid.UUID
	NewAgentID   *uuid.UUID
	RepiqueCount int
	Reason       string
	OccurredAt   time.Time
}
