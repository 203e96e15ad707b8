package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadStage tracks a lead through the sales funnel.
type LeadStage string

const (
	LeadStageNew       LeadStage = "new"
	LeadStageContacted LeadStage = "contacted"
	LeadStageQualified LeadStage = "qualified"
	LeadStageProposal  LeadStage = "proposal"
	LeadStageWon       LeadStage = "won"
	LeadStageLost      LeadStage = "lost"
	LeadStageDiscarded LeadStage = "discarded"
)

// Valid reports whether the stage is known.
func (s LeadStage) Valid() bool {
	switch s {
	case LeadStageNew, LeadStageContacted, LeadStageQualified, LeadStageProposal,
		LeadStageWon, LeadStageLost, LeadStageDiscarded:
		return true
	}
	return false
}

// Terminal reports whether the lead is closed and needs no SLA enforcement.
func (s LeadStage) Terminal() bool {
	switch s {
	case LeadStageWon, LeadStageLost, LeadStageDiscarded:
		return true
	}
	return false
}

// Reasons a lead lands on the manual-routing worklist.
const (
	ManualReasonNoQueue              = "no_queue"
	ManualReasonQueuePaused          = "queue_paused"
	ManualReasonNoEligibleAgent      = "no_eligible_agent"
	ManualReasonRedistributionFailed = "redistribution_failed"
)

// Lead is a sales prospect routed to agents.
type Lead struct {
	ID                uuid.UUID
	Name              string
	Phone             string
	Origin            string
	ExtraData         map[string]any
	QueueID           *uuid.UUID
	Stage             LeadStage
	RepiqueCount      int
	FirstEngagementAt *time.Time
	ManualRouting     bool
	ManualReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AssignmentStatus enumerates the SLA state machine of an assignment.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentViewed    AssignmentStatus = "viewed"
	AssignmentResponded AssignmentStatus = "responded"
	AssignmentExpired   AssignmentStatus = "expired"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Open reports whether the SLA still applies.
func (s AssignmentStatus) Open() bool {
	return s == AssignmentPending || s == AssignmentViewed
}

// OpenAssignmentStatuses lists the non-terminal statuses.
var OpenAssignmentStatuses = []AssignmentStatus{AssignmentPending, AssignmentViewed}

// Assignment binds one lead to one agent for one SLA window.
type Assignment struct {
	ID            uuid.UUID
	LeadID        uuid.UUID
	QueueID       uuid.UUID
	AgentID       uuid.UUID
	PredecessorID *uuid.UUID
	AssignedAt    time.Time
	Deadline      time.Time
	Status        AssignmentStatus
	ViewedAt      *time.Time
	RespondedAt   *time.Time
	ClosedAt      *time.Time
}

// NewAssignment opens a pending assignment whose deadline follows the queue window.
func NewAssignment(leadID uuid.UUID, q Queue, agentID uuid.UUID, predecessor *uuid.UUID, now time.Time) Assignment {
	return Assignment{
		ID:            uuid.New(),
		LeadID:        leadID,
		QueueID:       q.ID,
		AgentID:       agentID,
		PredecessorID: predecessor,
		AssignedAt:    now,
		Deadline:      now.Add(q.Config.ResponseWindow()),
		Status:        AssignmentPending,
	}
}

// Due reports whether the assignment is open and its deadline has passed.
func (a Assignment) Due(now time.Time) bool {
	return a.Status.Open() && !now.Before(a.Deadline)
}

// RepiqueEvent is the audit record of one redistribution.
type RepiqueEvent struct {
	ID                    uuid.UUID
	LeadID                uuid.UUID
	ExpiredAssignmentID   uuid.UUID
	PreviousAgentID       uuid.UUID
	NewAgentID            *uuid.UUID
	NewAssignmentID       *uuid.UUID
	OccurredAt            time.Time
	ResultingRepiqueCount int
}

// ExpiryOutcome describes what an expiry attempt did to an assignment.
type ExpiryOutcome string

const (
	// ExpiryExpired means the assignment moved to expired and needs a repique.
	ExpiryExpired ExpiryOutcome = "expired"
	// ExpiryCancelled means the lead was closed first; no repique follows.
	ExpiryCancelled ExpiryOutcome = "cancelled"
	// ExpiryNoop means another actor already moved the assignment.
	ExpiryNoop ExpiryOutcome = "noop"
)

// Redistribution is the committed result of a repique.
type Redistribution struct {
	Event      RepiqueEvent
	Assignment *Assignment
	// ManualReason is why the lead went to the manual worklist when no
	// successor was created.
	ManualReason string
	// Duplicate is set when the expired assignment had already been redistributed.
	Duplicate bool
	// Skipped is set when the lead was closed before the repique ran.
	Skipped bool
}

// LeadStatus is the read model behind status badges.
type LeadStatus struct {
	Lead       Lead
	Assignment *Assignment
}
