package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderingPolicy is the closed set of distribution strategies a queue can use.
type OrderingPolicy string

const (
	OrderingSequential OrderingPolicy = "sequential"
	OrderingRandom     OrderingPolicy = "random"
)

// ParseOrderingPolicy converts user input into a supported policy.
func ParseOrderingPolicy(value string) (OrderingPolicy, error) {
	switch OrderingPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case OrderingSequential:
		return OrderingSequential, nil
	case OrderingRandom:
		return OrderingRandom, nil
	default:
		return "", fmt.Errorf("unsupported ordering policy %q", value)
	}
}

// QueueStatus enumerates whether a queue accepts automatic assignments.
type QueueStatus string

const (
	QueueStatusActive QueueStatus = "active"
	QueueStatusPaused QueueStatus = "paused"
)

// QueueConfig holds the SLA and capacity settings of a queue.
type QueueConfig struct {
	ResponseWindowSeconds int
	MaxLeadsPerAgent      int
}

// ResponseWindow returns the SLA window as a duration.
func (c QueueConfig) ResponseWindow() time.Duration {
	return time.Duration(c.ResponseWindowSeconds) * time.Second
}

// Queue ("fila") groups agents under an ordering policy.
type Queue struct {
	ID        uuid.UUID
	Name      string
	Origin    string
	Policy    OrderingPolicy
	Status    QueueStatus
	Config    QueueConfig
	// Cursor is the position of the member served last by a sequential
	// rotation. Nil until the first sequential assignment.
	Cursor    *int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AcceptsAssignments reports whether automatic routing may use the queue.
func (q *Queue) AcceptsAssignments() bool {
	return q.Status == QueueStatusActive
}

// QueueMembership binds an agent to a queue at a position.
type QueueMembership struct {
	QueueID   uuid.UUID
	AgentID   uuid.UUID
	Position  int
	Active    bool
	CreatedAt time.Time
}

// Agent ("corretor") receives leads from one or more queues.
type Agent struct {
	ID              uuid.UUID
	Name            string
	Active          bool
	OpenAssignments int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MemberState is the view of one queue member used during selection.
type MemberState struct {
	AgentID         uuid.UUID
	Position        int
	AgentActive     bool
	OpenAssignments int
}

// QueueSnapshot is a consistent read of a queue and its active members taken
// while the queue's rotation is locked. Members are ordered by position.
type QueueSnapshot struct {
	Queue   Queue
	Members []MemberState
}

// NewQueueSnapshot builds a snapshot with members sorted by position.
func NewQueueSnapshot(q Queue, members []MemberState) QueueSnapshot {
	sorted := make([]MemberState, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	return QueueSnapshot{Queue: q, Members: sorted}
}

// Eligible reports whether the member may receive a new assignment.
func (s QueueSnapshot) Eligible(m MemberState) bool {
	return m.AgentActive && m.OpenAssignments < s.Queue.Config.MaxLeadsPerAgent
}

// Saturate marks an agent as full. The store uses it when a guarded counter
// increment shows the snapshot was stale.
func (s *QueueSnapshot) Saturate(agentID uuid.UUID) {
	for i := range s.Members {
		if s.Members[i].AgentID == agentID {
			s.Members[i].OpenAssignments = s.Queue.Config.MaxLeadsPerAgent
		}
	}
}

// Selection is the outcome of picking an agent from a snapshot.
type Selection struct {
	AgentID uuid.UUID
	// Cursor is the rotation cursor to persist; nil leaves it unchanged.
	Cursor *int
}

// AgentOccupancy reports how loaded an agent is within a queue.
type AgentOccupancy struct {
	AgentID         uuid.UUID
	AgentName       string
	Position        int
	AgentActive     bool
	OpenAssignments int
	Capacity        int
}
