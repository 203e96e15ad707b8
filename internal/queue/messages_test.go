package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-routing/internal/domain"
)

func TestAssignedEvent(t *testing.T) {
	queueID := uuid.New()
	lead := domain.Lead{ID: uuid.New(), QueueID: &queueID, CreatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	a := domain.Assignment{ID: uuid.New(), AgentID: uuid.New()}

	evt := AssignedEvent(lead, &a)
	assert.Equal(t, domain.EventAssigned, evt.Kind)
	assert.Equal(t, a.AgentID, *evt.NewAgentID)
	assert.Equal(t, a.ID, *evt.AssignmentID)
	assert.Equal(t, lead.CreatedAt, evt.OccurredAt)

	lead.ManualRouting, lead.ManualReason = true, domain.ManualReasonQueuePaused
	manual := AssignedEvent(lead, nil)
	assert.Equal(t, domain.EventUnassigned, manual.Kind)
	assert.Nil(t, manual.NewAgentID)
	assert.Equal(t, domain.ManualReasonQueuePaused, manual.Reason)

	raw, err := json.Marshal(manual)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"new_agent_id":null`)
}

func TestReassignedEvent(t *testing.T) {
	prev, next := uuid.New(), uuid.New()
	expired := domain.Assignment{ID: uuid.New(), LeadID: uuid.New(), QueueID: uuid.New(), AgentID: prev}
	successor := domain.Assignment{ID: uuid.New(), AgentID: next}
	r := domain.Redistribution{
		Event: domain.RepiqueEvent{
			ID:                    uuid.New(),
			LeadID:                expired.LeadID,
			ExpiredAssignmentID:   expired.ID,
			PreviousAgentID:       prev,
			NewAgentID:            &next,
			NewAssignmentID:       &successor.ID,
			ResultingRepiqueCount: 2,
			OccurredAt:            time.Date(2024, 5, 1, 9, 3, 0, 0, time.UTC),
		},
		Assignment: &successor,
	}

	evt := ReassignedEvent(expired, r)
	assert.Equal(t, domain.EventReassigned, evt.Kind)
	assert.Equal(t, r.Event.ID, evt.EventID, "event id follows the repique so replays collapse")
	assert.Equal(t, prev, *evt.OldAgentID)
	assert.Equal(t, next, *evt.NewAgentID)
	assert.Equal(t, 2, evt.RepiqueCount)
	assert.Equal(t, expired.QueueID, *evt.QueueID)

	r.Assignment, r.Event.NewAgentID = nil, nil
	none := ReassignedEvent(expired, r)
	assert.Equal(t, domain.EventUnassigned, none.Kind)
	assert.Equal(t, domain.ManualReasonNoEligibleAgent, none.Reason)

	r.ManualReason = domain.ManualReasonQueuePaused
	assert.Equal(t, domain.ManualReasonQueuePaused, ReassignedEvent(expired, r).Reason)

	entry := none.TimelineEntry()
	assert.Equal(t, none.EventID, entry.EventID)
	assert.Equal(t, none.LeadID, entry.LeadID)
	assert.Nil(t, entry.NewAgentID)
}
