package selection

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-routing/internal/domain"
)

func snapshot(policy domain.OrderingPolicy, max int, cursor *int, members ...domain.MemberState) domain.QueueSnapshot {
	q := domain.Queue{
		ID:     uuid.New(),
		Policy: policy,
		Status: domain.QueueStatusActive,
		Config: domain.QueueConfig{ResponseWindowSeconds: 90, MaxLeadsPerAgent: max},
		Cursor: cursor,
	}
	return domain.NewQueueSnapshot(q, members)
}

func member(pos int) domain.MemberState {
	return domain.MemberState{AgentID: uuid.New(), Position: pos, AgentActive: true}
}

func intPtr(v int) *int { return &v }

func TestSequentialVisitsEveryAgentOnceInOrder(t *testing.T) {
	sel := NewSelectorWithSource(rand.NewSource(1))
	a, b, c, d := member(0), member(1), member(2), member(3)
	snap := snapshot(domain.OrderingSequential, 100, intPtr(1), a, b, c, d)

	var got []uuid.UUID
	for i := 0; i < 4; i++ {
		choice, ok := sel.Select(snap, nil)
		require.True(t, ok)
		got = append(got, choice.AgentID)
		snap.Queue.Cursor = choice.Cursor
	}

	assert.Equal(t, []uuid.UUID{c.AgentID, d.AgentID, a.AgentID, b.AgentID}, got)
}

func TestSequentialStartsAtFirstMemberWithoutCursor(t *testing.T) {
	sel := NewSelector()
	a, b := member(3), member(7)
	snap := snapshot(domain.OrderingSequential, 10, nil, b, a)

	choice, ok := sel.Select(snap, nil)
	require.True(t, ok)
	assert.Equal(t, a.AgentID, choice.AgentID)
	require.NotNil(t, choice.Cursor)
	assert.Equal(t, 3, *choice.Cursor)
}

func TestSequentialSkipsIneligibleMembers(t *testing.T) {
	sel := NewSelector()
	a, b, c := member(0), member(1), member(2)
	b.AgentActive = false
	c.OpenAssignments = 2
	snap := snapshot(domain.OrderingSequential, 2, intPtr(0), a, b, c)

	choice, ok := sel.Select(snap, nil)
	require.True(t, ok)
	assert.Equal(t, a.AgentID, choice.AgentID)
}

func TestSequentialNoEligibleMemberLeavesCursor(t *testing.T) {
	sel := NewSelector()
	a, b := member(0), member(1)
	a.OpenAssignments = 1
	b.AgentActive = false
	snap := snapshot(domain.OrderingSequential, 1, intPtr(0), a, b)

	choice, ok := sel.Select(snap, nil)
	assert.False(t, ok)
	assert.Nil(t, choice.Cursor)
}

func TestExclusionThenFallback(t *testing.T) {
	sel := NewSelector()

	t.Run("two eligible agents never reselect the excluded one", func(t *testing.T) {
		a, b := member(0), member(1)
		for _, policy := range []domain.OrderingPolicy{domain.OrderingSequential, domain.OrderingRandom} {
			for i := 0; i < 50; i++ {
				snap := snapshot(policy, 10, intPtr(i%2), a, b)
				choice, ok := sel.Select(snap, &a.AgentID)
				require.True(t, ok)
				assert.Equal(t, b.AgentID, choice.AgentID)
			}
		}
	})

	t.Run("single eligible agent is reselected", func(t *testing.T) {
		a, b := member(0), member(1)
		b.AgentActive = false
		snap := snapshot(domain.OrderingSequential, 10, intPtr(0), a, b)

		choice, ok := sel.Select(snap, &a.AgentID)
		require.True(t, ok)
		assert.Equal(t, a.AgentID, choice.AgentID)
	})

	t.Run("excluded agent at capacity is not a fallback", func(t *testing.T) {
		a := member(0)
		a.OpenAssignments = 5
		snap := snapshot(domain.OrderingRandom, 5, nil, a)

		_, ok := sel.Select(snap, &a.AgentID)
		assert.False(t, ok)
	})
}

func TestRandomOnlyPicksEligibleAndCoversAll(t *testing.T) {
	sel := NewSelectorWithSource(rand.NewSource(42))
	a, b, c := member(0), member(1), member(2)
	c.OpenAssignments = 3
	snap := snapshot(domain.OrderingRandom, 3, nil, a, b, c)

	counts := map[uuid.UUID]int{}
	for i := 0; i < 400; i++ {
		choice, ok := sel.Select(snap, nil)
		require.True(t, ok)
		assert.Nil(t, choice.Cursor)
		counts[choice.AgentID]++
	}

	assert.Zero(t, counts[c.AgentID])
	assert.Greater(t, counts[a.AgentID], 120)
	assert.Greater(t, counts[b.AgentID], 120)
}

func TestEmptyQueueSelectsNobody(t *testing.T) {
	sel := NewSelector()
	for _, policy := range []domain.OrderingPolicy{domain.OrderingSequential, domain.OrderingRandom} {
		_, ok := sel.Select(snapshot(policy, 1, nil), nil)
		assert.False(t, ok)
	}
}

func TestPickerPassesExclusion(t *testing.T) {
	sel := NewSelector()
	a, b := member(0), member(1)
	pick := sel.Picker(&b.AgentID)

	choice, ok := pick(snapshot(domain.OrderingSequential, 10, intPtr(0), a, b))
	require.True(t, ok)
	assert.Equal(t, a.AgentID, choice.AgentID)
}
