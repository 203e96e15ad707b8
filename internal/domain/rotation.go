package domain

import (
	"sort"

	"github.com/google/uuid"
)

// CursorAfterRemoval returns the rotation cursor to persist when an agent
// leaves a sequential queue. When the departing member holds the cursor it is
// moved back to the member's circular predecessor, so the next walk starts at
// the member that followed the removed one. members must be the active
// memberships before the removal.
func CursorAfterRemoval(members []QueueMembership, removed uuid.UUID, cursor *int) *int {
	if cursor == nil {
		return nil
	}

	held := false
	remaining := make([]int, 0, len(members))
	for _, m := range members {
		if !m.Active {
			continue
		}
		if m.AgentID == removed {
			held = m.Position == *cursor
			continue
		}
		remaining = append(remaining, m.Position)
	}
	if !held {
		return cursor
	}
	if len(remaining) == 0 {
		return nil
	}

	sort.Ints(remaining)
	pred := remaining[len(remaining)-1]
	for _, pos := range remaining {
		if pos < *cursor {
			pred = pos
		}
	}
	return &pred
}

// RemapCursor translates the cursor after the active members are rewritten to
// positions 0..n-1 in the given order. The agent that held the cursor keeps it.
func RemapCursor(members []QueueMembership, order []uuid.UUID, cursor *int) *int {
	if cursor == nil {
		return nil
	}

	var holder uuid.UUID
	found := false
	for _, m := range members {
		if m.Active && m.Position == *cursor {
			holder = m.AgentID
			found = true
			break
		}
	}
	if !found {
		return cursor
	}

	for idx, agentID := range order {
		if agentID == holder {
			pos := idx
			return &pos
		}
	}
	return cursor
}

// SameMemberSet reports whether order lists each active member exactly once.
func SameMemberSet(members []QueueMembership, order []uuid.UUID) bool {
	active := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		if m.Active {
			active[m.AgentID] = true
		}
	}
	if len(active) != len(order) {
		return false
	}
	seen := make(map[uuid.UUID]bool, len(order))
	for _, id := range order {
		if !active[id] || seen[id] {
			return false
		}
		seen[id] = true
	}
	return true
}
