package selection

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
)

// Selector picks the next agent of a queue under its ordering policy.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector constructs a selector seeded from the clock.
func NewSelector() *Selector {
	return NewSelectorWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewSelectorWithSource constructs a selector with a fixed random source.
func NewSelectorWithSource(src rand.Source) *Selector {
	return &Selector{rng: rand.New(src)}
}

// Select returns the chosen agent, or false when nobody is eligible. The
// excluded agent is skipped only while another eligible member remains.
func (s *Selector) Select(snap domain.QueueSnapshot, excluding *uuid.UUID) (domain.Selection, bool) {
	skip := excludedAgent(snap, excluding)

	switch snap.Queue.Policy {
	case domain.OrderingSequential:
		return s.sequential(snap, skip)
	case domain.OrderingRandom:
		return s.random(snap, skip)
	default:
		// Policies are validated on write; an unknown value routes to manual.
		return domain.Selection{}, false
	}
}

// Picker adapts the selector to the store's picker callback.
func (s *Selector) Picker(excluding *uuid.UUID) func(domain.QueueSnapshot) (domain.Selection, bool) {
	return func(snap domain.QueueSnapshot) (domain.Selection, bool) {
		return s.Select(snap, excluding)
	}
}

func (s *Selector) sequential(snap domain.QueueSnapshot, skip *uuid.UUID) (domain.Selection, bool) {
	n := len(snap.Members)
	if n == 0 {
		return domain.Selection{}, false
	}

	start := 0
	if cursor := snap.Queue.Cursor; cursor != nil {
		start = n
		for i, m := range snap.Members {
			if m.Position > *cursor {
				start = i
				break
			}
		}
		start %= n
	}

	for step := 0; step < n; step++ {
		m := snap.Members[(start+step)%n]
		if !snap.Eligible(m) || (skip != nil && m.AgentID == *skip) {
			continue
		}
		pos := m.Position
		return domain.Selection{AgentID: m.AgentID, Cursor: &pos}, true
	}
	return domain.Selection{}, false
}

func (s *Selector) random(snap domain.QueueSnapshot, skip *uuid.UUID) (domain.Selection, bool) {
	candidates := make([]uuid.UUID, 0, len(snap.Members))
	for _, m := range snap.Members {
		if !snap.Eligible(m) || (skip != nil && m.AgentID == *skip) {
			continue
		}
		candidates = append(candidates, m.AgentID)
	}
	if len(candidates) == 0 {
		return domain.Selection{}, false
	}

	s.mu.Lock()
	idx := s.rng.Intn(len(candidates))
	s.mu.Unlock()

	return domain.Selection{AgentID: candidates[idx]}, true
}

// excludedAgent returns the agent to skip, or nil when skipping it would leave
// nobody eligible (single-agent fallback).
func excludedAgent(snap domain.QueueSnapshot, excluding *uuid.UUID) *uuid.UUID {
	if excluding == nil {
		return nil
	}
	for _, m := range snap.Members {
		if m.AgentID != *excluding && snap.Eligible(m) {
			return excluding
		}
	}
	return nil
}
