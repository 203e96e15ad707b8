package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
)

// TimelineStore keeps lead histories in memory, keyed like the Scylla table.
type TimelineStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]domain.TimelineEntry
}

var _ repository.TimelineStore = (*TimelineStore)(nil)

// NewTimelineStore constructs an empty timeline.
func NewTimelineStore() *TimelineStore {
	return &TimelineStore{entries: make(map[uuid.UUID][]domain.TimelineEntry)}
}

// Append inserts the entry; an entry with a known event id replaces the old one.
func (s *TimelineStore) Append(_ context.Context, entry domain.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[entry.LeadID]
	for i := range list {
		if list[i].EventID == entry.EventID {
			list[i] = entry
			return nil
		}
	}
	list = append(list, entry)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].OccurredAt.Equal(list[j].OccurredAt) {
			return lessUUID(list[i].EventID, list[j].EventID)
		}
		return list[i].OccurredAt.Before(list[j].OccurredAt)
	})
	s.entries[entry.LeadID] = list
	return nil
}

// ListByLead pages in chronological order. The paging state is the offset of
// the next entry.
func (s *TimelineStore) ListByLead(_ context.Context, leadID uuid.UUID, limit int, pagingState []byte) ([]domain.TimelineEntry, []byte, error) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if len(pagingState) > 0 {
		n, err := strconv.Atoi(string(pagingState))
		if err != nil || n < 0 {
			return nil, nil, validation("invalid paging state")
		}
		offset = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[leadID]
	if offset >= len(list) {
		return []domain.TimelineEntry{}, nil, nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	page := append([]domain.TimelineEntry(nil), list[offset:end]...)
	if end == len(list) {
		return page, nil, nil
	}
	return page, []byte(strconv.Itoa(end)), nil
}
