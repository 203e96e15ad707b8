package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/queue"
	"github.com/acme/lead-routing/internal/repository/memory"
)

type failingStore struct{}

func (failingStore) Append(context.Context, domain.TimelineEntry) error {
	return errors.New("no hosts available")
}

func (failingStore) ListByLead(context.Context, uuid.UUID, int, []byte) ([]domain.TimelineEntry, []byte, error) {
	return nil, nil, nil
}

type flakyStore struct {
	*memory.TimelineStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Append(ctx context.Context, entry domain.TimelineEntry) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("no hosts available")
	}
	s.mu.Unlock()
	return s.TimelineStore.Append(ctx, entry)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func encode(t *testing.T, evt queue.AssignmentEvent) kafka.Message {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return kafka.Message{Value: body}
}

func TestHandleAppendsEventOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTimelineStore()
	w := New(nil, store, "leads.assignments", nil, nil)

	lead := domain.Lead{ID: uuid.New(), CreatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	a := domain.Assignment{ID: uuid.New(), AgentID: uuid.New()}
	evt := queue.AssignedEvent(lead, &a)

	assert.True(t, w.handle(ctx, encode(t, evt)))
	assert.True(t, w.handle(ctx, encode(t, evt)), "redelivery is harmless")

	entries, _, err := store.ListByLead(ctx, lead.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EventAssigned, entries[0].Kind)
	assert.Equal(t, a.AgentID, *entries[0].NewAgentID)
	assert.True(t, entries[0].OccurredAt.Equal(lead.CreatedAt))
}

func TestHandleSkipsPoisonAndKeepsFailedAppends(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New(nil, memory.NewTimelineStore(), "t", nil, nil).handle(ctx, kafka.Message{Value: []byte("{")}))

	w := New(nil, failingStore{}, "t", nil, nil)
	evt := queue.AssignedEvent(domain.Lead{ID: uuid.New()}, nil)
	assert.False(t, w.handle(ctx, encode(t, evt)))
}

func TestRunRetriesFailedAppendBeforeCommitting(t *testing.T) {
	first := queue.AssignedEvent(domain.Lead{ID: uuid.New()}, nil)
	second := queue.AssignedEvent(domain.Lead{ID: uuid.New()}, nil)
	m1, m2 := encode(t, first), encode(t, second)
	m1.Offset, m2.Offset = 1, 2

	reader := &fakeReader{pending: []kafka.Message{m1, m2}}
	store := &flakyStore{TimelineStore: memory.NewTimelineStore(), failures: 2}
	w := New(reader, store, "leads.assignments", nil, nil)
	w.consumer.WithDelays(time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []int64{1, 2}, reader.commits())

	for _, evt := range []queue.AssignmentEvent{first, second} {
		entries, _, err := store.ListByLead(context.Background(), evt.LeadID, 10, nil)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}
}
