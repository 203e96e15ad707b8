package repique

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-routing/internal/config"
	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/queue"
	"github.com/acme/lead-routing/internal/repository"
	"github.com/acme/lead-routing/internal/repository/memory"
	"github.com/acme/lead-routing/internal/service/selection"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

var fastRetry = config.RedistributionConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.AssignmentEvent
}

func (p *recordingPublisher) PublishAssignment(_ context.Context, msg queue.AssignmentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg)
	return nil
}

type flakyStore struct {
	repository.AssignmentStore
	failures int
	calls    int
}

func (f *flakyStore) Redistribute(ctx context.Context, expired domain.Assignment, pick repository.Picker, now time.Time) (*domain.Redistribution, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.AssignmentStore.Redistribute(ctx, expired, pick, now)
}

type env struct {
	store    *memory.Store
	selector *selection.Selector
	queue    domain.Queue
	t0       time.Time
}

func newEnv(t *testing.T, agents int) (*env, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	e := &env{
		store:    memory.NewStore(),
		selector: selection.NewSelectorWithSource(rand.NewSource(7)),
		t0:       time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	e.queue = domain.Queue{
		ID:     uuid.New(),
		Name:   "Q",
		Origin: "site",
		Policy: domain.OrderingSequential,
		Status: domain.QueueStatusActive,
		Config: domain.QueueConfig{ResponseWindowSeconds: 90, MaxLeadsPerAgent: 10},
	}
	require.NoError(t, e.store.Queues().Create(ctx, &e.queue))

	ids := make([]uuid.UUID, 0, agents)
	for i := 0; i < agents; i++ {
		a := &domain.Agent{ID: uuid.New(), Name: string(rune('A' + i)), Active: true}
		require.NoError(t, e.store.Agents().Create(ctx, a))
		_, err := e.store.Memberships().Add(ctx, e.queue.ID, a.ID, e.t0)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	return e, ids
}

func (e *env) newLead(t *testing.T, at time.Time) (*domain.Lead, *domain.Assignment) {
	t.Helper()
	lead := &domain.Lead{ID: uuid.New(), Name: "L1", Phone: "+5511912345678", Origin: "site"}
	a, err := e.store.CreateLead(context.Background(), lead, &e.queue.ID, e.selector.Picker(nil), at)
	require.NoError(t, err)
	return lead, a
}

func (e *env) expire(t *testing.T, a *domain.Assignment, at time.Time) domain.Assignment {
	t.Helper()
	outcome, err := e.store.Expire(context.Background(), a.ID, at)
	require.NoError(t, err)
	require.Equal(t, domain.ExpiryExpired, outcome)
	got, err := e.store.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	return *got
}

func TestScenarioExpiredLeadMovesToNextAgentThenFallsBack(t *testing.T) {
	ctx := context.Background()
	e, agents := newEnv(t, 2)
	a, b := agents[0], agents[1]
	pub := &recordingPublisher{}
	r := NewRedistributor(e.store, e.store, e.selector, pub, nil, nil, fastRetry)

	lead, first := e.newLead(t, e.t0)
	require.NotNil(t, first)
	assert.Equal(t, a, first.AgentID)
	assert.Equal(t, e.t0.Add(90*time.Second), first.Deadline)

	t1 := e.t0.Add(91 * time.Second)
	res, err := r.Redistribute(ctx, e.expire(t, first, t1), t1)
	require.NoError(t, err)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, b, res.Assignment.AgentID)
	assert.Equal(t, t1.Add(90*time.Second), res.Assignment.Deadline)
	assert.Equal(t, first.ID, *res.Assignment.PredecessorID)
	assert.Equal(t, 1, res.Event.ResultingRepiqueCount)

	t2 := t1.Add(91 * time.Second)
	res2, err := r.Redistribute(ctx, e.expire(t, res.Assignment, t2), t2)
	require.NoError(t, err)
	require.NotNil(t, res2.Assignment)
	assert.Equal(t, a, res2.Assignment.AgentID, "excluding B leaves only A")

	stored, err := e.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RepiqueCount)
	assert.False(t, stored.ManualRouting)

	events, err := e.store.ListRepiqueEvents(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []int{1, 2}, []int{events[0].ResultingRepiqueCount, events[1].ResultingRepiqueCount})

	require.Len(t, pub.events, 2)
	for _, evt := range pub.events {
		assert.Equal(t, domain.EventReassigned, evt.Kind)
	}
	assert.Equal(t, a, *pub.events[0].OldAgentID)
	assert.Equal(t, b, *pub.events[0].NewAgentID)
	assert.Equal(t, 1, pub.events[0].RepiqueCount)
}

func TestSingleEligibleAgentIsReselected(t *testing.T) {
	ctx := context.Background()
	e, agents := newEnv(t, 1)
	r := NewRedistributor(e.store, e.store, e.selector, nil, nil, nil, fastRetry)

	_, first := e.newLead(t, e.t0)
	at := e.t0.Add(2 * time.Minute)
	res, err := r.Redistribute(ctx, e.expire(t, first, at), at)
	require.NoError(t, err)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, agents[0], res.Assignment.AgentID)
}

func TestRedistributeTwiceYieldsOneEvent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEnv(t, 3)
	pub := &recordingPublisher{}
	r := NewRedistributor(e.store, e.store, e.selector, pub, nil, nil, fastRetry)

	lead, first := e.newLead(t, e.t0)
	at := e.t0.Add(2 * time.Minute)
	expired := e.expire(t, first, at)

	res1, err := r.Redistribute(ctx, expired, at)
	require.NoError(t, err)
	res2, err := r.Redistribute(ctx, expired, at.Add(time.Second))
	require.NoError(t, err)

	assert.False(t, res1.Duplicate)
	assert.True(t, res2.Duplicate)
	assert.Equal(t, res1.Event.ID, res2.Event.ID)
	assert.Equal(t, res1.Assignment.ID, res2.Assignment.ID)

	events, err := e.store.ListRepiqueEvents(ctx, lead.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Len(t, pub.events, 1)

	stored, err := e.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RepiqueCount)
}

func TestNoEligibleAgentFlagsManual(t *testing.T) {
	ctx := context.Background()
	e, agents := newEnv(t, 2)
	pub := &recordingPublisher{}
	r := NewRedistributor(e.store, e.store, e.selector, pub, nil, nil, fastRetry)

	lead, first := e.newLead(t, e.t0)
	for _, id := range agents {
		require.NoError(t, e.store.Agents().SetActive(ctx, id, false, e.t0))
	}

	at := e.t0.Add(2 * time.Minute)
	res, err := r.Redistribute(ctx, e.expire(t, first, at), at)
	require.NoError(t, err)
	assert.Nil(t, res.Assignment)
	assert.Nil(t, res.Event.NewAgentID)
	assert.Equal(t, 1, res.Event.ResultingRepiqueCount)

	stored, err := e.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, stored.ManualRouting)
	assert.Equal(t, domain.ManualReasonNoEligibleAgent, stored.ManualReason)

	worklist, err := e.store.ListManual(ctx, 10)
	require.NoError(t, err)
	require.Len(t, worklist, 1)
	assert.Equal(t, lead.ID, worklist[0].ID)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventUnassigned, pub.events[0].Kind)
}

func TestClosedLeadIsSkipped(t *testing.T) {
	ctx := context.Background()
	e, _ := newEnv(t, 2)
	pub := &recordingPublisher{}
	r := NewRedistributor(e.store, e.store, e.selector, pub, nil, nil, fastRetry)

	lead, first := e.newLead(t, e.t0)
	at := e.t0.Add(2 * time.Minute)
	expired := e.expire(t, first, at)
	require.NoError(t, e.store.MoveStage(ctx, lead.ID, domain.LeadStageLost, at))

	res, err := r.Redistribute(ctx, expired, at)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, pub.events)

	events, err := e.store.ListRepiqueEvents(ctx, lead.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	e, agents := newEnv(t, 2)
	flaky := &flakyStore{AssignmentStore: e.store, failures: 2}
	r := NewRedistributor(flaky, e.store, e.selector, nil, nil, nil, fastRetry)

	_, first := e.newLead(t, e.t0)
	at := e.t0.Add(2 * time.Minute)
	res, err := r.Redistribute(ctx, e.expire(t, first, at), at)
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, agents[1], res.Assignment.AgentID)
}

func TestExhaustedRetriesFlagLeadAndLeaveOrphan(t *testing.T) {
	ctx := context.Background()
	e, _ := newEnv(t, 2)
	flaky := &flakyStore{AssignmentStore: e.store, failures: 100}
	r := NewRedistributor(flaky, e.store, e.selector, nil, nil, nil, fastRetry)

	lead, first := e.newLead(t, e.t0)
	at := e.t0.Add(2 * time.Minute)
	expired := e.expire(t, first, at)

	_, err := r.Redistribute(ctx, expired, at)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Equal(t, fastRetry.MaxAttempts, flaky.calls)

	stored, err := e.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, stored.ManualRouting)
	assert.Equal(t, domain.ManualReasonRedistributionFailed, stored.ManualReason)

	orphans, err := e.store.ListOrphaned(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, expired.ID, orphans[0].ID)

	// A later attempt against a healthy store clears the flag.
	healthy := NewRedistributor(e.store, e.store, e.selector, nil, nil, nil, fastRetry)
	res, err := healthy.Redistribute(ctx, orphans[0], at.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, res.Assignment)

	stored, err = e.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.False(t, stored.ManualRouting)
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	e, _ := newEnv(t, 2)
	flaky := &flakyStore{AssignmentStore: e.store}
	r := NewRedistributor(flaky, e.store, e.selector, nil, nil, nil, fastRetry)

	_, first := e.newLead(t, e.t0)
	_, err := r.Redistribute(ctx, *first, e.t0.Add(time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 1, flaky.calls)
}

func TestPausedQueueReportsPausedReason(t *testing.T) {
	ctx := context.Background()
	e, _ := newEnv(t, 2)
	pub := &recordingPublisher{}
	r := NewRedistributor(e.store, e.store, e.selector, pub, nil, nil, fastRetry)

	lead, first := e.newLead(t, e.t0)
	require.NoError(t, e.store.Queues().UpdateStatus(ctx, e.queue.ID, domain.QueueStatusPaused))

	at := e.t0.Add(2 * time.Minute)
	res, err := r.Redistribute(ctx, e.expire(t, first, at), at)
	require.NoError(t, err)
	assert.Nil(t, res.Assignment)
	assert.Equal(t, domain.ManualReasonQueuePaused, res.ManualReason)

	stored, err := e.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ManualReasonQueuePaused, stored.ManualReason)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventUnassigned, pub.events[0].Kind)
	assert.Equal(t, domain.ManualReasonQueuePaused, pub.events[0].Reason)
}
