package lead

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/queue"
	"github.com/acme/lead-routing/internal/repository/memory"
	"github.com/acme/lead-routing/internal/service/idempotency"
	queuesvc "github.com/acme/lead-routing/internal/service/queue"
	"github.com/acme/lead-routing/internal/service/selection"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

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

type fixture struct {
	svc      *Service
	store    *memory.Store
	queues   *queuesvc.Service
	timeline *memory.TimelineStore
	pub      *recordingPublisher
	clock    time.Time
}

func newFixture(t *testing.T, deduper Deduper) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{
		store:    store,
		queues:   queuesvc.NewService(store.Queues(), store.Memberships(), ""),
		timeline: memory.NewTimelineStore(),
		pub:      &recordingPublisher{},
		clock:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(store, store, f.queues, selection.NewSelectorWithSource(rand.NewSource(1)), Options{
		Deduper:   deduper,
		Publisher: f.pub,
		Timeline:  f.timeline,
		Region:    "BR",
	})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) queue(t *testing.T, origin string, agents int) (*domain.Queue, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	q, err := f.queues.Create(ctx, queuesvc.CreateQueueInput{
		Name: "Q " + origin, Origin: origin, Policy: "sequential", ResponseWindowSeconds: 90, MaxLeadsPerAgent: 2,
	})
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, agents)
	for i := 0; i < agents; i++ {
		a := &domain.Agent{ID: uuid.New(), Name: fmt.Sprintf("agent-%d", i), Active: true}
		require.NoError(t, f.store.Agents().Create(ctx, a))
		_, err := f.queues.AddMember(ctx, q.ID, a.ID)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	return q, ids
}

func intake(n int) IntakeInput {
	return IntakeInput{
		Name:   fmt.Sprintf("Lead %d", n),
		Phone:  fmt.Sprintf("(11) 91000-%04d", n),
		Origin: "site",
	}
}

func TestIntakeRotatesThroughQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, agents := f.queue(t, "site", 2)

	var got []uuid.UUID
	for i := 1; i <= 3; i++ {
		res, err := f.svc.Intake(ctx, intake(i))
		require.NoError(t, err)
		require.NotNil(t, res.AssignedAgentID)
		got = append(got, *res.AssignedAgentID)
	}
	assert.Equal(t, []uuid.UUID{agents[0], agents[1], agents[0]}, got)

	require.Len(t, f.pub.events, 3)
	assert.Equal(t, domain.EventAssigned, f.pub.events[0].Kind)
}

func TestIntakeStoresNormalizedPhone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.queue(t, "site", 1)

	res, err := f.svc.Intake(ctx, IntakeInput{Name: " Ana ", Phone: "(11) 91234-5678", Origin: " SITE "})
	require.NoError(t, err)

	status, err := f.svc.Status(ctx, res.LeadID)
	require.NoError(t, err)
	assert.Equal(t, "+5511912345678", status.Lead.Phone)
	assert.Equal(t, "Ana", status.Lead.Name)
	assert.Equal(t, "site", status.Lead.Origin)
	require.NotNil(t, status.Assignment)
	assert.Equal(t, domain.AssignmentPending, status.Assignment.Status)
	assert.Equal(t, f.clock.Add(90*time.Second), status.Assignment.Deadline)
}

func TestIntakeWithoutAgentsReturnsNullAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.queue(t, "site", 0)

	res, err := f.svc.Intake(ctx, intake(1))
	require.NoError(t, err)
	assert.Nil(t, res.AssignedAgentID)
	assert.Nil(t, res.AssignmentID)

	status, err := f.svc.Status(ctx, res.LeadID)
	require.NoError(t, err)
	assert.Nil(t, status.Assignment)
	assert.True(t, status.Lead.ManualRouting)
	assert.Equal(t, domain.ManualReasonNoEligibleAgent, status.Lead.ManualReason)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, domain.EventUnassigned, f.pub.events[0].Kind)
	assert.Nil(t, f.pub.events[0].NewAgentID)
}

func TestIntakeManualReasons(t *testing.T) {
	ctx := context.Background()

	t.Run("no queue for origin", func(t *testing.T) {
		f := newFixture(t, nil)
		res, err := f.svc.Intake(ctx, intake(1))
		require.NoError(t, err)
		assert.Nil(t, res.AssignedAgentID)

		status, err := f.svc.Status(ctx, res.LeadID)
		require.NoError(t, err)
		assert.Nil(t, status.Lead.QueueID)
		assert.Equal(t, domain.ManualReasonNoQueue, status.Lead.ManualReason)
	})

	t.Run("paused queue", func(t *testing.T) {
		f := newFixture(t, nil)
		q, _ := f.queue(t, "site", 2)
		_, err := f.queues.Pause(ctx, q.ID)
		require.NoError(t, err)

		res, err := f.svc.Intake(ctx, intake(1))
		require.NoError(t, err)
		assert.Nil(t, res.AssignedAgentID)

		status, err := f.svc.Status(ctx, res.LeadID)
		require.NoError(t, err)
		assert.Equal(t, q.ID, *status.Lead.QueueID)
		assert.Equal(t, domain.ManualReasonQueuePaused, status.Lead.ManualReason)
	})
}

func TestIntakeRejectsMalformedPayload(t *testing.T) {
	cases := map[string]IntakeInput{
		"missing name":   {Phone: "(11) 91234-5678", Origin: "site"},
		"missing phone":  {Name: "Ana", Origin: "site"},
		"invalid phone":  {Name: "Ana", Phone: "12", Origin: "site"},
		"letters phone":  {Name: "Ana", Phone: "call me", Origin: "site"},
		"missing origin": {Name: "Ana", Phone: "(11) 91234-5678", Origin: "   "},
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, nil)
			f.queue(t, "site", 0)

			_, err := f.svc.Intake(ctx, in)
			assert.ErrorIs(t, err, apperrors.ErrValidation)

			worklist, err := f.svc.ManualWorklist(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, worklist, "no lead is created")
			assert.Empty(t, f.pub.events)
		})
	}
}

func TestIntakeDeduplicatesRepeatedSubmissions(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, idempotency.NewGuard(client, "intake", 10*time.Minute))
	f.queue(t, "site", 2)

	first, err := f.svc.Intake(ctx, IntakeInput{Name: "Ana", Phone: "(11) 91234-5678", Origin: "site"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := f.svc.Intake(ctx, IntakeInput{Name: "Ana", Phone: "+55 11 91234-5678", Origin: "Site"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.LeadID, again.LeadID)
	assert.Equal(t, first.AssignedAgentID, again.AssignedAgentID)
	assert.Len(t, f.pub.events, 1)

	keyed, err := f.svc.Intake(ctx, IntakeInput{Name: "Ana", Phone: "(11) 91234-5678", Origin: "site", IdempotencyKey: "form-42"})
	require.NoError(t, err)
	assert.NotEqual(t, first.LeadID, keyed.LeadID, "an explicit key is its own identity")

	mr.FastForward(11 * time.Minute)
	later, err := f.svc.Intake(ctx, IntakeInput{Name: "Ana", Phone: "(11) 91234-5678", Origin: "site"})
	require.NoError(t, err)
	assert.False(t, later.Duplicate)
	assert.NotEqual(t, first.LeadID, later.LeadID)
}

func TestIntakeFreesDedupeKeyWhenResultCannotBeStored(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, idempotency.NewGuard(client, "intake", 10*time.Minute))
	f.queue(t, "site", 2)
	f.svc.encode = func(any) ([]byte, error) { return nil, fmt.Errorf("unsupported value") }

	first, err := f.svc.Intake(ctx, IntakeInput{Name: "Ana", Phone: "(11) 91234-5678", Origin: "site"})
	require.NoError(t, err)
	assert.NotNil(t, first.AssignedAgentID)

	again, err := f.svc.Intake(ctx, IntakeInput{Name: "Ana", Phone: "(11) 91234-5678", Origin: "site"})
	require.NoError(t, err, "the key must not stay in flight")
	assert.False(t, again.Duplicate)
	assert.NotEqual(t, first.LeadID, again.LeadID)
}

func TestFirstEngagementIsRecordedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.queue(t, "site", 1)

	res, err := f.svc.Intake(ctx, intake(1))
	require.NoError(t, err)
	require.NotNil(t, res.AssignmentID)

	viewedAt := f.clock.Add(30 * time.Second)
	f.clock = viewedAt
	viewed, err := f.svc.MarkViewed(ctx, *res.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentViewed, viewed.Status)

	f.clock = viewedAt.Add(20 * time.Second)
	responded, err := f.svc.MarkResponded(ctx, *res.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentResponded, responded.Status)

	_, err = f.svc.MarkViewed(ctx, *res.AssignmentID)
	require.NoError(t, err, "viewing a responded lead is harmless")

	status, err := f.svc.Status(ctx, res.LeadID)
	require.NoError(t, err)
	require.NotNil(t, status.Lead.FirstEngagementAt)
	assert.Equal(t, viewedAt, *status.Lead.FirstEngagementAt)

	_, err = f.svc.MarkViewed(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMoveStageToTerminalReleasesAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	q, agents := f.queue(t, "site", 1)

	res, err := f.svc.Intake(ctx, intake(1))
	require.NoError(t, err)

	occ, err := f.svc.Occupancy(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, agents[0], occ[0].AgentID)
	assert.Equal(t, 1, occ[0].OpenAssignments)

	_, err = f.svc.MoveStage(ctx, res.LeadID, "negotiating")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	lead, err := f.svc.MoveStage(ctx, res.LeadID, "Won")
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStageWon, lead.Stage)

	status, err := f.svc.Status(ctx, res.LeadID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentCancelled, status.Assignment.Status)

	occ, err = f.svc.Occupancy(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, occ[0].OpenAssignments)

	_, err = f.svc.MarkResponded(ctx, *res.AssignmentID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCapacityIsNeverExceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	q, _ := f.queue(t, "site", 2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.Intake(ctx, intake(n))
			assert.NoError(t, err)
		}(i + 1)
	}
	wg.Wait()

	occ, err := f.svc.Occupancy(ctx, q.ID)
	require.NoError(t, err)
	for _, o := range occ {
		assert.Equal(t, 2, o.OpenAssignments)
	}

	worklist, err := f.svc.ManualWorklist(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, worklist, 16)
}

func TestRepiqueHistoryRequiresLead(t *testing.T) {
	_, err := newFixture(t, nil).svc.RepiqueHistory(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTimelinePages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	leadID := uuid.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.timeline.Append(ctx, domain.TimelineEntry{
			LeadID:     leadID,
			EventID:    uuid.New(),
			Kind:       domain.EventAssigned,
			OccurredAt: f.clock.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, token, err := f.svc.Timeline(ctx, leadID, 2, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, token)

	rest, token, err := f.svc.Timeline(ctx, leadID, 2, token)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Empty(t, token)
	assert.True(t, rest[0].OccurredAt.After(page[1].OccurredAt))

	_, _, err = f.svc.Timeline(ctx, leadID, 2, "%%%")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
