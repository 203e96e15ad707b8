package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository/memory"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	clock time.Time
}

func newFixture() *fixture {
	store := memory.NewStore()
	f := &fixture{store: store, clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewService(store.Queues(), store.Memberships(), "general")
	f.svc.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func (f *fixture) agent(t *testing.T) uuid.UUID {
	t.Helper()
	a := &domain.Agent{ID: uuid.New(), Name: "agent", Active: true}
	require.NoError(t, f.store.Agents().Create(context.Background(), a))
	return a.ID
}

func validInput() CreateQueueInput {
	return CreateQueueInput{Name: "Portal", Origin: "zap", Policy: "sequential", ResponseWindowSeconds: 90, MaxLeadsPerAgent: 3}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*CreateQueueInput){
		"blank name":      func(in *CreateQueueInput) { in.Name = "  " },
		"blank origin":    func(in *CreateQueueInput) { in.Origin = "" },
		"unknown policy":  func(in *CreateQueueInput) { in.Policy = "weighted" },
		"zero window":     func(in *CreateQueueInput) { in.ResponseWindowSeconds = 0 },
		"negative window": func(in *CreateQueueInput) { in.ResponseWindowSeconds = -5 },
		"zero capacity":   func(in *CreateQueueInput) { in.MaxLeadsPerAgent = 0 },
		"huge capacity":   func(in *CreateQueueInput) { in.MaxLeadsPerAgent = 1 << 40 },
		"window > 30d":    func(in *CreateQueueInput) { in.ResponseWindowSeconds = 30*24*3600 + 1 },
		"overflow window": func(in *CreateQueueInput) { in.ResponseWindowSeconds = 10_000_000_000 },
		"missing policy":  func(in *CreateQueueInput) { in.Policy = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			in := validInput()
			mutate(&in)

			_, err := f.svc.Create(context.Background(), in)
			assert.ErrorIs(t, err, apperrors.ErrValidation)

			all, err := f.svc.List(context.Background(), nil, 10)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestCreateNormalizesPolicyAndOrigin(t *testing.T) {
	f := newFixture()
	in := validInput()
	in.Policy = " Random "
	in.Origin = " ZAP "

	q, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderingRandom, q.Policy)
	assert.Equal(t, "zap", q.Origin)
	assert.Equal(t, domain.QueueStatusActive, q.Status)
	assert.Nil(t, q.Cursor)
}

func TestUpdateLeavesQueueUnchangedOnRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	q, err := f.svc.Create(ctx, validInput())
	require.NoError(t, err)

	zero := 0
	_, err = f.svc.Update(ctx, UpdateQueueInput{ID: q.ID, MaxLeadsPerAgent: &zero})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	bad := "fifo"
	_, err = f.svc.Update(ctx, UpdateQueueInput{ID: q.ID, Policy: &bad})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	huge := 10_000_000_000
	_, err = f.svc.Update(ctx, UpdateQueueInput{ID: q.ID, ResponseWindowSeconds: &huge})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	stored, err := f.svc.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Config.MaxLeadsPerAgent)
	assert.Equal(t, 90, stored.Config.ResponseWindowSeconds)
	assert.Equal(t, domain.OrderingSequential, stored.Policy)

	window := 120
	updated, err := f.svc.Update(ctx, UpdateQueueInput{ID: q.ID, ResponseWindowSeconds: &window})
	require.NoError(t, err)
	assert.Equal(t, 120, updated.Config.ResponseWindowSeconds)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	q, err := f.svc.Create(ctx, validInput())
	require.NoError(t, err)

	paused, err := f.svc.Pause(ctx, q.ID)
	require.NoError(t, err)
	assert.False(t, paused.AcceptsAssignments())

	resumed, err := f.svc.Resume(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, resumed.AcceptsAssignments())

	_, err = f.svc.Pause(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMembershipLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	q, err := f.svc.Create(ctx, validInput())
	require.NoError(t, err)
	a, b, c := f.agent(t), f.agent(t), f.agent(t)

	for i, id := range []uuid.UUID{a, b, c} {
		m, err := f.svc.AddMember(ctx, q.ID, id)
		require.NoError(t, err)
		assert.Equal(t, i, m.Position)
	}

	_, err = f.svc.AddMember(ctx, q.ID, a)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	require.NoError(t, f.svc.RemoveMember(ctx, q.ID, b))
	assert.ErrorIs(t, f.svc.RemoveMember(ctx, q.ID, b), apperrors.ErrNotFound)

	readded, err := f.svc.AddMember(ctx, q.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 3, readded.Position)
	assert.True(t, readded.Active)

	members, err := f.svc.ReorderMembers(ctx, q.ID, []uuid.UUID{c, b, a})
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, []uuid.UUID{c, b, a}, []uuid.UUID{members[0].AgentID, members[1].AgentID, members[2].AgentID})

	_, err = f.svc.ReorderMembers(ctx, q.ID, []uuid.UUID{c, a})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReorderRequiresSequentialQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	in := validInput()
	in.Policy = "random"
	q, err := f.svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.ReorderMembers(ctx, q.ID, nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRemovingCursorHolderContinuesWithNextMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	q, err := f.svc.Create(ctx, validInput())
	require.NoError(t, err)
	a, b, c := f.agent(t), f.agent(t), f.agent(t)
	for _, id := range []uuid.UUID{a, b, c} {
		_, err := f.svc.AddMember(ctx, q.ID, id)
		require.NoError(t, err)
	}

	// Serve a then b so the cursor sits on b.
	lead := func() uuid.UUID {
		l := &domain.Lead{ID: uuid.New(), Name: "x", Phone: "+5511912345678", Origin: "zap"}
		pick := func(snap domain.QueueSnapshot) (domain.Selection, bool) {
			start := 0
			if snap.Queue.Cursor != nil {
				start = *snap.Queue.Cursor + 1
			}
			m := snap.Members[start%len(snap.Members)]
			pos := m.Position
			return domain.Selection{AgentID: m.AgentID, Cursor: &pos}, true
		}
		as, err := f.store.CreateLead(ctx, l, &q.ID, pick, f.clock)
		require.NoError(t, err)
		return as.AgentID
	}
	assert.Equal(t, a, lead())
	assert.Equal(t, b, lead())

	require.NoError(t, f.svc.RemoveMember(ctx, q.ID, b))
	stored, err := f.svc.Get(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Cursor)
	assert.Equal(t, 0, *stored.Cursor, "cursor moves back to a so c is next")
}

func TestResolveByOrigin(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	none, err := f.svc.ResolveByOrigin(ctx, "zap")
	require.NoError(t, err)
	assert.Nil(t, none)

	general := validInput()
	general.Origin = "general"
	fallback, err := f.svc.Create(ctx, general)
	require.NoError(t, err)

	first, err := f.svc.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, validInput())
	require.NoError(t, err)

	got, err := f.svc.ResolveByOrigin(ctx, " Zap ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "oldest queue of the origin wins")

	got, err = f.svc.ResolveByOrigin(ctx, "facebook")
	require.NoError(t, err)
	assert.Equal(t, fallback.ID, got.ID)
}
