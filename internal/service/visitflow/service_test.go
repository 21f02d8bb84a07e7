package visitflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	"github.com/jwalitptl/clinic-flow/internal/repository/memory"
	"github.com/jwalitptl/clinic-flow/internal/service/notify"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

func TestCheckInEnqueueAssignNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.checkIn(t, "P1", model.PriorityNormal)
	assert.Equal(t, model.VisitStateCheckedIn, s.State)
	assert.Equal(t, "2024-03-01", s.VisitDay)

	s, err := f.svc.Transition(ctx, s.ID, Event{Type: EventEnqueue}, staff, nil)
	require.NoError(t, err)
	assert.Equal(t, model.VisitStateQueued, s.State)

	rec := f.login(t, "C1")
	assert.Equal(t, model.AvailabilityOnline, rec.State)

	got, err := f.svc.AssignNext(ctx, "C1", clinician("C1"))
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, model.VisitStateStarted, got.State)

	c1 := f.clinician(t, "C1")
	assert.Equal(t, model.AvailabilityBusy, c1.State)
	require.NotNil(t, c1.CurrentVisitRef)
	assert.Equal(t, s.ID, *c1.CurrentVisitRef)
	f.requireConsistent(t)
}

func TestCompleteReleasesClinician(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.queued(t, "P1", model.PriorityNormal)
	f.login(t, "C1")
	_, err := f.svc.AssignNext(ctx, "C1", clinician("C1"))
	require.NoError(t, err)

	done, err := f.svc.Transition(ctx, s.ID, Event{Type: EventComplete}, clinician("C1"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.VisitStateCompleted, done.State)
	assert.NotNil(t, done.CompletedAt)

	c1 := f.clinician(t, "C1")
	assert.Equal(t, model.AvailabilityOnline, c1.State)
	assert.Nil(t, c1.CurrentVisitRef)
	f.requireConsistent(t)
}

func TestDuplicateCheckInReturnsExistingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.checkIn(t, "P1", model.PriorityNormal)
	f.clock.Advance(2 * time.Hour)

	_, err := f.svc.CheckIn(ctx, model.CheckInRequest{PatientRef: "P1", ServiceType: "vaccination"}, staff)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrDuplicateActiveVisit))
	assert.Equal(t, "already checked in", err.Error())

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, first.ID.String(), appErr.Details["existing_session_id"])
}

func TestCheckInAllowedAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.checkIn(t, "P1", model.PriorityNormal)
	_, err := f.svc.Transition(ctx, first.ID, Event{Type: EventCancel}, staff, nil)
	require.NoError(t, err)
	second := f.checkIn(t, "P1", model.PriorityNormal)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.svc.Transition(ctx, second.ID, Event{Type: EventCancel}, staff, nil)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	third := f.checkIn(t, "P1", model.PriorityNormal)
	assert.Equal(t, "2024-03-02", third.VisitDay)
}

func TestCheckInRejectedWhileEarlierDayVisitActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.checkIn(t, "P1", model.PriorityNormal)
	_, err := f.svc.Transition(ctx, first.ID, Event{Type: EventEnqueue}, staff, nil)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.CheckIn(ctx, model.CheckInRequest{PatientRef: "P1", ServiceType: "general"}, staff)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrDuplicateActiveVisit))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, first.ID.String(), appErr.Details["existing_session_id"])

	live, err := f.store.Sessions().List(ctx, model.SessionFilter{
		PatientRef: "P1",
		States:     model.ActiveVisitStates,
	})
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestConcurrentDuplicateCheckInsOnlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.CheckIn(ctx, model.CheckInRequest{PatientRef: "P1", ServiceType: "general"}, staff)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperrors.IsCode(err, apperrors.ErrDuplicateActiveVisit))
	}
	assert.Equal(t, 1, ok)
}

func TestCheckInValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CheckIn(ctx, model.CheckInRequest{PatientRef: " ", ServiceType: "general"}, staff)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))

	_, err = f.svc.CheckIn(ctx, model.CheckInRequest{PatientRef: "P1", ServiceType: "general", Priority: "urgent"}, staff)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))

	s, err := f.svc.CheckIn(ctx, model.CheckInRequest{PatientRef: "P1", ServiceType: "general"}, staff)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, s.Priority)
}

func TestVisitDayUsesClinicTimeZone(t *testing.T) {
	f := newFixture(t)
	loc := time.FixedZone("clinic", -5*60*60)
	f.svc.location = loc

	// 02:00 UTC is still the previous evening in the clinic.
	f.clock.Set(time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC))
	s := f.checkIn(t, "P1", model.PriorityNormal)
	assert.Equal(t, "2024-03-01", s.VisitDay)
}

func TestTwoClinicianRaceOnSingleQueuedVisit(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		f.queued(t, "P1", model.PriorityNormal)
		f.login(t, "C1")
		f.login(t, "C2")

		var wg sync.WaitGroup
		errs := make(map[string]error)
		var mu sync.Mutex
		for _, ref := range []string{"C1", "C2"} {
			wg.Add(1)
			go func(ref string) {
				defer wg.Done()
				_, err := f.svc.AssignNext(ctx, ref, clinician(ref))
				mu.Lock()
				errs[ref] = err
				mu.Unlock()
			}(ref)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.True(t, apperrors.IsCode(err, apperrors.ErrNoWaitingVisits), err.Error())
		}
		require.Equal(t, 1, winners)
		f.requireConsistent(t)
	}
}

func TestAssignNextOrdersByPriorityThenArrival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	normal := f.queued(t, "P1", model.PriorityNormal)
	f.clock.Advance(time.Minute)
	priority := f.queued(t, "P2", model.PriorityPriority)
	f.clock.Advance(time.Minute)
	emergency := f.queued(t, "P3", model.PriorityEmergency)

	var order []uuid.UUID
	for _, ref := range []string{"C1", "C2", "C3"} {
		f.login(t, ref)
		s, err := f.svc.AssignNext(ctx, ref, clinician(ref))
		require.NoError(t, err)
		order = append(order, s.ID)
	}
	assert.Equal(t, []uuid.UUID{emergency.ID, priority.ID, normal.ID}, order)

	f.login(t, "C4")
	_, err := f.svc.AssignNext(ctx, "C4", clinician("C4"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrNoWaitingVisits))
	assert.Equal(t, "no waiting visits", err.Error())
}

func TestAssignNextRequiresOnlineClinician(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "P1", model.PriorityNormal)

	_, err := f.svc.AssignNext(ctx, "ghost", clinician("ghost"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrIllegalTransition))

	f.login(t, "C1")
	_, err = f.svc.SetStatus(ctx, "C1", model.SetStatusRequest{Status: model.AvailabilityBusy, Admin: true}, clinician("C1"))
	require.NoError(t, err)
	_, err = f.svc.AssignNext(ctx, "C1", clinician("C1"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrIllegalTransition))
}

func TestTransitionWithExpectedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.checkIn(t, "P1", model.PriorityNormal)

	stale := s.Version + 1
	_, err := f.svc.Transition(ctx, s.ID, Event{Type: EventEnqueue}, staff, &stale)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrStaleWrite))

	current := s.Version
	out, err := f.svc.Transition(ctx, s.ID, Event{Type: EventEnqueue}, staff, &current)
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, out.Version)
}

func TestTransitionRejectsForceReapFromPeople(t *testing.T) {
	f := newFixture(t)
	s := f.queued(t, "P1", model.PriorityNormal)

	_, err := f.svc.Transition(context.Background(), s.ID, Event{Type: EventForceReap}, staff, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrForbidden))
}

func TestIllegalTransitionLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.checkIn(t, "P1", model.PriorityNormal)

	_, err := f.svc.Transition(ctx, s.ID, Event{Type: EventComplete}, staff, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrIllegalTransition))

	got := f.session(t, s.ID)
	assert.Equal(t, model.VisitStateCheckedIn, got.State)
	assert.Equal(t, s.Version, got.Version)
}

func TestManualAssignAndTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.queued(t, "P1", model.PriorityNormal)
	f.login(t, "C1")
	f.login(t, "C2")

	_, err := f.svc.Assign(ctx, s.ID, "C1", staff)
	require.NoError(t, err)

	moved, err := f.svc.Transition(ctx, s.ID, Event{Type: EventTransfer, ClinicianRef: "C2"}, staff, nil)
	require.NoError(t, err)
	assert.Equal(t, "C2", moved.ClinicianRef())
	assert.Equal(t, model.AvailabilityOnline, f.clinician(t, "C1").State)
	assert.Equal(t, model.AvailabilityBusy, f.clinician(t, "C2").State)
	f.requireConsistent(t)

	_, err = f.svc.Assign(ctx, s.ID, "C1", staff)
	require.Error(t, err)
	assert.Equal(t, "visit is no longer available", err.Error())
}

// racingStore lets another writer commit just before the first commit it
// sees.
type racingStore struct {
	*memory.Store
	once   sync.Once
	before func()
}

func (r *racingStore) Commit(ctx context.Context, cs *repository.ChangeSet) error {
	r.once.Do(r.before)
	return r.Store.Commit(ctx, cs)
}

func TestManualAssignLoserSeesVisitNoLongerAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.queued(t, "P1", model.PriorityNormal)
	f.login(t, "C1")
	f.login(t, "C2")

	racing := &racingStore{Store: f.store}
	racing.before = func() {
		_, err := f.svc.Assign(ctx, s.ID, "C2", staff)
		require.NoError(t, err)
	}
	deps := f.deps
	deps.Store = racing
	loser := NewService(deps)

	_, err := loser.Assign(ctx, s.ID, "C1", staff)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrStaleWrite))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "visit is no longer available", appErr.Message)

	got := f.session(t, s.ID)
	assert.Equal(t, "C2", got.ClinicianRef())
	assert.Equal(t, model.AvailabilityOnline, f.clinician(t, "C1").State)
	f.requireConsistent(t)
}

func TestDischargeFreesClinician(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.queued(t, "P1", model.PriorityNormal)
	f.login(t, "C1")
	_, err := f.svc.AssignNext(ctx, "C1", clinician("C1"))
	require.NoError(t, err)

	out, err := f.svc.Transition(ctx, s.ID, Event{Type: EventDischarge, Reason: "referred to hospital"}, staff, nil)
	require.NoError(t, err)
	assert.Equal(t, model.VisitStateTransferred, out.State)
	assert.Equal(t, model.AvailabilityOnline, f.clinician(t, "C1").State)

	// the patient may check in again the same day
	f.checkIn(t, "P1", model.PriorityNormal)
}

func TestListActiveIsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.checkIn(t, "P1", model.PriorityNormal)
	f.checkIn(t, "P2", model.PriorityNormal)

	it, err := f.svc.ListActive(ctx, model.SessionFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, it.Len())

	_, err = f.svc.Transition(ctx, a.ID, Event{Type: EventCancel}, staff, nil)
	require.NoError(t, err)

	var states []model.VisitState
	for it.Next() {
		states = append(states, it.Session().State)
	}
	assert.Equal(t, []model.VisitState{model.VisitStateCheckedIn, model.VisitStateCheckedIn}, states)

	fresh, err := f.svc.ListActive(ctx, model.SessionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Len())

	_, err = f.svc.ListActive(ctx, model.SessionFilter{States: []model.VisitState{"paused"}})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))
}

func TestListQueueResolvesNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "P2", model.PriorityNormal)
	f.queued(t, "P1", model.PriorityEmergency)

	entries, err := f.svc.ListQueue(ctx, QueueFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, "P1", entries[0].Session.PatientRef)
	assert.Equal(t, "Ada L.", entries[0].PatientName)
	assert.Equal(t, "", entries[1].PatientName)
}

func TestChangesAreAuditedAndPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.hub.Subscribe(notify.TopicSessions)
	defer sub.Close()

	s := f.queued(t, "P1", model.PriorityNormal)
	f.login(t, "C1")
	_, err := f.svc.AssignNext(ctx, "C1", clinician("C1"))
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, s.ID, Event{Type: EventComplete}, clinician("C1"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		model.AuditActionCheckIn,
		"session.enqueue",
		model.AuditActionLogin,
		"session.assign",
		"session.complete",
	}, f.audit.actions())
	assert.Len(t, sub.C, 4)
}
