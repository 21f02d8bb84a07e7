package worker

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
	"github.com/jwalitptl/clinic-flow/internal/service/visitflow"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type auditLog struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *auditLog) Record(_ context.Context, e model.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditLog) byActor(actor string) []model.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.AuditEvent
	for _, e := range a.events {
		if e.Actor == actor {
			out = append(out, e)
		}
	}
	return out
}

// failingStore rejects every commit as stale.
type failingStore struct {
	*memory.Store
	fail bool
}

func (s *failingStore) Commit(ctx context.Context, cs *repository.ChangeSet) error {
	if s.fail {
		return apperrors.NewStaleWrite("clinician availability", "test")
	}
	return s.Store.Commit(ctx, cs)
}

type reaperFixture struct {
	svc    *visitflow.Service
	store  *failingStore
	clock  *clock.Fake
	audit  *auditLog
	reaper *Reaper
}

func newReaperFixture(t *testing.T) *reaperFixture {
	t.Helper()
	f := &reaperFixture{
		store: &failingStore{Store: memory.NewStore()},
		clock: clock.NewFake(start),
		audit: &auditLog{},
	}
	m := metrics.NewNop()
	f.svc = visitflow.NewService(visitflow.Dependencies{
		Store:   f.store,
		Clock:   f.clock,
		IDs:     clock.NewSequence(),
		Audit:   f.audit,
		Metrics: m,
		Logger:  logger.Nop(),
	})
	f.reaper = NewReaper(f.svc, f.clock, ReaperConfig{Interval: time.Minute, StaleThreshold: 5 * time.Minute}, logger.Nop(), m)
	return f
}

func (f *reaperFixture) busyClinician(t *testing.T, ref, patientRef string) *model.VisitSession {
	t.Helper()
	ctx := context.Background()
	staff := model.Actor{ID: "staff-1", Role: model.ActorRoleStaff}

	s, err := f.svc.CheckIn(ctx, model.CheckInRequest{PatientRef: patientRef, ServiceType: "general"}, staff)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, s.ID, visitflow.Event{Type: visitflow.EventEnqueue}, staff, nil)
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, ref, model.Actor{ID: ref, Role: model.ActorRoleClinician})
	require.NoError(t, err)
	s, err = f.svc.AssignNext(ctx, ref, model.Actor{ID: ref, Role: model.ActorRoleClinician})
	require.NoError(t, err)
	return s
}

func TestSweepReapsSilentBusyClinician(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	s := f.busyClinician(t, "C1", "P1")

	f.clock.Advance(6 * time.Minute)
	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Reaped: 1, Requeued: 1}, res)

	c1, err := f.svc.GetClinician(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityOffline, c1.State)
	assert.Nil(t, c1.CurrentVisitRef)

	got, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VisitStateQueued, got.State)
	assert.Nil(t, got.AssignedClinicianRef)

	actions := []string{}
	for _, e := range f.audit.byActor(model.ReaperActor.ID) {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{model.AuditActionSessionReaped, model.AuditActionReapedOffline}, actions)
}

func TestSweepLeavesActiveClinicianAlone(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	f.busyClinician(t, "C1", "P1")

	f.clock.Advance(4 * time.Minute)
	_, err := f.svc.Heartbeat(ctx, "C1")
	require.NoError(t, err)
	f.clock.Advance(4 * time.Minute)

	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1}, res)

	c1, err := f.svc.GetClinician(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityBusy, c1.State)
	assert.Empty(t, f.audit.byActor(model.ReaperActor.ID))
}

func TestSweepReapsIdleOnlineClinicianWithoutVisit(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	_, err := f.svc.Login(ctx, "C1", model.Actor{ID: "C1", Role: model.ActorRoleClinician})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Reaped: 1}, res)
}

func TestSweepCountsStaleWriteAsFailed(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	f.busyClinician(t, "C1", "P1")

	f.clock.Advance(6 * time.Minute)
	f.store.fail = true
	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Failed: 1}, res)

	f.store.fail = false
	res, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reaped)
}

func TestSweepRepairsDrift(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	s := f.busyClinician(t, "C1", "P1")

	// the visit ends without the clinician record being updated
	done := s.Clone()
	done.State = model.VisitStateCompleted
	cs := &repository.ChangeSet{}
	cs.AddSession(done, s.Version)
	require.NoError(t, f.store.Commit(ctx, cs))

	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Repaired: 1}, res)

	c1, err := f.svc.GetClinician(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityOnline, c1.State)
	assert.Nil(t, c1.CurrentVisitRef)
}

func TestSweepClearsVisitRefOnOfflineRecord(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()
	f.busyClinician(t, "C1", "P1")

	c1, err := f.svc.GetClinician(ctx, "C1")
	require.NoError(t, err)
	offline := c1.Clone()
	offline.State = model.AvailabilityOffline
	offline.BusyReason = model.BusyReasonNone
	cs := &repository.ChangeSet{}
	cs.AddClinician(offline, c1.Version)
	require.NoError(t, f.store.Commit(ctx, cs))

	res, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Repaired: 1}, res)

	c1, err = f.svc.GetClinician(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityOffline, c1.State)
	assert.Nil(t, c1.CurrentVisitRef)

	res, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newReaperFixture(t)
	f.reaper.config.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.reaper.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

type stubOutbox struct {
	before time.Time
	rows   int64
}

func (s *stubOutbox) Create(context.Context, *model.OutboxEvent) error { return nil }

func (s *stubOutbox) GetPendingEvents(context.Context, int) ([]*model.OutboxEvent, error) {
	return nil, nil
}

func (s *stubOutbox) UpdateStatus(context.Context, uuid.UUID, model.OutboxStatus, *string, *time.Time) error {
	return nil
}

func (s *stubOutbox) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	s.before = before
	return s.rows, nil
}

func TestOutboxCleanupUsesRetention(t *testing.T) {
	repo := &stubOutbox{rows: 3}
	w := NewOutboxCleanupWorker(repo, clock.NewFake(start), 7*24*time.Hour, time.Hour, logger.Nop())

	rows, err := w.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
	assert.Equal(t, start.Add(-7*24*time.Hour), repo.before)
}
