package visitflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository/memory"
	"github.com/jwalitptl/clinic-flow/internal/service/notify"
	"github.com/jwalitptl/clinic-flow/internal/service/patient"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

var (
	start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	staff = model.Actor{ID: "staff-1", Role: model.ActorRoleStaff}
)

type auditLog struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *auditLog) Record(_ context.Context, e model.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	deps  Dependencies
	svc   *Service
	store *memory.Store
	clock *clock.Fake
	audit *auditLog
	hub   *notify.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(),
		clock: clock.NewFake(start),
		audit: &auditLog{},
		hub:   notify.NewHub(256),
	}
	f.deps = Dependencies{
		Store:    f.store,
		Clock:    f.clock,
		IDs:      clock.NewSequence(),
		Audit:    f.audit,
		Notifier: f.hub,
		Patients: patient.NewCachedDirectory(patient.NewStaticRepository(
			&model.PatientInfo{Ref: "P1", DisplayName: "Ada L."},
		), time.Minute, time.Minute),
		Metrics:  metrics.NewNop(),
		Logger:   logger.Nop(),
		Location: time.UTC,
	}
	f.svc = NewService(f.deps)
	return f
}

func (f *fixture) checkIn(t *testing.T, patientRef string, priority model.Priority) *model.VisitSession {
	t.Helper()
	s, err := f.svc.CheckIn(context.Background(), model.CheckInRequest{PatientRef: patientRef, ServiceType: "general", Priority: priority}, staff)
	require.NoError(t, err)
	return s
}

func (f *fixture) queued(t *testing.T, patientRef string, priority model.Priority) *model.VisitSession {
	t.Helper()
	s := f.checkIn(t, patientRef, priority)
	out, err := f.svc.Transition(context.Background(), s.ID, Event{Type: EventEnqueue}, staff, nil)
	require.NoError(t, err)
	return out
}

func (f *fixture) login(t *testing.T, ref string) *model.ClinicianAvailability {
	t.Helper()
	rec, err := f.svc.Login(context.Background(), ref, clinician(ref))
	require.NoError(t, err)
	return rec
}

func (f *fixture) session(t *testing.T, id uuid.UUID) *model.VisitSession {
	t.Helper()
	s, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) clinician(t *testing.T, ref string) *model.ClinicianAvailability {
	t.Helper()
	rec, err := f.svc.GetClinician(context.Background(), ref)
	require.NoError(t, err)
	return rec
}

// requireConsistent checks that busy(visit) records and started sessions
// point at each other.
func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	recs, err := f.svc.ListClinicians(ctx, model.AvailabilityFilter{})
	require.NoError(t, err)
	for _, rec := range recs {
		if rec.State == model.AvailabilityBusy && rec.BusyReason == model.BusyReasonVisit {
			require.NotNil(t, rec.CurrentVisitRef, rec.ClinicianRef)
			s := f.session(t, *rec.CurrentVisitRef)
			require.Equal(t, model.VisitStateStarted, s.State)
			require.True(t, s.IsAssignedTo(rec.ClinicianRef))
		} else {
			require.Nil(t, rec.CurrentVisitRef, rec.ClinicianRef)
		}
	}
	started, err := f.svc.ListActive(ctx, model.SessionFilter{States: []model.VisitState{model.VisitStateStarted}})
	require.NoError(t, err)
	for started.Next() {
		s := started.Session()
		rec := f.clinician(t, s.ClinicianRef())
		require.Equal(t, model.AvailabilityBusy, rec.State)
		require.True(t, rec.HoldsVisit(s.ID))
	}
}

func clinician(ref string) model.Actor {
	return model.Actor{ID: ref, Role: model.ActorRoleClinician}
}
