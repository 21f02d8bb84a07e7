package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinic-flow/internal/model"
)

// All repository interfaces in one file
type (
	// SessionRepository reads visit sessions and inserts new ones. Every
	// later change goes through Store.Commit.
	SessionRepository interface {
		// Create inserts a checked-in session. It fails with
		// ErrDuplicateActiveVisit when the patient already holds a
		// non-terminal session for the same visit day.
		Create(ctx context.Context, session *model.VisitSession) error
		Get(ctx context.Context, id uuid.UUID) (*model.VisitSession, error)
		List(ctx context.Context, filter model.SessionFilter) ([]*model.VisitSession, error)
	}

	AvailabilityRepository interface {
		// Create inserts the first record for a clinician. ErrStaleWrite
		// means another login created it first.
		Create(ctx context.Context, record *model.ClinicianAvailability) error
		Get(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error)
		List(ctx context.Context, filter model.AvailabilityFilter) ([]*model.ClinicianAvailability, error)
		// Touch advances LastActivityTime of a logged-in clinician without
		// bumping the version. ErrNotLoggedIn when offline or absent.
		Touch(ctx context.Context, clinicianRef string, at time.Time) (*model.ClinicianAvailability, error)
	}

	// Store is the atomic boundary shared by the API and the reaper.
	Store interface {
		Sessions() SessionRepository
		Availability() AvailabilityRepository
		// Commit applies every write in the change set or none of them.
		// Each write must match the version it was read at, otherwise
		// ErrStaleWrite is returned and nothing changes.
		Commit(ctx context.Context, cs *ChangeSet) error
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	PatientRepository interface {
		Get(ctx context.Context, patientRef string) (*model.PatientInfo, error)
	}
)

// SessionWrite replaces a stored session whose version is ExpectedVersion.
type SessionWrite struct {
	Record          *model.VisitSession
	ExpectedVersion int64
}

// AvailabilityWrite replaces a stored availability record whose version is
// ExpectedVersion. When IdleSince is set the write also requires the stored
// LastActivityTime to be no later than it, so a heartbeat landing between
// read and commit wins over a staleness correction.
type AvailabilityWrite struct {
	Record          *model.ClinicianAvailability
	ExpectedVersion int64
	IdleSince       *time.Time
}

// ChangeSet groups writes that must land together.
type ChangeSet struct {
	Sessions   []SessionWrite
	Clinicians []AvailabilityWrite
}

func (cs *ChangeSet) AddSession(s *model.VisitSession, expectedVersion int64) {
	cs.Sessions = append(cs.Sessions, SessionWrite{Record: s, ExpectedVersion: expectedVersion})
}

func (cs *ChangeSet) AddClinician(a *model.ClinicianAvailability, expectedVersion int64) {
	cs.Clinicians = append(cs.Clinicians, AvailabilityWrite{Record: a, ExpectedVersion: expectedVersion})
}

func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Sessions) == 0 && len(cs.Clinicians) == 0)
}
