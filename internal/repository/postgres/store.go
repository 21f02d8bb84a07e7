package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/clinic-flow/internal/repository"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

// Store implements repository.Store on Postgres. Each Commit is one
// transaction; every row update is conditioned on the version it was read at.
type Store struct {
	BaseRepository
	sessions     repository.SessionRepository
	availability repository.AvailabilityRepository
}

func NewStore(db *sqlx.DB) *Store {
	base := NewBaseRepository(db)
	return &Store{
		BaseRepository: base,
		sessions:       NewSessionRepository(base),
		availability:   NewAvailabilityRepository(base),
	}
}

func (s *Store) Sessions() repository.SessionRepository {
	return s.sessions
}

func (s *Store) Availability() repository.AvailabilityRepository {
	return s.availability
}

const updateSessionQuery = `
	UPDATE visit_sessions
	SET state = $3,
		priority = $4,
		assigned_clinician_ref = $5,
		queued_at = $6,
		started_at = $7,
		completed_at = $8,
		updated_at = $9,
		updated_by = $10,
		version = version + 1
	WHERE id = $1 AND version = $2
`

const updateAvailabilityQuery = `
	UPDATE clinician_availability
	SET state = $3,
		busy_reason = $4,
		login_time = $5,
		current_visit_ref = $6,
		last_activity_time = GREATEST(last_activity_time, $7),
		updated_at = $8,
		version = version + 1
	WHERE clinician_ref = $1 AND version = $2
		AND ($9::timestamptz IS NULL OR last_activity_time <= $9)
	RETURNING last_activity_time
`

// Commit writes sessions first and clinicians second, each sorted by key, so
// two overlapping change sets take row locks in the same order.
func (s *Store) Commit(ctx context.Context, cs *repository.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	sessionWrites := append([]repository.SessionWrite(nil), cs.Sessions...)
	sort.Slice(sessionWrites, func(i, j int) bool {
		return sessionWrites[i].Record.ID.String() < sessionWrites[j].Record.ID.String()
	})
	clinicianWrites := append([]repository.AvailabilityWrite(nil), cs.Clinicians...)
	sort.Slice(clinicianWrites, func(i, j int) bool {
		return clinicianWrites[i].Record.ClinicianRef < clinicianWrites[j].Record.ClinicianRef
	})
	for i := 1; i < len(sessionWrites); i++ {
		if sessionWrites[i-1].Record.ID == sessionWrites[i].Record.ID {
			return apperrors.NewBadRequest(fmt.Sprintf("session %s written twice in one change set", sessionWrites[i].Record.ID), nil)
		}
	}
	for i := 1; i < len(clinicianWrites); i++ {
		if clinicianWrites[i-1].Record.ClinicianRef == clinicianWrites[i].Record.ClinicianRef {
			return apperrors.NewBadRequest(fmt.Sprintf("clinician %s written twice in one change set", clinicianWrites[i].Record.ClinicianRef), nil)
		}
	}

	activity := make([]time.Time, len(clinicianWrites))
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, w := range sessionWrites {
			rec := w.Record
			result, err := tx.ExecContext(ctx, updateSessionQuery,
				rec.ID, w.ExpectedVersion,
				rec.State, rec.Priority, rec.AssignedClinicianRef,
				rec.QueuedAt, rec.StartedAt, rec.CompletedAt,
				rec.UpdatedAt, rec.UpdatedBy,
			)
			if err != nil {
				return fmt.Errorf("failed to update visit session: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to update visit session: %w", err)
			}
			if n == 0 {
				return missed(ctx, tx, "visit session", rec.ID.String(),
					`SELECT EXISTS (SELECT 1 FROM visit_sessions WHERE id = $1)`, rec.ID)
			}
		}

		for i, w := range clinicianWrites {
			rec := w.Record
			err := tx.QueryRowxContext(ctx, updateAvailabilityQuery,
				rec.ClinicianRef, w.ExpectedVersion,
				rec.State, rec.BusyReason, rec.LoginTime, rec.CurrentVisitRef,
				rec.LastActivityTime, rec.UpdatedAt, w.IdleSince,
			).Scan(&activity[i])
			if errors.Is(err, sql.ErrNoRows) {
				return missed(ctx, tx, "clinician availability", rec.ClinicianRef,
					`SELECT EXISTS (SELECT 1 FROM clinician_availability WHERE clinician_ref = $1)`, rec.ClinicianRef)
			}
			if err != nil {
				return fmt.Errorf("failed to update clinician availability: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, w := range sessionWrites {
		w.Record.Version = w.ExpectedVersion + 1
	}
	for i, w := range clinicianWrites {
		w.Record.Version = w.ExpectedVersion + 1
		w.Record.LastActivityTime = activity[i]
	}
	return nil
}

// missed tells a vanished row apart from a version conflict after a
// conditional update matched nothing.
func missed(ctx context.Context, tx *sqlx.Tx, resource, id, existsQuery string, key interface{}) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, existsQuery, key); err != nil {
		return fmt.Errorf("failed to check %s: %w", resource, err)
	}
	if !exists {
		return apperrors.NewNotFound(resource, nil)
	}
	return apperrors.NewStaleWrite(resource, id)
}
