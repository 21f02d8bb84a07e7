package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

// activeVisitIndex is the partial unique index backing the one active visit
// per patient rule.
const activeVisitIndex = "visit_sessions_one_active_per_patient"

const sessionColumns = `id, patient_ref, service_type, priority, state, assigned_clinician_ref,
	visit_day, check_in_time, queued_at, started_at, completed_at, version, updated_at, updated_by`

type sessionRepository struct {
	BaseRepository
}

func NewSessionRepository(base BaseRepository) repository.SessionRepository {
	return &sessionRepository{base}
}

func (r *sessionRepository) Create(ctx context.Context, session *model.VisitSession) error {
	query := `
		INSERT INTO visit_sessions (
			id, patient_ref, service_type, priority, state, assigned_clinician_ref,
			visit_day, check_in_time, queued_at, started_at, completed_at, version, updated_at, updated_by
		) VALUES (
			:id, :patient_ref, :service_type, :priority, :state, :assigned_clinician_ref,
			:visit_day, :check_in_time, :queued_at, :started_at, :completed_at, :version, :updated_at, :updated_by
		)
	`
	row := session.Clone()
	row.Version = 1

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		if uniqueViolationOn(err, activeVisitIndex) {
			return r.duplicate(ctx, session)
		}
		if uniqueViolationOn(err, "") {
			return apperrors.NewStaleWrite("visit session", session.ID.String())
		}
		return fmt.Errorf("failed to create visit session: %w", err)
	}
	session.Version = 1
	return nil
}

func (r *sessionRepository) duplicate(ctx context.Context, session *model.VisitSession) error {
	query := `
		SELECT id FROM visit_sessions
		WHERE patient_ref = $1 AND state = ANY($2)
		LIMIT 1
	`
	var existing uuid.UUID
	err := r.db.GetContext(ctx, &existing, query,
		session.PatientRef, pq.Array(stateStrings(model.ActiveVisitStates)))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up active visit: %w", err)
	}
	id := ""
	if err == nil {
		id = existing.String()
	}
	return apperrors.NewDuplicateActiveVisit(session.PatientRef, id)
}

func (r *sessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.VisitSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM visit_sessions WHERE id = $1`

	var session model.VisitSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("visit session", err)
		}
		return nil, fmt.Errorf("failed to get visit session: %w", err)
	}
	return &session, nil
}

func (r *sessionRepository) List(ctx context.Context, filter model.SessionFilter) ([]*model.VisitSession, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(filter.States) > 0 {
		add("state = ANY($%d)", pq.Array(stateStrings(filter.States)))
	}
	if filter.PatientRef != "" {
		add("patient_ref = $%d", filter.PatientRef)
	}
	if filter.ClinicianRef != "" {
		add("assigned_clinician_ref = $%d", filter.ClinicianRef)
	}
	if filter.ServiceType != "" {
		add("service_type = $%d", filter.ServiceType)
	}
	if filter.Priority != "" {
		add("priority = $%d", string(filter.Priority))
	}
	if filter.VisitDay != "" {
		add("visit_day = $%d", filter.VisitDay)
	}

	query := `SELECT ` + sessionColumns + ` FROM visit_sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY check_in_time ASC, id ASC"

	var sessions []*model.VisitSession
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list visit sessions: %w", err)
	}
	return sessions, nil
}
