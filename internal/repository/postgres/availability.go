package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

const availabilityColumns = `clinician_ref, state, busy_reason, login_time, last_activity_time,
	current_visit_ref, version, updated_at`

type availabilityRepository struct {
	BaseRepository
}

func NewAvailabilityRepository(base BaseRepository) repository.AvailabilityRepository {
	return &availabilityRepository{base}
}

func (r *availabilityRepository) Create(ctx context.Context, record *model.ClinicianAvailability) error {
	query := `
		INSERT INTO clinician_availability (
			clinician_ref, state, busy_reason, login_time, last_activity_time,
			current_visit_ref, version, updated_at
		) VALUES (
			:clinician_ref, :state, :busy_reason, :login_time, :last_activity_time,
			:current_visit_ref, :version, :updated_at
		)
		ON CONFLICT (clinician_ref) DO NOTHING
	`
	row := record.Clone()
	row.Version = 1

	result, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to create clinician availability: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create clinician availability: %w", err)
	}
	if n == 0 {
		return apperrors.NewStaleWrite("clinician availability", record.ClinicianRef)
	}
	record.Version = 1
	return nil
}

func (r *availabilityRepository) Get(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error) {
	query := `SELECT ` + availabilityColumns + ` FROM clinician_availability WHERE clinician_ref = $1`

	var record model.ClinicianAvailability
	if err := r.db.GetContext(ctx, &record, query, clinicianRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("clinician availability", err)
		}
		return nil, fmt.Errorf("failed to get clinician availability: %w", err)
	}
	return &record, nil
}

func (r *availabilityRepository) List(ctx context.Context, filter model.AvailabilityFilter) ([]*model.ClinicianAvailability, error) {
	query := `SELECT ` + availabilityColumns + ` FROM clinician_availability`
	var args []interface{}
	if len(filter.States) > 0 {
		query += ` WHERE state = ANY($1)`
		args = append(args, pq.Array(stateStrings(filter.States)))
	}
	query += ` ORDER BY clinician_ref ASC`

	var records []*model.ClinicianAvailability
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list clinician availability: %w", err)
	}
	return records, nil
}

// Touch moves last_activity_time forward for a logged-in clinician. The
// version is left alone so a heartbeat never invalidates a pending claim.
func (r *availabilityRepository) Touch(ctx context.Context, clinicianRef string, at time.Time) (*model.ClinicianAvailability, error) {
	query := `
		UPDATE clinician_availability
		SET last_activity_time = GREATEST(last_activity_time, $2),
			updated_at = $2
		WHERE clinician_ref = $1 AND state IN ('online', 'busy')
		RETURNING ` + availabilityColumns

	var record model.ClinicianAvailability
	if err := r.db.GetContext(ctx, &record, query, clinicianRef, at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotLoggedIn(clinicianRef)
		}
		return nil, fmt.Errorf("failed to touch clinician availability: %w", err)
	}
	return &record, nil
}
