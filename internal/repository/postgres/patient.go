package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

// patientRepository reads the registration system's patients table. The
// clinic never writes to it.
type patientRepository struct {
	BaseRepository
}

func NewPatientRepository(base BaseRepository) repository.PatientRepository {
	return &patientRepository{base}
}

func (r *patientRepository) Get(ctx context.Context, patientRef string) (*model.PatientInfo, error) {
	query := `
		SELECT patient_ref, display_name, date_of_birth, updated_at
		FROM patients
		WHERE patient_ref = $1
	`
	var patient model.PatientInfo
	if err := r.db.GetContext(ctx, &patient, query, patientRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("patient", err)
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return &patient, nil
}
