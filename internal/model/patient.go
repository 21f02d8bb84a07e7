package model

import "time"

// PatientInfo is the display data the clinic needs about a patient. The
// demographic record itself is owned elsewhere.
type PatientInfo struct {
	Ref         string     `db:"patient_ref" json:"patient_ref"`
	DisplayName string     `db:"display_name" json:"display_name"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
