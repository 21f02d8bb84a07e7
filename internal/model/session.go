package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type VisitState string

const (
	VisitStateCheckedIn   VisitState = "checked_in"
	VisitStateQueued      VisitState = "queued"
	VisitStateStarted     VisitState = "started"
	VisitStateCompleted   VisitState = "completed"
	VisitStateCancelled   VisitState = "cancelled"
	VisitStateTransferred VisitState = "transferred"
)

// ActiveVisitStates are the non-terminal states; a patient may hold at most
// one session in any of them per visit day.
var ActiveVisitStates = []VisitState{VisitStateCheckedIn, VisitStateQueued, VisitStateStarted}

func (s VisitState) IsTerminal() bool {
	switch s {
	case VisitStateCompleted, VisitStateCancelled, VisitStateTransferred:
		return true
	}
	return false
}

func (s VisitState) Valid() bool {
	switch s {
	case VisitStateCheckedIn, VisitStateQueued, VisitStateStarted,
		VisitStateCompleted, VisitStateCancelled, VisitStateTransferred:
		return true
	}
	return false
}

type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityPriority  Priority = "priority"
	PriorityEmergency Priority = "emergency"
)

// Rank orders priorities for queue selection, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 2
	case PriorityPriority:
		return 1
	}
	return 0
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityPriority, PriorityEmergency:
		return true
	}
	return false
}

// VisitSession tracks one patient's presence in the clinic for one service
// episode. Sessions are never deleted; terminal states are the audit trail.
type VisitSession struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	PatientRef           string     `db:"patient_ref" json:"patient_ref"`
	ServiceType          string     `db:"service_type" json:"service_type"`
	Priority             Priority   `db:"priority" json:"priority"`
	State                VisitState `db:"state" json:"state"`
	AssignedClinicianRef *string    `db:"assigned_clinician_ref" json:"assigned_clinician_ref"`
	VisitDay             string     `db:"visit_day" json:"visit_day"`
	CheckInTime          time.Time  `db:"check_in_time" json:"check_in_time"`
	QueuedAt             *time.Time `db:"queued_at" json:"queued_at,omitempty"`
	StartedAt            *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Version              int64      `db:"version" json:"version"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
	UpdatedBy            string     `db:"updated_by" json:"updated_by"`
}

// Clone returns a deep copy so callers can never mutate stored state.
func (s *VisitSession) Clone() *VisitSession {
	if s == nil {
		return nil
	}
	c := *s
	c.AssignedClinicianRef = cloneString(s.AssignedClinicianRef)
	c.QueuedAt = cloneTime(s.QueuedAt)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

func (s *VisitSession) IsAssignedTo(clinicianRef string) bool {
	return s.AssignedClinicianRef != nil && *s.AssignedClinicianRef == clinicianRef
}

// ClinicianRef returns the assigned clinician or "".
func (s *VisitSession) ClinicianRef() string {
	if s.AssignedClinicianRef == nil {
		return ""
	}
	return *s.AssignedClinicianRef
}

type CheckInRequest struct {
	PatientRef  string   `json:"patient_ref" binding:"required,max=128"`
	ServiceType string   `json:"service_type" binding:"required,max=64"`
	Priority    Priority `json:"priority" binding:"omitempty,priority"`
}

// SessionFilter selects sessions; zero fields match everything.
type SessionFilter struct {
	States       []VisitState
	PatientRef   string
	ClinicianRef string
	ServiceType  string
	Priority     Priority
	VisitDay     string
}

func (f SessionFilter) Matches(s *VisitSession) bool {
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if s.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PatientRef != "" && s.PatientRef != f.PatientRef {
		return false
	}
	if f.ClinicianRef != "" && !s.IsAssignedTo(f.ClinicianRef) {
		return false
	}
	if f.ServiceType != "" && s.ServiceType != f.ServiceType {
		return false
	}
	if f.Priority != "" && s.Priority != f.Priority {
		return false
	}
	if f.VisitDay != "" && s.VisitDay != f.VisitDay {
		return false
	}
	return true
}

// SortQueue orders sessions for assignment: highest priority first, then
// earliest QueuedAt, then session id so the order is deterministic.
func SortQueue(sessions []*VisitSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		switch {
		case a.QueuedAt == nil && b.QueuedAt != nil:
			return false
		case a.QueuedAt != nil && b.QueuedAt == nil:
			return true
		case a.QueuedAt != nil && b.QueuedAt != nil && !a.QueuedAt.Equal(*b.QueuedAt):
			return a.QueuedAt.Before(*b.QueuedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// QueueEntry is a queued session as shown on the operator display.
type QueueEntry struct {
	Position    int           `json:"position"`
	Session     *VisitSession `json:"session"`
	PatientName string        `json:"patient_name,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
