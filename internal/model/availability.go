package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type AvailabilityState string

const (
	AvailabilityOffline AvailabilityState = "offline"
	AvailabilityOnline  AvailabilityState = "online"
	AvailabilityBusy    AvailabilityState = "busy"
)

func (s AvailabilityState) Valid() bool {
	switch s {
	case AvailabilityOffline, AvailabilityOnline, AvailabilityBusy:
		return true
	}
	return false
}

// BusyReason distinguishes assignment-driven busy from a manual override.
type BusyReason string

const (
	BusyReasonNone  BusyReason = ""
	BusyReasonVisit BusyReason = "visit"
	BusyReasonAdmin BusyReason = "admin"
)

// ClinicianAvailability is a clinician's reachability for assignment. It
// caches the session back-reference; the session owns the assignment.
type ClinicianAvailability struct {
	ClinicianRef     string            `db:"clinician_ref" json:"clinician_ref"`
	State            AvailabilityState `db:"state" json:"state"`
	BusyReason       BusyReason        `db:"busy_reason" json:"busy_reason,omitempty"`
	LoginTime        *time.Time        `db:"login_time" json:"login_time,omitempty"`
	LastActivityTime time.Time         `db:"last_activity_time" json:"last_activity_time"`
	CurrentVisitRef  *uuid.UUID        `db:"current_visit_ref" json:"current_visit_ref"`
	Version          int64             `db:"version" json:"version"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

func (a *ClinicianAvailability) Clone() *ClinicianAvailability {
	if a == nil {
		return nil
	}
	c := *a
	c.LoginTime = cloneTime(a.LoginTime)
	if a.CurrentVisitRef != nil {
		ref := *a.CurrentVisitRef
		c.CurrentVisitRef = &ref
	}
	return &c
}

func (a *ClinicianAvailability) IsAvailable() bool {
	return a.State == AvailabilityOnline
}

func (a *ClinicianAvailability) IsLoggedIn() bool {
	return a.State == AvailabilityOnline || a.State == AvailabilityBusy
}

// HasTrackedVisit reports assignment-driven busy with a visit reference.
func (a *ClinicianAvailability) HasTrackedVisit() bool {
	return a.State == AvailabilityBusy && a.BusyReason == BusyReasonVisit && a.CurrentVisitRef != nil
}

func (a *ClinicianAvailability) HoldsVisit(sessionID uuid.UUID) bool {
	return a.CurrentVisitRef != nil && *a.CurrentVisitRef == sessionID
}

// IsStale reports whether a logged-in clinician has been silent longer than threshold.
func (a *ClinicianAvailability) IsStale(now time.Time, threshold time.Duration) bool {
	return a.IsLoggedIn() && now.Sub(a.LastActivityTime) > threshold
}

type SetStatusRequest struct {
	Status   AvailabilityState `json:"status" binding:"required,availability_state"`
	VisitRef *uuid.UUID        `json:"visit_ref"`
	Admin    bool              `json:"admin"`
}

type LogoutRequest struct {
	ForceRelease bool `json:"force_release"`
}

type AvailabilityFilter struct {
	States []AvailabilityState
}

func (f AvailabilityFilter) Matches(a *ClinicianAvailability) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if a.State == st {
			return true
		}
	}
	return false
}

// SortByLastActivity orders records by ascending LastActivityTime, then ref.
func SortByLastActivity(records []*ClinicianAvailability) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastActivityTime.Equal(b.LastActivityTime) {
			return a.LastActivityTime.Before(b.LastActivityTime)
		}
		return a.ClinicianRef < b.ClinicianRef
	})
}
