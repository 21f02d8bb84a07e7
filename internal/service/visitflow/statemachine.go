package visitflow

import (
	"fmt"
	"time"

	"github.com/jwalitptl/clinic-flow/internal/model"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

type EventType string

const (
	EventEnqueue   EventType = "enqueue"
	EventAssign    EventType = "assign"
	EventComplete  EventType = "complete"
	EventTransfer  EventType = "transfer"
	EventCancel    EventType = "cancel"
	EventForceReap EventType = "force_reap"
	EventDischarge EventType = "discharge"
)

// Event is a request to move a session. ClinicianRef names the target for
// assign and transfer.
type Event struct {
	Type         EventType `json:"type"`
	ClinicianRef string    `json:"clinician_ref,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Outcome is everything one event writes: the new session value and each
// clinician record whose cached back-reference changes.
type Outcome struct {
	Session    *model.VisitSession
	Clinicians []*model.ClinicianAvailability
}

// transitions maps each event to the states it may be applied from.
var transitions = map[EventType][]model.VisitState{
	EventEnqueue:   {model.VisitStateCheckedIn},
	EventAssign:    {model.VisitStateQueued},
	EventComplete:  {model.VisitStateStarted},
	EventTransfer:  {model.VisitStateStarted},
	EventCancel:    {model.VisitStateCheckedIn, model.VisitStateQueued},
	EventForceReap: model.ActiveVisitStates,
	EventDischarge: {model.VisitStateStarted},
}

const claimLostMessage = "visit is no longer available"

func (t EventType) Valid() bool {
	_, ok := transitions[t]
	return ok
}

func allowedFrom(ev EventType, state model.VisitState) bool {
	for _, s := range transitions[ev] {
		if s == state {
			return true
		}
	}
	return false
}

// RequiredClinicians lists the availability records Apply needs to see for
// this session and event.
func RequiredClinicians(s *model.VisitSession, ev Event) []string {
	var refs []string
	add := func(ref string) {
		if ref == "" {
			return
		}
		for _, r := range refs {
			if r == ref {
				return
			}
		}
		refs = append(refs, ref)
	}
	switch ev.Type {
	case EventAssign:
		add(ev.ClinicianRef)
	case EventTransfer:
		add(s.ClinicianRef())
		add(ev.ClinicianRef)
	case EventComplete, EventDischarge, EventForceReap:
		add(s.ClinicianRef())
	}
	return refs
}

// Apply computes the result of ev on s without touching storage. clinicians
// holds the records named by RequiredClinicians; a missing entry means the
// clinician has no availability record. Inputs are never modified.
func Apply(s *model.VisitSession, clinicians map[string]*model.ClinicianAvailability, ev Event, actor model.Actor, now time.Time) (*Outcome, error) {
	if !ev.Type.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown event %q", ev.Type), nil)
	}
	if !allowedFrom(ev.Type, s.State) {
		reason := ""
		if ev.Type == EventAssign && s.State != model.VisitStateCheckedIn {
			reason = claimLostMessage
		}
		return nil, apperrors.NewIllegalTransition(string(s.State), string(ev.Type), reason)
	}

	next := s.Clone()
	next.UpdatedAt = now
	next.UpdatedBy = actor.String()
	out := &Outcome{Session: next}

	switch ev.Type {
	case EventEnqueue:
		next.State = model.VisitStateQueued
		next.QueuedAt = &now

	case EventAssign:
		target, err := requireOnline(s, clinicians, ev)
		if err != nil {
			return nil, err
		}
		ref := target.ClinicianRef
		next.State = model.VisitStateStarted
		next.AssignedClinicianRef = &ref
		next.StartedAt = &now
		out.Clinicians = append(out.Clinicians, occupy(target, s, now))

	case EventComplete, EventDischarge:
		if ev.Type == EventComplete {
			next.State = model.VisitStateCompleted
		} else {
			next.State = model.VisitStateTransferred
		}
		next.CompletedAt = &now
		if c := release(clinicians[s.ClinicianRef()], s, now); c != nil {
			out.Clinicians = append(out.Clinicians, c)
		}

	case EventTransfer:
		if ev.ClinicianRef == s.ClinicianRef() {
			return nil, apperrors.NewIllegalTransition(string(s.State), string(ev.Type),
				fmt.Sprintf("visit is already assigned to %s", ev.ClinicianRef))
		}
		target, err := requireOnline(s, clinicians, ev)
		if err != nil {
			return nil, err
		}
		ref := target.ClinicianRef
		next.AssignedClinicianRef = &ref
		if c := release(clinicians[s.ClinicianRef()], s, now); c != nil {
			out.Clinicians = append(out.Clinicians, c)
		}
		out.Clinicians = append(out.Clinicians, occupy(target, s, now))

	case EventCancel:
		next.State = model.VisitStateCancelled

	case EventForceReap:
		next.State = model.VisitStateQueued
		next.AssignedClinicianRef = nil
		next.StartedAt = nil
		if next.QueuedAt == nil {
			next.QueuedAt = &now
		}
		if c := release(clinicians[s.ClinicianRef()], s, now); c != nil {
			out.Clinicians = append(out.Clinicians, c)
		}
	}

	return out, nil
}

func requireOnline(s *model.VisitSession, clinicians map[string]*model.ClinicianAvailability, ev Event) (*model.ClinicianAvailability, error) {
	if ev.ClinicianRef == "" {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("%s requires a clinician", ev.Type), nil)
	}
	c := clinicians[ev.ClinicianRef]
	if c == nil || !c.IsAvailable() {
		state := model.AvailabilityOffline
		if c != nil {
			state = c.State
		}
		return nil, apperrors.NewIllegalTransition(string(s.State), string(ev.Type),
			fmt.Sprintf("clinician %s is %s, not online", ev.ClinicianRef, state))
	}
	return c, nil
}

func occupy(c *model.ClinicianAvailability, s *model.VisitSession, now time.Time) *model.ClinicianAvailability {
	next := c.Clone()
	id := s.ID
	next.State = model.AvailabilityBusy
	next.BusyReason = model.BusyReasonVisit
	next.CurrentVisitRef = &id
	next.UpdatedAt = now
	return next
}

// release frees c if it still points at s. Records that have already moved
// on are left alone.
func release(c *model.ClinicianAvailability, s *model.VisitSession, now time.Time) *model.ClinicianAvailability {
	if c == nil || !c.HoldsVisit(s.ID) {
		return nil
	}
	next := c.Clone()
	next.CurrentVisitRef = nil
	if next.State == model.AvailabilityBusy && next.BusyReason == model.BusyReasonVisit {
		next.State = model.AvailabilityOnline
		next.BusyReason = model.BusyReasonNone
	}
	next.UpdatedAt = now
	return next
}
