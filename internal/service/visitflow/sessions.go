package visitflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinic-flow/internal/model"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

// CheckIn opens a session in checked_in. A patient holds at most one
// non-terminal session at a time, whatever day it was opened on.
func (s *Service) CheckIn(ctx context.Context, req model.CheckInRequest, actor model.Actor) (*model.VisitSession, error) {
	req.PatientRef = strings.TrimSpace(req.PatientRef)
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	if req.PatientRef == "" {
		return nil, apperrors.NewBadRequest("patient_ref is required", nil)
	}
	if req.ServiceType == "" {
		return nil, apperrors.NewBadRequest("service_type is required", nil)
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown priority %q", req.Priority), nil)
	}

	now := s.clock.Now()
	session := &model.VisitSession{
		ID:          s.ids.NewID(),
		PatientRef:  req.PatientRef,
		ServiceType: req.ServiceType,
		Priority:    req.Priority,
		State:       model.VisitStateCheckedIn,
		VisitDay:    s.VisitDay(now),
		CheckInTime: now,
		UpdatedAt:   now,
		UpdatedBy:   actor.String(),
	}

	err := s.store.Sessions().Create(ctx, session)
	s.metrics.CheckIns.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).Info("patient checked in",
		"session_id", session.ID.String(),
		"service_type", session.ServiceType,
		"priority", string(session.Priority))
	s.sessionChanged(ctx, actor, model.AuditActionCheckIn, nil, session, nil, "")
	return session, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.VisitSession, error) {
	return s.store.Sessions().Get(ctx, id)
}

// SessionIterator walks a snapshot taken when it was created.
type SessionIterator struct {
	items []*model.VisitSession
	pos   int
}

func (it *SessionIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

// Session returns the current element; valid after Next returned true.
func (it *SessionIterator) Session() *model.VisitSession {
	if it.pos == 0 || it.pos > len(it.items) {
		return nil
	}
	return it.items[it.pos-1]
}

func (it *SessionIterator) Len() int {
	return len(it.items)
}

// All returns the elements not yet visited.
func (it *SessionIterator) All() []*model.VisitSession {
	rest := it.items[it.pos:]
	it.pos = len(it.items)
	return rest
}

// ListActive returns the sessions matching filter. Without explicit states
// only non-terminal sessions are listed.
func (s *Service) ListActive(ctx context.Context, filter model.SessionFilter) (*SessionIterator, error) {
	if len(filter.States) == 0 {
		filter.States = model.ActiveVisitStates
	}
	for _, st := range filter.States {
		if !st.Valid() {
			return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown state %q", st), nil)
		}
	}
	items, err := s.store.Sessions().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &SessionIterator{items: items}, nil
}

// Transition applies ev to the session. When expectedVersion is set the
// session must still be at that version. force_reap is reserved for system
// actors.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, ev Event, actor model.Actor, expectedVersion *int64) (*model.VisitSession, error) {
	if ev.Type == EventForceReap && !actor.IsSystem() {
		return nil, apperrors.Forbidden("force_reap is reserved for the system")
	}
	out, err := s.transition(ctx, id, ev, actor, expectedVersion)
	s.metrics.Transitions.WithLabelValues(string(ev.Type), resultLabel(err)).Inc()
	s.countStale("transition", err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, ev Event, actor model.Actor, expectedVersion *int64) (*model.VisitSession, error) {
	session, err := s.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != session.Version {
		return nil, apperrors.NewStaleWrite("visit session", id.String())
	}

	clinicians, err := s.loadClinicians(ctx, RequiredClinicians(session, ev))
	if err != nil {
		return nil, err
	}

	out, err := Apply(session, clinicians, ev, actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, changeSetFor(session, clinicians, out)); err != nil {
		if ev.Type == EventAssign && apperrors.IsCode(err, apperrors.ErrStaleWrite) {
			return nil, &apperrors.AppError{
				Code:    apperrors.ErrStaleWrite,
				Message: claimLostMessage,
				Err:     err,
			}
		}
		return nil, err
	}

	s.logger.WithContext(ctx).Info("visit transitioned",
		"session_id", id.String(),
		"event", string(ev.Type),
		"from", string(session.State),
		"to", string(out.Session.State),
		"actor", actor.String())
	s.sessionChanged(ctx, actor, model.SessionAction(string(ev.Type)), session, out.Session, out.Clinicians, ev.Reason)
	return out.Session, nil
}
