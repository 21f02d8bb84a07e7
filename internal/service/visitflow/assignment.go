package visitflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinic-flow/internal/model"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

// AssignNext claims the head of the queue for the clinician. Concurrent
// callers race on the head session's version; the loser re-reads and tries
// once more.
func (s *Service) AssignNext(ctx context.Context, clinicianRef string, actor model.Actor) (*model.VisitSession, error) {
	session, err := s.assignNext(ctx, clinicianRef, actor)
	s.metrics.Assignments.WithLabelValues(resultLabel(err)).Inc()
	return session, err
}

func (s *Service) assignNext(ctx context.Context, clinicianRef string, actor model.Actor) (*model.VisitSession, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		session, err := s.claimHead(ctx, clinicianRef, actor)
		if err == nil {
			return session, nil
		}
		if !apperrors.IsCode(err, apperrors.ErrStaleWrite) {
			return nil, err
		}
		s.countStale("assign_next", err)
		s.logger.WithContext(ctx).Debug("queue head claimed concurrently, retrying",
			"clinician_ref", clinicianRef,
			"attempt", attempt+1)
		lastErr = err
	}
	return nil, &apperrors.AppError{
		Code:    apperrors.ErrStaleWrite,
		Message: claimLostMessage,
		Err:     lastErr,
	}
}

func (s *Service) claimHead(ctx context.Context, clinicianRef string, actor model.Actor) (*model.VisitSession, error) {
	clinicians, err := s.loadClinicians(ctx, []string{clinicianRef})
	if err != nil {
		return nil, err
	}

	queue, err := s.store.Sessions().List(ctx, model.SessionFilter{States: []model.VisitState{model.VisitStateQueued}})
	if err != nil {
		return nil, err
	}
	if c := clinicians[clinicianRef]; c == nil || !c.IsAvailable() {
		state := model.AvailabilityOffline
		if c != nil {
			state = c.State
		}
		return nil, apperrors.NewIllegalTransition(string(model.VisitStateQueued), string(EventAssign),
			fmt.Sprintf("clinician %s is %s, not online", clinicianRef, state))
	}
	if len(queue) == 0 {
		return nil, apperrors.NewNoWaitingVisits()
	}
	model.SortQueue(queue)
	head := queue[0]

	out, err := Apply(head, clinicians, Event{Type: EventAssign, ClinicianRef: clinicianRef}, actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, changeSetFor(head, clinicians, out)); err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(string(EventAssign), "success").Inc()
	s.logger.WithContext(ctx).Info("visit assigned from queue",
		"session_id", head.ID.String(),
		"clinician_ref", clinicianRef,
		"priority", string(head.Priority))
	s.sessionChanged(ctx, actor, model.SessionAction(string(EventAssign)), head, out.Session, out.Clinicians, "")
	return out.Session, nil
}

// Assign starts a specific queued visit with the clinician.
func (s *Service) Assign(ctx context.Context, sessionID uuid.UUID, clinicianRef string, actor model.Actor) (*model.VisitSession, error) {
	return s.Transition(ctx, sessionID, Event{Type: EventAssign, ClinicianRef: clinicianRef}, actor, nil)
}

type QueueFilter struct {
	ServiceType string
	Priority    model.Priority
}

// ListQueue returns queued visits in assignment order. A patient name that
// cannot be resolved is left empty.
func (s *Service) ListQueue(ctx context.Context, filter QueueFilter) ([]model.QueueEntry, error) {
	queue, err := s.store.Sessions().List(ctx, model.SessionFilter{
		States:      []model.VisitState{model.VisitStateQueued},
		ServiceType: filter.ServiceType,
		Priority:    filter.Priority,
	})
	if err != nil {
		return nil, err
	}
	model.SortQueue(queue)

	entries := make([]model.QueueEntry, 0, len(queue))
	for i, session := range queue {
		entry := model.QueueEntry{Position: i + 1, Session: session}
		if s.patients != nil {
			info, err := s.patients.Resolve(ctx, session.PatientRef)
			if err != nil {
				s.logger.WithContext(ctx).Debug("patient name unavailable",
					"patient_ref", session.PatientRef,
					"error", err.Error())
			} else {
				entry.PatientName = info.DisplayName
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
