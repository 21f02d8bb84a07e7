package visitflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

// Login marks the clinician online. Logging in again while online or busy
// only refreshes the activity time.
func (s *Service) Login(ctx context.Context, clinicianRef string, actor model.Actor) (*model.ClinicianAvailability, error) {
	rec, err := s.login(ctx, clinicianRef, actor)
	s.metrics.AvailabilityOps.WithLabelValues("login", resultLabel(err)).Inc()
	return rec, err
}

func (s *Service) login(ctx context.Context, clinicianRef string, actor model.Actor) (*model.ClinicianAvailability, error) {
	clinicianRef = strings.TrimSpace(clinicianRef)
	if clinicianRef == "" {
		return nil, apperrors.NewBadRequest("clinician_ref is required", nil)
	}

	// A second attempt covers a racing login or logout between read and write.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		now := s.clock.Now()
		rec, err := s.store.Availability().Get(ctx, clinicianRef)
		switch {
		case apperrors.IsCode(err, apperrors.ErrNotFound):
			created := &model.ClinicianAvailability{
				ClinicianRef:     clinicianRef,
				State:            model.AvailabilityOnline,
				LoginTime:        &now,
				LastActivityTime: now,
				UpdatedAt:        now,
			}
			lastErr = s.store.Availability().Create(ctx, created)
			if lastErr == nil {
				s.clinicianChanged(ctx, actor, model.AuditActionLogin, nil, created, nil)
				return created, nil
			}

		case err != nil:
			return nil, err

		case rec.IsLoggedIn():
			var touched *model.ClinicianAvailability
			touched, lastErr = s.store.Availability().Touch(ctx, clinicianRef, now)
			if lastErr == nil {
				return touched, nil
			}
			if !apperrors.IsCode(lastErr, apperrors.ErrNotLoggedIn) {
				return nil, lastErr
			}

		default:
			next := rec.Clone()
			next.State = model.AvailabilityOnline
			next.BusyReason = model.BusyReasonNone
			next.CurrentVisitRef = nil
			next.LoginTime = &now
			next.LastActivityTime = now
			next.UpdatedAt = now
			cs := &repository.ChangeSet{}
			cs.AddClinician(next, rec.Version)
			lastErr = s.store.Commit(ctx, cs)
			if lastErr == nil {
				s.clinicianChanged(ctx, actor, model.AuditActionLogin, rec, next, nil)
				return next, nil
			}
		}
		if !apperrors.IsCode(lastErr, apperrors.ErrStaleWrite) && !apperrors.IsCode(lastErr, apperrors.ErrNotLoggedIn) {
			return nil, lastErr
		}
		s.countStale("login", lastErr)
	}
	return nil, lastErr
}

// Heartbeat records activity. It never changes state or version.
func (s *Service) Heartbeat(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error) {
	rec, err := s.store.Availability().Touch(ctx, clinicianRef, s.clock.Now())
	s.metrics.AvailabilityOps.WithLabelValues("heartbeat", resultLabel(err)).Inc()
	return rec, err
}

// SetStatus is the manual availability control.
func (s *Service) SetStatus(ctx context.Context, clinicianRef string, req model.SetStatusRequest, actor model.Actor) (*model.ClinicianAvailability, error) {
	rec, err := s.setStatus(ctx, clinicianRef, req, actor)
	s.metrics.AvailabilityOps.WithLabelValues("set_status", resultLabel(err)).Inc()
	s.countStale("set_status", err)
	return rec, err
}

func (s *Service) setStatus(ctx context.Context, clinicianRef string, req model.SetStatusRequest, actor model.Actor) (*model.ClinicianAvailability, error) {
	switch req.Status {
	case model.AvailabilityOffline:
		return s.Logout(ctx, clinicianRef, model.LogoutRequest{}, actor)

	case model.AvailabilityBusy:
		if req.VisitRef != nil {
			if _, err := s.Assign(ctx, *req.VisitRef, clinicianRef, actor); err != nil {
				return nil, err
			}
			return s.store.Availability().Get(ctx, clinicianRef)
		}
		if !req.Admin {
			return nil, apperrors.NewInvalidStatus("busy requires a visit reference or the admin flag")
		}

	case model.AvailabilityOnline:
	default:
		return nil, apperrors.NewInvalidStatus(fmt.Sprintf("unknown status %q", req.Status))
	}

	rec, err := s.loggedIn(ctx, clinicianRef)
	if err != nil {
		return nil, err
	}
	if rec.HasTrackedVisit() {
		return nil, apperrors.NewHasActiveVisit(clinicianRef, sessionRef(rec.CurrentVisitRef))
	}

	now := s.clock.Now()
	next := rec.Clone()
	next.LastActivityTime = now
	next.UpdatedAt = now
	if req.Status == model.AvailabilityOnline {
		next.State = model.AvailabilityOnline
		next.BusyReason = model.BusyReasonNone
	} else {
		next.State = model.AvailabilityBusy
		next.BusyReason = model.BusyReasonAdmin
	}
	next.CurrentVisitRef = nil

	if next.State == rec.State && next.BusyReason == rec.BusyReason {
		return s.store.Availability().Touch(ctx, clinicianRef, now)
	}

	cs := &repository.ChangeSet{}
	cs.AddClinician(next, rec.Version)
	if err := s.store.Commit(ctx, cs); err != nil {
		return nil, err
	}
	s.clinicianChanged(ctx, actor, model.AuditActionStatusChanged, rec, next, nil)
	return next, nil
}

// Logout takes the clinician offline. A clinician with a started visit
// needs ForceRelease, which puts the visit back in the queue in the same
// commit. Logging out an offline clinician is a no-op.
func (s *Service) Logout(ctx context.Context, clinicianRef string, req model.LogoutRequest, actor model.Actor) (*model.ClinicianAvailability, error) {
	rec, err := s.logout(ctx, clinicianRef, req, actor)
	s.metrics.AvailabilityOps.WithLabelValues("logout", resultLabel(err)).Inc()
	s.countStale("logout", err)
	return rec, err
}

func (s *Service) logout(ctx context.Context, clinicianRef string, req model.LogoutRequest, actor model.Actor) (*model.ClinicianAvailability, error) {
	rec, err := s.store.Availability().Get(ctx, clinicianRef)
	if apperrors.IsCode(err, apperrors.ErrNotFound) {
		return nil, apperrors.NewNotLoggedIn(clinicianRef)
	}
	if err != nil {
		return nil, err
	}
	if !rec.IsLoggedIn() {
		return rec, nil
	}
	if rec.HasTrackedVisit() && !req.ForceRelease {
		return nil, apperrors.NewHasActiveVisit(clinicianRef, sessionRef(rec.CurrentVisitRef))
	}

	action := model.AuditActionLogout
	if rec.HasTrackedVisit() {
		action = model.AuditActionForcedLogout
	}
	res, err := s.takeOffline(ctx, rec, actor, nil, "forced logout")
	if err != nil {
		return nil, err
	}
	s.clinicianChanged(ctx, actor, action, rec, res.Clinician, nil)
	return res.Clinician, nil
}

// OfflineResult is what taking a clinician offline changed.
type OfflineResult struct {
	Clinician *model.ClinicianAvailability
	// Requeued is the visit returned to the queue, if any.
	Requeued *model.VisitSession
}

// takeOffline commits rec as offline together with a force-reap of the
// visit it still holds. idleSince, when set, makes the commit lose to any
// activity after that instant.
func (s *Service) takeOffline(ctx context.Context, rec *model.ClinicianAvailability, actor model.Actor, idleSince *time.Time, reason string) (*OfflineResult, error) {
	now := s.clock.Now()
	cs := &repository.ChangeSet{}

	var before *model.VisitSession
	var requeued *Outcome
	if rec.CurrentVisitRef != nil {
		session, err := s.store.Sessions().Get(ctx, *rec.CurrentVisitRef)
		switch {
		case apperrors.IsCode(err, apperrors.ErrNotFound):
		case err != nil:
			return nil, err
		case session.State == model.VisitStateStarted && session.IsAssignedTo(rec.ClinicianRef):
			clinicians := map[string]*model.ClinicianAvailability{rec.ClinicianRef: rec}
			out, err := Apply(session, clinicians, Event{Type: EventForceReap, Reason: reason}, actor, now)
			if err != nil {
				return nil, err
			}
			cs.AddSession(out.Session, session.Version)
			before, requeued = session, out
		}
	}

	offline := rec.Clone()
	offline.State = model.AvailabilityOffline
	offline.BusyReason = model.BusyReasonNone
	offline.CurrentVisitRef = nil
	offline.LoginTime = nil
	offline.UpdatedAt = now
	cs.Clinicians = append(cs.Clinicians, repository.AvailabilityWrite{
		Record:          offline,
		ExpectedVersion: rec.Version,
		IdleSince:       idleSince,
	})

	if err := s.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	res := &OfflineResult{Clinician: offline}
	if requeued != nil {
		res.Requeued = requeued.Session
		s.metrics.Transitions.WithLabelValues(string(EventForceReap), "success").Inc()
		s.logger.WithContext(ctx).Warn("visit returned to queue",
			"session_id", requeued.Session.ID.String(),
			"clinician_ref", rec.ClinicianRef,
			"reason", reason)
		s.sessionChanged(ctx, actor, model.AuditActionSessionReaped, before, requeued.Session, nil, reason)
	}
	return res, nil
}

// ReapClinician takes a clinician offline if it has been silent since
// cutoff. It returns nil when the record is no longer stale.
func (s *Service) ReapClinician(ctx context.Context, clinicianRef string, cutoff time.Time) (*OfflineResult, error) {
	rec, err := s.store.Availability().Get(ctx, clinicianRef)
	if err != nil {
		return nil, err
	}
	if !rec.IsLoggedIn() || rec.LastActivityTime.After(cutoff) {
		return nil, nil
	}
	res, err := s.takeOffline(ctx, rec, model.ReaperActor, &cutoff, "stale heartbeat")
	if err != nil {
		s.countStale("reap", err)
		return nil, err
	}
	s.clinicianChanged(ctx, model.ReaperActor, model.AuditActionReapedOffline, rec, res.Clinician, map[string]interface{}{
		"last_activity_time": rec.LastActivityTime,
		"requeued_session":   sessionID(res.Requeued),
	})
	return res, nil
}

// RepairDrift frees a clinician whose cached visit reference no longer
// matches a started visit assigned to it. It reports whether a correction
// was committed.
func (s *Service) RepairDrift(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, bool, error) {
	rec, err := s.store.Availability().Get(ctx, clinicianRef)
	if err != nil {
		return nil, false, err
	}

	drifted := false
	switch {
	case rec.State == model.AvailabilityBusy && rec.BusyReason == model.BusyReasonVisit:
		if rec.CurrentVisitRef == nil {
			drifted = true
			break
		}
		session, err := s.store.Sessions().Get(ctx, *rec.CurrentVisitRef)
		switch {
		case apperrors.IsCode(err, apperrors.ErrNotFound):
			drifted = true
		case err != nil:
			return nil, false, err
		default:
			drifted = session.State != model.VisitStateStarted || !session.IsAssignedTo(clinicianRef)
		}
	case rec.State != model.AvailabilityBusy && rec.CurrentVisitRef != nil:
		drifted = true
	}
	if !drifted {
		return rec, false, nil
	}

	now := s.clock.Now()
	next := rec.Clone()
	if next.State == model.AvailabilityBusy {
		next.State = model.AvailabilityOnline
	}
	next.BusyReason = model.BusyReasonNone
	next.CurrentVisitRef = nil
	next.UpdatedAt = now

	cs := &repository.ChangeSet{}
	cs.AddClinician(next, rec.Version)
	if err := s.store.Commit(ctx, cs); err != nil {
		s.countStale("repair_drift", err)
		return nil, false, err
	}
	s.clinicianChanged(ctx, model.ReaperActor, model.AuditActionDriftRepaired, rec, next, map[string]interface{}{
		"stale_visit_ref": sessionRef(rec.CurrentVisitRef),
	})
	return next, true, nil
}

func (s *Service) GetClinician(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error) {
	return s.store.Availability().Get(ctx, clinicianRef)
}

func (s *Service) ListClinicians(ctx context.Context, filter model.AvailabilityFilter) ([]*model.ClinicianAvailability, error) {
	return s.store.Availability().List(ctx, filter)
}

// ListAvailable returns online clinicians, longest idle first. The order is
// for display; assignment does not use it.
func (s *Service) ListAvailable(ctx context.Context) ([]*model.ClinicianAvailability, error) {
	recs, err := s.store.Availability().List(ctx, model.AvailabilityFilter{States: []model.AvailabilityState{model.AvailabilityOnline}})
	if err != nil {
		return nil, err
	}
	model.SortByLastActivity(recs)
	return recs, nil
}

func (s *Service) loggedIn(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error) {
	rec, err := s.store.Availability().Get(ctx, clinicianRef)
	if apperrors.IsCode(err, apperrors.ErrNotFound) {
		return nil, apperrors.NewNotLoggedIn(clinicianRef)
	}
	if err != nil {
		return nil, err
	}
	if !rec.IsLoggedIn() {
		return nil, apperrors.NewNotLoggedIn(clinicianRef)
	}
	return rec, nil
}

func sessionID(s *model.VisitSession) string {
	if s == nil {
		return ""
	}
	return s.ID.String()
}
