// Package visitflow coordinates how a patient moves through the clinic:
// check-in, the shared queue, assignment to a clinician and the end of the
// visit, together with clinician availability. Every mutation is computed by
// Apply and committed as one change set.
package visitflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	"github.com/jwalitptl/clinic-flow/internal/service/audit"
	"github.com/jwalitptl/clinic-flow/internal/service/notify"
	"github.com/jwalitptl/clinic-flow/internal/service/patient"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

type Dependencies struct {
	Store    repository.Store
	Clock    clock.Clock
	IDs      clock.IDSource
	Audit    audit.Recorder
	Notifier notify.Publisher
	// Patients is optional; without it queue entries carry no names.
	Patients patient.Directory
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	// Location decides which calendar day a check-in belongs to.
	Location *time.Location
}

type Service struct {
	store    repository.Store
	clock    clock.Clock
	ids      clock.IDSource
	audit    audit.Recorder
	notifier notify.Publisher
	patients patient.Directory
	metrics  *metrics.Metrics
	logger   *logger.Logger
	location *time.Location
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		store:    deps.Store,
		clock:    deps.Clock,
		ids:      deps.IDs,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		patients: deps.Patients,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		location: deps.Location,
	}
	if s.clock == nil {
		s.clock = clock.System()
	}
	if s.ids == nil {
		s.ids = clock.UUIDs()
	}
	if s.audit == nil {
		s.audit = audit.Nop()
	}
	if s.notifier == nil {
		s.notifier = notify.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	if s.location == nil {
		s.location = time.UTC
	}
	return s
}

// VisitDay returns the clinic calendar day t falls on.
func (s *Service) VisitDay(t time.Time) string {
	return t.In(s.location).Format("2006-01-02")
}

// loadClinicians reads the named records. Clinicians without a record are
// simply absent from the map.
func (s *Service) loadClinicians(ctx context.Context, refs []string) (map[string]*model.ClinicianAvailability, error) {
	out := make(map[string]*model.ClinicianAvailability, len(refs))
	for _, ref := range refs {
		rec, err := s.store.Availability().Get(ctx, ref)
		if apperrors.IsCode(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[ref] = rec
	}
	return out, nil
}

// changeSetFor pins every write in out to the version it was read at.
func changeSetFor(read *model.VisitSession, clinicians map[string]*model.ClinicianAvailability, out *Outcome) *repository.ChangeSet {
	cs := &repository.ChangeSet{}
	cs.AddSession(out.Session, read.Version)
	for _, c := range out.Clinicians {
		cs.AddClinician(c, clinicians[c.ClinicianRef].Version)
	}
	return cs
}

func (s *Service) newAuditEvent(actor model.Actor, action, targetType, targetID string, at time.Time, meta map[string]interface{}) model.AuditEvent {
	return model.AuditEvent{
		ID:         s.ids.NewID(),
		Actor:      actor.String(),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Timestamp:  at,
		Metadata:   meta,
	}
}

// sessionChanged reports a committed session change to the audit trail and
// the displays.
func (s *Service) sessionChanged(ctx context.Context, actor model.Actor, action string, before, after *model.VisitSession, clinicians []*model.ClinicianAvailability, reason string) {
	meta := map[string]interface{}{
		"to":      string(after.State),
		"version": after.Version,
	}
	if before != nil {
		meta["from"] = string(before.State)
	}
	if ref := after.ClinicianRef(); ref != "" {
		meta["clinician_ref"] = ref
	} else if before != nil && before.ClinicianRef() != "" {
		meta["previous_clinician_ref"] = before.ClinicianRef()
	}
	if reason != "" {
		meta["reason"] = reason
	}
	s.audit.Record(ctx, s.newAuditEvent(actor, action, model.AuditTargetSession, after.ID.String(), after.UpdatedAt, meta))

	s.notifier.Publish(ctx, notify.Event{Topic: notify.TopicSessions, Type: action, Data: after, At: after.UpdatedAt})
	for _, c := range clinicians {
		s.notifier.Publish(ctx, notify.Event{Topic: notify.TopicClinicians, Type: action, Data: c, At: c.UpdatedAt})
	}
}

func (s *Service) clinicianChanged(ctx context.Context, actor model.Actor, action string, before, after *model.ClinicianAvailability, meta map[string]interface{}) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["to"] = string(after.State)
	if before != nil {
		meta["from"] = string(before.State)
	}
	if after.BusyReason != model.BusyReasonNone {
		meta["busy_reason"] = string(after.BusyReason)
	}
	s.audit.Record(ctx, s.newAuditEvent(actor, action, model.AuditTargetClinician, after.ClinicianRef, after.UpdatedAt, meta))
	s.notifier.Publish(ctx, notify.Event{Topic: notify.TopicClinicians, Type: action, Data: after, At: after.UpdatedAt})
}

func (s *Service) countStale(operation string, err error) {
	if apperrors.IsCode(err, apperrors.ErrStaleWrite) {
		s.metrics.StaleWrites.WithLabelValues(operation).Inc()
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return apperrors.CodeOf(err).String()
}

func sessionRef(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
