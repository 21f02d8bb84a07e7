// Package memory is an in-process Store used by tests, the single-node
// deployment and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

// Lock order: record mutexes (sessions by id, then clinicians by ref), then
// patientMu. Map mutexes are only held for lookup and insert.
type Store struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*sessionSlot
	clinicians map[string]*clinicianSlot

	patientMu sync.Mutex
	active    map[string]uuid.UUID

	sessionRepo      *sessionRepository
	availabilityRepo *availabilityRepository
}

type sessionSlot struct {
	mu  sync.Mutex
	rec *model.VisitSession
}

type clinicianSlot struct {
	mu  sync.Mutex
	rec *model.ClinicianAvailability
}

func NewStore() *Store {
	s := &Store{
		sessions:   make(map[uuid.UUID]*sessionSlot),
		clinicians: make(map[string]*clinicianSlot),
		active:     make(map[string]uuid.UUID),
	}
	s.sessionRepo = &sessionRepository{store: s}
	s.availabilityRepo = &availabilityRepository{store: s}
	return s
}

var _ repository.Store = (*Store)(nil)

func (s *Store) Sessions() repository.SessionRepository {
	return s.sessionRepo
}

func (s *Store) Availability() repository.AvailabilityRepository {
	return s.availabilityRepo
}

func (s *Store) sessionSlot(id uuid.UUID) (*sessionSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.sessions[id]
	return slot, ok
}

func (s *Store) clinicianSlot(ref string) (*clinicianSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.clinicians[ref]
	return slot, ok
}

// Commit locks every record in the change set, verifies the expected
// versions and replaces the records. On success each record in cs carries
// its new version.
func (s *Store) Commit(ctx context.Context, cs *repository.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sessionWrites := append([]repository.SessionWrite(nil), cs.Sessions...)
	sort.Slice(sessionWrites, func(i, j int) bool {
		return sessionWrites[i].Record.ID.String() < sessionWrites[j].Record.ID.String()
	})
	clinicianWrites := append([]repository.AvailabilityWrite(nil), cs.Clinicians...)
	sort.Slice(clinicianWrites, func(i, j int) bool {
		return clinicianWrites[i].Record.ClinicianRef < clinicianWrites[j].Record.ClinicianRef
	})

	sessionSlots := make([]*sessionSlot, len(sessionWrites))
	for i, w := range sessionWrites {
		if i > 0 && sessionWrites[i-1].Record.ID == w.Record.ID {
			return apperrors.NewBadRequest(fmt.Sprintf("session %s written twice in one change set", w.Record.ID), nil)
		}
		slot, ok := s.sessionSlot(w.Record.ID)
		if !ok {
			return apperrors.NewNotFound("visit session", nil)
		}
		sessionSlots[i] = slot
	}
	clinicianSlots := make([]*clinicianSlot, len(clinicianWrites))
	for i, w := range clinicianWrites {
		if i > 0 && clinicianWrites[i-1].Record.ClinicianRef == w.Record.ClinicianRef {
			return apperrors.NewBadRequest(fmt.Sprintf("clinician %s written twice in one change set", w.Record.ClinicianRef), nil)
		}
		slot, ok := s.clinicianSlot(w.Record.ClinicianRef)
		if !ok {
			return apperrors.NewNotFound("clinician availability", nil)
		}
		clinicianSlots[i] = slot
	}

	for _, slot := range sessionSlots {
		slot.mu.Lock()
		defer slot.mu.Unlock()
	}
	for _, slot := range clinicianSlots {
		slot.mu.Lock()
		defer slot.mu.Unlock()
	}

	for i, w := range sessionWrites {
		if sessionSlots[i].rec.Version != w.ExpectedVersion {
			return apperrors.NewStaleWrite("visit session", w.Record.ID.String())
		}
	}
	for i, w := range clinicianWrites {
		cur := clinicianSlots[i].rec
		if cur.Version != w.ExpectedVersion {
			return apperrors.NewStaleWrite("clinician availability", w.Record.ClinicianRef)
		}
		if w.IdleSince != nil && cur.LastActivityTime.After(*w.IdleSince) {
			return apperrors.NewStaleWrite("clinician availability", w.Record.ClinicianRef)
		}
	}

	var finished []*model.VisitSession
	for i, w := range sessionWrites {
		prev := sessionSlots[i].rec
		next := w.Record.Clone()
		next.Version = w.ExpectedVersion + 1
		if !prev.State.IsTerminal() && next.State.IsTerminal() {
			finished = append(finished, next)
		}
		sessionSlots[i].rec = next
		w.Record.Version = next.Version
	}
	for i, w := range clinicianWrites {
		prev := clinicianSlots[i].rec
		next := w.Record.Clone()
		next.Version = w.ExpectedVersion + 1
		if prev.LastActivityTime.After(next.LastActivityTime) {
			next.LastActivityTime = prev.LastActivityTime
		}
		clinicianSlots[i].rec = next
		w.Record.Version = next.Version
		w.Record.LastActivityTime = next.LastActivityTime
	}

	if len(finished) > 0 {
		s.patientMu.Lock()
		for _, sess := range finished {
			if s.active[sess.PatientRef] == sess.ID {
				delete(s.active, sess.PatientRef)
			}
		}
		s.patientMu.Unlock()
	}
	return nil
}

type sessionRepository struct {
	store *Store
}

func (r *sessionRepository) Create(ctx context.Context, session *model.VisitSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.store
	key := session.PatientRef

	s.patientMu.Lock()
	defer s.patientMu.Unlock()
	if existing, ok := s.active[key]; ok {
		return apperrors.NewDuplicateActiveVisit(session.PatientRef, existing.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return apperrors.NewStaleWrite("visit session", session.ID.String())
	}
	session.Version = 1
	s.sessions[session.ID] = &sessionSlot{rec: session.Clone()}
	if !session.State.IsTerminal() {
		s.active[key] = session.ID
	}
	return nil
}

func (r *sessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.VisitSession, error) {
	slot, ok := r.store.sessionSlot(id)
	if !ok {
		return nil, apperrors.NewNotFound("visit session", nil)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.rec.Clone(), nil
}

func (r *sessionRepository) List(ctx context.Context, filter model.SessionFilter) ([]*model.VisitSession, error) {
	r.store.mu.RLock()
	slots := make([]*sessionSlot, 0, len(r.store.sessions))
	for _, slot := range r.store.sessions {
		slots = append(slots, slot)
	}
	r.store.mu.RUnlock()

	var out []*model.VisitSession
	for _, slot := range slots {
		slot.mu.Lock()
		if filter.Matches(slot.rec) {
			out = append(out, slot.rec.Clone())
		}
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CheckInTime.Equal(out[j].CheckInTime) {
			return out[i].CheckInTime.Before(out[j].CheckInTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

type availabilityRepository struct {
	store *Store
}

func (r *availabilityRepository) Create(ctx context.Context, record *model.ClinicianAvailability) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clinicians[record.ClinicianRef]; ok {
		return apperrors.NewStaleWrite("clinician availability", record.ClinicianRef)
	}
	record.Version = 1
	s.clinicians[record.ClinicianRef] = &clinicianSlot{rec: record.Clone()}
	return nil
}

func (r *availabilityRepository) Get(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error) {
	slot, ok := r.store.clinicianSlot(clinicianRef)
	if !ok {
		return nil, apperrors.NewNotFound("clinician availability", nil)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.rec.Clone(), nil
}

func (r *availabilityRepository) List(ctx context.Context, filter model.AvailabilityFilter) ([]*model.ClinicianAvailability, error) {
	r.store.mu.RLock()
	slots := make([]*clinicianSlot, 0, len(r.store.clinicians))
	for _, slot := range r.store.clinicians {
		slots = append(slots, slot)
	}
	r.store.mu.RUnlock()

	var out []*model.ClinicianAvailability
	for _, slot := range slots {
		slot.mu.Lock()
		if filter.Matches(slot.rec) {
			out = append(out, slot.rec.Clone())
		}
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClinicianRef < out[j].ClinicianRef })
	return out, nil
}

// Touch holds only the one record's lock.
func (r *availabilityRepository) Touch(ctx context.Context, clinicianRef string, at time.Time) (*model.ClinicianAvailability, error) {
	slot, ok := r.store.clinicianSlot(clinicianRef)
	if !ok {
		return nil, apperrors.NewNotLoggedIn(clinicianRef)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.rec.IsLoggedIn() {
		return nil, apperrors.NewNotLoggedIn(clinicianRef)
	}
	if at.After(slot.rec.LastActivityTime) {
		slot.rec.LastActivityTime = at
	}
	slot.rec.UpdatedAt = at
	return slot.rec.Clone(), nil
}
