// Package patient resolves patient references to display data. The records
// themselves are owned by the registration system; this side only reads.
package patient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
)

type Directory interface {
	Resolve(ctx context.Context, patientRef string) (*model.PatientInfo, error)
}

// CachedDirectory keeps resolved patients for ttl.
type CachedDirectory struct {
	repo  repository.PatientRepository
	cache *cache.Cache
}

func NewCachedDirectory(repo repository.PatientRepository, ttl, cleanup time.Duration) *CachedDirectory {
	return &CachedDirectory{
		repo:  repo,
		cache: cache.New(ttl, cleanup),
	}
}

func (d *CachedDirectory) Resolve(ctx context.Context, patientRef string) (*model.PatientInfo, error) {
	if cached, found := d.cache.Get(patientRef); found {
		info := *cached.(*model.PatientInfo)
		return &info, nil
	}

	info, err := d.repo.Get(ctx, patientRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve patient %s: %w", patientRef, err)
	}
	d.cache.SetDefault(patientRef, info)
	out := *info
	return &out, nil
}

// Invalidate drops a cached entry.
func (d *CachedDirectory) Invalidate(patientRef string) {
	d.cache.Delete(patientRef)
}

// StaticRepository serves patients from memory for local runs and tests.
type StaticRepository struct {
	mu       sync.RWMutex
	patients map[string]*model.PatientInfo
}

func NewStaticRepository(patients ...*model.PatientInfo) *StaticRepository {
	r := &StaticRepository{patients: make(map[string]*model.PatientInfo)}
	for _, p := range patients {
		r.Put(p)
	}
	return r
}

func (r *StaticRepository) Put(p *model.PatientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.patients[p.Ref] = &cp
}

func (r *StaticRepository) Get(_ context.Context, patientRef string) (*model.PatientInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[patientRef]
	if !ok {
		return nil, apperrors.NewNotFound("patient", nil)
	}
	cp := *p
	return &cp, nil
}
