package clock

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time to every component that stamps records.
type Clock interface {
	Now() time.Time
}

// IDSource supplies unique identifiers for new records.
type IDSource interface {
	NewID() uuid.UUID
}

type systemClock struct{}

// System returns a Clock backed by time.Now, which carries a monotonic reading.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

type uuidSource struct{}

// UUIDs returns an IDSource producing random (v4) UUIDs.
func UUIDs() IDSource {
	return uuidSource{}
}

func (uuidSource) NewID() uuid.UUID {
	return uuid.New()
}

// Fake is a manually driven Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Sequence hands out UUIDs whose trailing bytes count up from 1, so ids
// sort in creation order.
type Sequence struct {
	mu   sync.Mutex
	next uint64
}

func NewSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) NewID() uuid.UUID {
	s.mu.Lock()
	s.next++
	n := s.next
	s.mu.Unlock()

	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}
