package registry

import (
	"context"
	"sync"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

// Stats counts the settled outcomes recorded for one doctor.
type Stats struct {
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
	NoShows   uint64 `json:"noShows"`
}

// Static is an in-process registry backed by a fixed allowlist of verified
// doctors. It keeps outcome counters in memory.
type Static struct {
	mu       sync.Mutex
	verified map[consultation.Account]struct{}
	stats    map[consultation.Account]*Stats
}

func NewStatic(doctors ...string) *Static {
	s := &Static{
		verified: make(map[consultation.Account]struct{}, len(doctors)),
		stats:    make(map[consultation.Account]*Stats),
	}
	for _, d := range doctors {
		if a := consultation.Account(d).Normalize(); a != "" {
			s.verified[a] = struct{}{}
		}
	}
	return s
}

func (s *Static) IsDoctorVerified(_ context.Context, doctor consultation.Account) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.verified[doctor.Normalize()]
	return ok, nil
}

func (s *Static) RecordCompleted(_ context.Context, doctor consultation.Account) error {
	s.entry(doctor, func(st *Stats) { st.Completed++ })
	return nil
}

func (s *Static) RecordCancelled(_ context.Context, doctor consultation.Account) error {
	s.entry(doctor, func(st *Stats) { st.Cancelled++ })
	return nil
}

func (s *Static) RecordNoShow(_ context.Context, doctor consultation.Account) error {
	s.entry(doctor, func(st *Stats) { st.NoShows++ })
	return nil
}

// StatsFor returns a copy of the counters for doctor.
func (s *Static) StatsFor(doctor consultation.Account) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[doctor.Normalize()]; ok {
		return *st
	}
	return Stats{}
}

func (s *Static) entry(doctor consultation.Account, fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := doctor.Normalize()
	st, ok := s.stats[key]
	if !ok {
		st = &Stats{}
		s.stats[key] = st
	}
	fn(st)
}
