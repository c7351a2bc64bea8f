package store

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/locate"
)

// MemoryStore keeps the estimate and flags in memory with the same TTL and
// overwrite semantics as the persistent store. Used when no database path
// is configured and throughout the tests.
type MemoryStore struct {
	primaryTTL  time.Duration
	fallbackTTL time.Duration

	mu      sync.Mutex
	current *locationRecord
	flags   map[string]string
	stats   Stats

	now func() time.Time
}

func NewMemoryStore(primaryTTL, fallbackTTL time.Duration) *MemoryStore {
	if primaryTTL <= 0 {
		primaryTTL = 10 * time.Minute
	}
	if fallbackTTL <= primaryTTL {
		fallbackTTL = 60 * time.Minute
	}
	return &MemoryStore{
		primaryTTL:  primaryTTL,
		fallbackTTL: fallbackTTL,
		flags:       make(map[string]string),
		now:         time.Now,
	}
}

func (s *MemoryStore) Get(maxAge time.Duration) *locate.LocationEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.stats.Misses++
		return nil
	}
	now := s.now()
	if now.After(s.current.ExpiresAt) {
		s.stats.Misses++
		return nil
	}
	if maxAge > 0 && now.Sub(s.current.CapturedAt) > maxAge {
		s.stats.Misses++
		return nil
	}
	s.stats.Hits++
	return s.current.toEstimate()
}

func (s *MemoryStore) GetFallback() *locate.LocationEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.stats.Misses++
		return nil
	}
	now := s.now()
	if now.After(s.current.FallbackExpiry) {
		s.stats.Misses++
		return nil
	}
	est := s.current.toEstimate()
	if now.After(s.current.ExpiresAt) {
		est.IsStale = true
		s.stats.StaleHits++
	} else {
		s.stats.Hits++
	}
	return est
}

func (s *MemoryStore) Put(est *locate.LocationEstimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.current != nil && !s.current.supersededBy(est, now) {
		s.stats.OverwriteRejects++
		return nil
	}
	s.current = recordFromEstimate(est, now, s.primaryTTL, s.fallbackTTL)
	s.stats.Writes++
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	return nil
}

func (s *MemoryStore) GetFlag(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.flags[name]
	return value, ok
}

func (s *MemoryStore) SetFlag(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = value
	return nil
}

func (s *MemoryStore) DeleteFlag(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, name)
	return nil
}

func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
