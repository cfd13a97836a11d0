package incidents

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// slot pairs an incident with its mutual-exclusion domain. All mutations of
// one incident serialize on slot.mu while different incidents proceed in
// parallel.
type slot struct {
	mu       sync.Mutex
	incident *Incident
	// linked is the event-id membership index backing exactly-once
	// correlation.
	linked map[uuid.UUID]bool
}

// Store is the in-memory incident set. Closed incidents are retained and stay
// queryable; nothing is ever deleted.
type Store struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*slot
	// openByKey indexes non-terminal incidents by dedup key for correlation.
	openByKey map[string]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		byID:      make(map[uuid.UUID]*slot),
		openByKey: make(map[string]uuid.UUID),
	}
}

func (s *Store) get(id uuid.UUID) (*slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.byID[id]
	return sl, ok
}

// lookupOrCreate resolves the slot for a dedup key, creating a fresh OPEN
// incident when no live one matches. The store lock covers the index check
// and insert, so two concurrent events for one key can never create two
// incidents.
func (s *Store) lookupOrCreate(key string, build func() *Incident) (*slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.openByKey[key]; ok {
		if sl, ok := s.byID[id]; ok {
			return sl, false
		}
	}

	inc := build()
	sl := &slot{incident: inc, linked: make(map[uuid.UUID]bool)}
	s.byID[inc.ID] = sl
	s.openByKey[key] = inc.ID
	return sl, true
}

// retire drops the dedup index entry once an incident reaches a terminal
// state (or falls out of the correlation window). The incident itself stays.
func (s *Store) retire(key string, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.openByKey[key]; ok && cur == id {
		delete(s.openByKey, key)
	}
}

// remove unwinds an insert whose audit entry could not be recorded. Only the
// create path uses it; committed incidents are never deleted.
func (s *Store) remove(key string, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	if cur, ok := s.openByKey[key]; ok && cur == id {
		delete(s.openByKey, key)
	}
}

// Get returns a snapshot of one incident.
func (s *Store) Get(id uuid.UUID) (Incident, bool) {
	sl, ok := s.get(id)
	if !ok {
		return Incident{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.incident.clone(), true
}

// ListFilter narrows List output.
type ListFilter struct {
	State    State
	CameraID string
	Since    time.Time
}

// List returns snapshots of matching incidents, newest first.
func (s *Store) List(f ListFilter) []Incident {
	s.mu.RLock()
	slots := make([]*slot, 0, len(s.byID))
	for _, sl := range s.byID {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	var out []Incident
	for _, sl := range slots {
		sl.mu.Lock()
		inc := sl.incident
		match := (f.State == "" || inc.State == f.State) &&
			(f.CameraID == "" || inc.CameraID == f.CameraID) &&
			(f.Since.IsZero() || !inc.CreatedAt.Before(f.Since))
		if match {
			out = append(out, inc.clone())
		}
		sl.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CountByState reports how many incidents sit in each state.
func (s *Store) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, inc := range s.List(ListFilter{}) {
		counts[inc.State]++
	}
	return counts
}
