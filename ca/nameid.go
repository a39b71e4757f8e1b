package ca

import "sync"

// NameIDStore is a bidirectional mapping between names and stable numeric
// ids, injective in both directions. Both lookup directions are O(1); the
// two internal maps are updated atomically under one lock.
type NameIDStore struct {
	table string

	mu     sync.RWMutex
	byName map[string]int
	byID   map[int]string
}

// NewNameIDStore constructs a store for the given table identifier seeded
// with the initial entries, which may be empty. A DuplicateEntry failure in
// the seed set is returned and nothing is kept.
func NewNameIDStore(table string, entries map[string]int) (*NameIDStore, error) {
	s := &NameIDStore{
		table:  table,
		byName: make(map[string]int),
		byID:   make(map[int]string),
	}
	for name, id := range entries {
		if err := s.AddEntry(name, id); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Table returns the table identifier the store was constructed with.
func (s *NameIDStore) Table() string {
	return s.table
}

// AddEntry inserts a name↔id pair. It fails with DuplicateEntry when the
// name or the id is already present; a failed add leaves the store
// unchanged.
func (s *NameIDStore) AddEntry(name string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return opErr(KindDuplicateEntry, "%s: entry with name %q already present", s.table, name)
	}
	if _, ok := s.byID[id]; ok {
		return opErr(KindDuplicateEntry, "%s: entry with id %d already present", s.table, id)
	}
	s.byName[name] = id
	s.byID[id] = name
	return nil
}

// GetID returns the id mapped to name.
func (s *NameIDStore) GetID(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	return id, ok
}

// GetName returns the name mapped to id.
func (s *NameIDStore) GetName(id int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.byID[id]
	return name, ok
}

// Len returns the number of entries.
func (s *NameIDStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}
