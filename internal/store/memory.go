package store

import (
	"context"
	"sync"
)

// MemoryStore is a process-local store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	loads map[string]int
	saves map[string]int

	// FailSave, when set, is consulted before every save.
	FailSave func(documentID string) error
	// FailLoad, when set, is consulted before every load.
	FailLoad func(documentID string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string][]byte),
		loads: make(map[string]int),
		saves: make(map[string]int),
	}
}

func (s *MemoryStore) Load(_ context.Context, documentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[documentID]++
	if s.FailLoad != nil {
		if err := s.FailLoad(documentID); err != nil {
			return nil, err
		}
	}
	data, ok := s.docs[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(_ context.Context, documentID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves[documentID]++
	if s.FailSave != nil {
		if err := s.FailSave(documentID); err != nil {
			return err
		}
	}
	s.docs[documentID] = append([]byte(nil), snapshot...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Loads reports how many times Load was called for documentID.
func (s *MemoryStore) Loads(documentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads[documentID]
}

// Saves reports how many save attempts were made for documentID, failed ones included.
func (s *MemoryStore) Saves(documentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[documentID]
}

// Snapshot returns what is currently stored for documentID.
func (s *MemoryStore) Snapshot(documentID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[documentID]
	return data, ok
}
