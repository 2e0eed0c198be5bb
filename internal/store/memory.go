package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/SilentHawker/AML-platform/internal/ledger"
)

// MemoryStore keeps JSON snapshots so callers never share a *ledger.Policy
// with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string][]byte)}
}

func (s *MemoryStore) CreatePolicy(_ context.Context, p *ledger.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrConflict)
	}
	s.policies[p.ID] = raw
	return nil
}

func (s *MemoryStore) LoadPolicy(_ context.Context, id string) (*ledger.Policy, error) {
	s.mu.RLock()
	raw, ok := s.policies[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}

	var p ledger.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MemoryStore) SavePolicy(_ context.Context, p *ledger.Policy) error {
	next := *p
	next.Revision++
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrNotFound)
	}
	var stored struct {
		Revision       int               `json:"revision"`
		CurrentVersion int               `json:"currentVersion"`
		Archive        []json.RawMessage `json:"archive"`
	}
	if err := json.Unmarshal(prev, &stored); err != nil {
		return fmt.Errorf("decode stored policy: %w", err)
	}
	if stored.Revision != p.Revision {
		return fmt.Errorf("policy %s: stored revision %d, loaded %d: %w", p.ID, stored.Revision, p.Revision, ErrConflict)
	}
	if stored.CurrentVersion > len(p.Versions) || len(stored.Archive) > len(p.Archive) {
		return fmt.Errorf("policy %s: stored version %d, saving %d: %w", p.ID, stored.CurrentVersion, p.CurrentVersion, ErrConflict)
	}
	s.policies[p.ID] = raw
	p.Revision = next.Revision
	return nil
}
