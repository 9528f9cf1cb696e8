package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSequenceGap means an append skipped or repeated a sequence number.
	ErrSequenceGap = errors.New("append out of sequence")
	// ErrEntryNotFound means no entry matched the lookup.
	ErrEntryNotFound = errors.New("entry not found")
)

// MemoryStore keeps the chain in process memory. Suitable for tests and
// single-node deployments whose trail is exported elsewhere.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewMemoryStore creates an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Entry)}
}

func (s *MemoryStore) AppendEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(len(s.entries)) + 1; e.Sequence != want {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, e.Sequence, want)
	}
	stored := *e
	s.entries = append(s.entries, &stored)
	s.byID[stored.ID] = &stored
	return nil
}

func (s *MemoryStore) Head(_ context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0, genesisHash, nil
	}
	last := s.entries[len(s.entries)-1]
	return last.Sequence, last.EntryHash, nil
}

func (s *MemoryStore) Walk(_ context.Context, fn func(*Entry) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			copied := *e
			out = append(out, &copied)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkArchived(_ context.Context, upToSeq uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.Sequence <= upToSeq && !e.Archived {
			e.Archived = true
			count++
		}
	}
	return count, nil
}

// Get retrieves an entry by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	copied := *e
	return &copied, nil
}

// tamper overwrites a stored entry in place. Test hook for integrity checks.
func (s *MemoryStore) tamper(seq uint64, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Sequence == seq {
			mutate(e)
			return nil
		}
	}
	return ErrEntryNotFound
}
