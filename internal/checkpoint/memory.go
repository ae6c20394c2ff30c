package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps checkpoints in process memory. It is the store of
// choice for tests and throwaway runs; nothing survives the process.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string][]byte // marshalled snapshots, keyed by checkpoint ID
	meta map[string][]Meta // session ID -> metas in save order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string][]byte),
		meta: make(map[string][]Meta),
	}
}

// Save implements [Store]. Checkpoints are stored marshalled so later
// mutation of the saved value cannot leak into the store.
func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[cp.ID]; ok {
		return fmt.Errorf("checkpoint: save: duplicate id %q", cp.ID)
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: save: marshal: %w", err)
	}
	s.byID[cp.ID] = raw
	s.meta[cp.SessionID] = append(s.meta[cp.SessionID], cp.Meta())
	return nil
}

// Load implements [Store].
func (s *MemoryStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	raw, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint: load %q: %w", id, ErrNotFound)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: load %q: unmarshal: %w", id, err)
	}
	return &cp, nil
}

// Latest implements [Store].
func (s *MemoryStore) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	metas := s.meta[sessionID]
	var best *Meta
	for i := range metas {
		if best == nil || metas[i].Turn > best.Turn {
			best = &metas[i]
		}
	}
	s.mu.RUnlock()

	if best == nil {
		return nil, fmt.Errorf("checkpoint: latest for session %q: %w", sessionID, ErrNotFound)
	}
	return s.Load(ctx, best.ID)
}

// LoadAt implements [Store]. When a turn was checkpointed more than once
// (a crash between save and resume), the most recently saved one wins.
func (s *MemoryStore) LoadAt(ctx context.Context, sessionID string, turn int) (*Checkpoint, error) {
	s.mu.RLock()
	metas := s.meta[sessionID]
	var best *Meta
	for i := range metas {
		if metas[i].Turn == turn {
			best = &metas[i]
		}
	}
	s.mu.RUnlock()

	if best == nil {
		return nil, fmt.Errorf("checkpoint: session %q turn %d: %w", sessionID, turn, ErrNotFound)
	}
	return s.Load(ctx, best.ID)
}

// List implements [Store].
func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Meta, len(s.meta[sessionID]))
	copy(out, s.meta[sessionID])
	sort.Slice(out, func(i, j int) bool { return out[i].Turn < out[j].Turn })
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (s *MemoryStore) Close() error { return nil }
