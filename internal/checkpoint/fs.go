package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Compile-time interface check.
var _ Store = (*FSStore)(nil)

// FSStore persists checkpoints as JSON files under a root directory, one
// subdirectory per session:
//
//	<root>/<session-id>/t0004-<checkpoint-id>.json
//
// File names sort by turn, so Latest needs no index. Writes go through a
// temp file plus rename so a crashed run never leaves a truncated snapshot
// behind.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: fs store: %w", err)
	}
	return &FSStore{root: root}, nil
}

func fileName(cp *Checkpoint) string {
	return fmt.Sprintf("t%04d-%s.json", cp.Turn, cp.ID)
}

// Save implements [Store].
func (s *FSStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	dir := filepath.Join(s.root, cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}

	path := filepath.Join(dir, fileName(cp))
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("checkpoint: save: duplicate id %q", cp.ID)
	}

	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: save: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load implements [Store]. The ID alone identifies the file; the session
// directories are scanned for it.
func (s *FSStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "t????-"+id+".json"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %q: %w", id, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("checkpoint: load %q: %w", id, ErrNotFound)
	}
	return readSnapshot(matches[0])
}

// Latest implements [Store].
func (s *FSStore) Latest(_ context.Context, sessionID string) (*Checkpoint, error) {
	names, err := sessionFiles(filepath.Join(s.root, sessionID))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: latest for session %q: %w", sessionID, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("checkpoint: latest for session %q: %w", sessionID, ErrNotFound)
	}
	return readSnapshot(filepath.Join(s.root, sessionID, names[len(names)-1]))
}

// LoadAt implements [Store]. The turn prefix in the file name makes this a
// glob, no index needed.
func (s *FSStore) LoadAt(_ context.Context, sessionID string, turn int) (*Checkpoint, error) {
	pattern := filepath.Join(s.root, sessionID, fmt.Sprintf("t%04d-*.json", turn))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: session %q turn %d: %w", sessionID, turn, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("checkpoint: session %q turn %d: %w", sessionID, turn, ErrNotFound)
	}
	return readSnapshot(matches[len(matches)-1])
}

// List implements [Store].
func (s *FSStore) List(_ context.Context, sessionID string) ([]Meta, error) {
	names, err := sessionFiles(filepath.Join(s.root, sessionID))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list session %q: %w", sessionID, err)
	}

	metas := make([]Meta, 0, len(names))
	for _, name := range names {
		cp, err := readSnapshot(filepath.Join(s.root, sessionID, name))
		if err != nil {
			return nil, err
		}
		metas = append(metas, cp.Meta())
	}
	return metas, nil
}

// Close implements [Store]. It is a no-op.
func (s *FSStore) Close() error { return nil }

// sessionFiles returns a session directory's snapshot file names in turn
// order. A missing directory is an empty session, not an error.
func sessionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && strings.HasPrefix(e.Name(), "t") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func readSnapshot(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &cp, nil
}
