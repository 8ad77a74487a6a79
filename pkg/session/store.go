package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when loading a session id with no document.
var ErrNotFound = errors.New("session: not found")

// Store persists sessions as one JSON document each under a directory.
// Writes are atomic (temp file plus rename) so a crash at a cycle boundary
// never leaves a torn document.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed. If dir is
// empty, defaults to ~/.stitch/sessions.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".stitch", "sessions")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (st *Store) Dir() string { return st.dir }

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// Save writes the session document atomically.
func (st *Store) Save(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tempPath := st.path(s.ID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp session file: %w", err)
	}
	if err := os.Rename(tempPath, st.path(s.ID)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

// Load reads a session by id.
func (st *Store) Load(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %q: %w", id, err)
	}
	return &s, nil
}

// Delete removes a session document. Sessions are only ever destroyed by
// this explicit call, never implicitly.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.Remove(st.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// List returns the ids of all persisted sessions.
func (st *Store) List() ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// FindByName returns the most recently updated session with the given name,
// or ErrNotFound.
func (st *Store) FindByName(name string) (*Session, error) {
	ids, err := st.List()
	if err != nil {
		return nil, err
	}

	var best *Session
	for _, id := range ids {
		s, err := st.Load(id)
		if err != nil {
			continue
		}
		if s.Name != name {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("find %q: %w", name, ErrNotFound)
	}
	return best, nil
}
