// Package secrets provides the session-scoped key-value store consulted by
// generated test code at run time.
//
// The store is explicitly constructed per session and passed into the
// collector, never a process-wide singleton: runs stay isolated and tests
// can build a store inline. Keys are write-once; once frozen the store is
// read-only and safe for concurrent readers without locking.
package secrets

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
)

// ErrKeyNotFound is returned by Get for absent keys. Generated code surfaces
// this as a normal run failure, recorded in the bundle status.
var ErrKeyNotFound = errors.New("secrets: key not found")

// ErrKeyExists is returned by Set when a key is written twice in one session.
var ErrKeyExists = errors.New("secrets: key already set")

// ErrStoreFrozen is returned by Set after Freeze.
var ErrStoreFrozen = errors.New("secrets: store is frozen")

// Store is a read-mostly namespace of string keys to string values, plus the
// test-scoped target URL.
type Store struct {
	targetURL string
	values    map[string]string
	frozen    bool
}

// NewStore creates an empty store for one session.
func NewStore(targetURL string) *Store {
	return &Store{
		targetURL: targetURL,
		values:    make(map[string]string),
	}
}

// Set writes a key. Each key may be written exactly once per session, and
// only before the store is frozen.
func (s *Store) Set(key, value string) error {
	if s.frozen {
		return fmt.Errorf("set %q: %w", key, ErrStoreFrozen)
	}
	if _, exists := s.values[key]; exists {
		return fmt.Errorf("set %q: %w", key, ErrKeyExists)
	}
	s.values[key] = value
	return nil
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *Store) Get(key string) (string, error) {
	value, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("get %q: %w", key, ErrKeyNotFound)
	}
	return value, nil
}

// TargetURL returns the base URL the test is scoped to.
func (s *Store) TargetURL() string { return s.targetURL }

// Len returns the number of stored keys.
func (s *Store) Len() int { return len(s.values) }

// Freeze makes the store read-only. Called by the controller before the
// first run begins.
func (s *Store) Freeze() { s.frozen = true }

// LoadEnv merges keys from a dotenv file into the store. Keys already set
// win; the env file never overwrites explicit configuration.
func (s *Store) LoadEnv(path string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	for key, value := range env {
		if _, exists := s.values[key]; exists {
			continue
		}
		if err := s.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}
