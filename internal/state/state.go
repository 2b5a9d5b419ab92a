// Package state is the default durable storage port: a bbolt database
// with one bucket of string entries.
package state

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.sessionkeeper/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var sessionBucket = []byte("session")

// State wraps a bbolt database holding the durable session entries.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.sessionkeeper/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get reads keys inside one read transaction.
func (s *State) Get(_ context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		for _, k := range keys {
			if v := b.Get([]byte(k)); v != nil {
				out[k] = string(v)
			}
		}

		return nil
	})

	return out, err
}

// Set writes all entries in a single bolt transaction.
func (s *State) Set(_ context.Context, entries map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		for k, v := range entries {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("writing %s: %w", k, err)
			}
		}

		return nil
	})
}

// Clear removes keys in a single bolt transaction.
func (s *State) Clear(_ context.Context, keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return fmt.Errorf("deleting %s: %w", k, err)
			}
		}

		return nil
	})
}

// Keys returns the number of stored entries.
func (s *State) Keys() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(sessionBucket).Stats().KeyN
		return nil
	})

	return count
}

// DefaultPath returns ~/.sessionkeeper/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Refuse to fall back to the working directory, where a database
		// holding refresh tokens could end up inside a source tree.
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".sessionkeeper", "state.db"), nil
}
