// Package tokenstore persists the current token pair and the cached
// identity of the signed-in user through a durable storage port.
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/storage"
)

// Store reads and writes session entries on a durable storage.Store.
type Store struct {
	kv storage.Store
}

// New returns a Store over kv.
func New(kv storage.Store) *Store {
	return &Store{kv: kv}
}

// Save writes both halves of pair in one batch.
func (s *Store) Save(ctx context.Context, pair models.TokenPair) error {
	err := s.kv.Set(ctx, map[string]string{
		storage.KeyAccessToken:  pair.AccessToken,
		storage.KeyRefreshToken: pair.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("saving token pair: %w", err)
	}

	return nil
}

// Load returns the stored pair. A missing or half-present pair reports
// false.
func (s *Store) Load(ctx context.Context) (models.TokenPair, bool, error) {
	m, err := s.kv.Get(ctx, storage.KeyAccessToken, storage.KeyRefreshToken)
	if err != nil {
		return models.TokenPair{}, false, fmt.Errorf("loading token pair: %w", err)
	}

	pair := models.TokenPair{
		AccessToken:  m[storage.KeyAccessToken],
		RefreshToken: m[storage.KeyRefreshToken],
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return models.TokenPair{}, false, nil
	}

	return pair, true, nil
}

// SaveSession writes the pair together with the session id and cached
// user, as one batch. Used after a successful sign-in.
func (s *Store) SaveSession(ctx context.Context, pair models.TokenPair, sessionID string, user *models.User) error {
	entries := map[string]string{
		storage.KeyAccessToken:  pair.AccessToken,
		storage.KeyRefreshToken: pair.RefreshToken,
	}

	if sessionID != "" {
		entries[storage.KeyCachedSessionID] = sessionID
	}

	if user != nil {
		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("encoding cached user: %w", err)
		}

		entries[storage.KeyCachedUser] = string(data)
	}

	if err := s.kv.Set(ctx, entries); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	return nil
}

// Clear removes the pair and the cached identity. The device id is kept:
// it labels the device, not the session.
func (s *Store) Clear(ctx context.Context) error {
	err := s.kv.Clear(ctx,
		storage.KeyAccessToken,
		storage.KeyRefreshToken,
		storage.KeyCachedUser,
		storage.KeyCachedSessionID,
	)
	if err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	return nil
}

// SaveUser caches the user profile.
func (s *Store) SaveUser(ctx context.Context, user models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding cached user: %w", err)
	}

	if err := s.kv.Set(ctx, map[string]string{storage.KeyCachedUser: string(data)}); err != nil {
		return fmt.Errorf("saving cached user: %w", err)
	}

	return nil
}

// User returns the cached user profile, if any.
func (s *Store) User(ctx context.Context) (*models.User, error) {
	raw, ok, err := storage.GetOne(ctx, s.kv, storage.KeyCachedUser)
	if err != nil {
		return nil, fmt.Errorf("loading cached user: %w", err)
	}

	if !ok || raw == "" {
		return nil, nil
	}

	var u models.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decoding cached user: %w", err)
	}

	return &u, nil
}

// SaveSessionID caches the id of this device's session.
func (s *Store) SaveSessionID(ctx context.Context, id string) error {
	if err := s.kv.Set(ctx, map[string]string{storage.KeyCachedSessionID: id}); err != nil {
		return fmt.Errorf("saving session id: %w", err)
	}

	return nil
}

// SessionID returns the cached session id, or "".
func (s *Store) SessionID(ctx context.Context) (string, error) {
	id, _, err := storage.GetOne(ctx, s.kv, storage.KeyCachedSessionID)
	if err != nil {
		return "", fmt.Errorf("loading session id: %w", err)
	}

	return id, nil
}
