// Package storage defines the key/value port the session engine persists
// through and ships the in-memory, file and Redis implementations. The
// bbolt-backed implementation lives in package state.
//
// The engine uses two independent instances of the same contract: a
// durable store for tokens, cached identity and the device id, and an
// ephemeral store scoped to one flow (OAuth state nonces).
package storage

import "context"

// Keys used by the engine.
const (
	KeyAccessToken     = "accessToken"
	KeyRefreshToken    = "refreshToken"
	KeyCachedUser      = "cachedUser"
	KeyCachedSessionID = "cachedSessionId"
	KeyDeviceID        = "deviceId"

	KeyOAuthState     = "oauthState"
	KeyOAuthLinkState = "oauthLinkState"
)

// Store is a string key/value store. Get reads the requested keys from
// one consistent snapshot and Set writes every entry atomically, so a
// reader never observes part of a batch. Get omits missing keys from the
// returned map.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, entries map[string]string) error
	Clear(ctx context.Context, keys ...string) error
}

// GetOne reads a single key.
func GetOne(ctx context.Context, s Store, key string) (string, bool, error) {
	m, err := s.Get(ctx, key)
	if err != nil {
		return "", false, err
	}

	v, ok := m[key]

	return v, ok, nil
}
