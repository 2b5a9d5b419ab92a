// Package tokentest mints signed tokens for tests. The signature is real
// (HS256 with a throwaway key) but clients never check it.
package tokentest

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	testKey = []byte("tokentest-signing-key")
	seq     atomic.Int64
)

type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// Options control a minted token. Zero values get defaults.
type Options struct {
	Subject   string
	SessionID string
	IssuedAt  time.Time
	Scope     string
}

// Mint returns a token expiring at exp.
func Mint(exp time.Time, opts Options) string {
	if opts.Subject == "" {
		opts.Subject = "user-1"
	}

	if opts.IssuedAt.IsZero() {
		opts.IssuedAt = exp.Add(-15 * time.Minute)
	}

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("jti-%d", seq.Add(1)),
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(opts.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: opts.SessionID,
		Scope:     opts.Scope,
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(testKey)
	if err != nil {
		panic("tokentest: signing: " + err.Error())
	}

	return s
}

// Pair returns an access token expiring after accessTTL and a refresh
// token expiring after refreshTTL, both measured from now.
func Pair(now time.Time, accessTTL, refreshTTL time.Duration, sessionID string) (access, refresh string) {
	opts := Options{SessionID: sessionID, IssuedAt: now}
	return Mint(now.Add(accessTTL), opts), Mint(now.Add(refreshTTL), opts)
}
