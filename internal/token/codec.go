// Package token decodes opaque bearer tokens and does expiry arithmetic
// over them. Signatures are never checked here: the issuing server is the
// only party that verifies tokens. The codec reads the payload segment
// only, so it is safe to call on untrusted input.
package token

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// Claims are the payload fields the client consumes.
type Claims struct {
	Subject   string
	SessionID string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
}

// payload mirrors the wire payload. RegisteredClaims handles numeric
// dates encoded as integers or floats.
type payload struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
}

// Codec decodes tokens against an injectable clock.
type Codec struct {
	now    func() time.Time
	parser *jwt.Parser
}

// NewCodec returns a Codec. A nil clock uses time.Now.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}

	return &Codec{now: now, parser: jwt.NewParser()}
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Decode returns the claims of tok. Malformed input returns false.
func (c *Codec) Decode(tok string) (*Claims, bool) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, false
	}

	raw, err := c.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, false
	}

	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, false
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}

	claims := &Claims{
		Subject:   p.Subject,
		SessionID: p.SessionID,
		TokenID:   p.ID,
		Scopes:    scopes(raw),
	}

	if p.IssuedAt != nil {
		claims.IssuedAt = p.IssuedAt.Time
	}

	if p.ExpiresAt != nil {
		claims.ExpiresAt = p.ExpiresAt.Time
	}

	return claims, true
}

// scopes accepts both the OAuth "scope" space-delimited string and a
// "scopes" array.
func scopes(raw []byte) []string {
	if s := gjson.GetBytes(raw, "scope"); s.Type == gjson.String {
		return strings.Fields(s.String())
	}

	var out []string

	gjson.GetBytes(raw, "scopes").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			out = append(out, v.String())
		}

		return true
	})

	return out
}

// ExpiryInstant returns the expiry of tok. Tokens that do not decode or
// carry no exp claim return false.
func (c *Codec) ExpiryInstant(tok string) (time.Time, bool) {
	claims, ok := c.Decode(tok)
	if !ok || claims.ExpiresAt.IsZero() {
		return time.Time{}, false
	}

	return claims.ExpiresAt, true
}

// IsExpired reports whether tok is expired once skew is subtracted from
// its expiry. A token whose expiry cannot be read counts as expired.
func (c *Codec) IsExpired(tok string, skew time.Duration) bool {
	exp, ok := c.ExpiryInstant(tok)
	if !ok {
		return true
	}

	return !c.now().Before(exp.Add(-skew))
}

// TimeToExpiry returns how long until tok expires, or false when the
// expiry cannot be read.
func (c *Codec) TimeToExpiry(tok string) (time.Duration, bool) {
	exp, ok := c.ExpiryInstant(tok)
	if !ok {
		return 0, false
	}

	return exp.Sub(c.now()), true
}

// Lifetime returns the span between tok's iat and exp claims. It does not
// depend on the local clock. Tokens missing either claim return false.
func (c *Codec) Lifetime(tok string) (time.Duration, bool) {
	claims, ok := c.Decode(tok)
	if !ok || claims.IssuedAt.IsZero() || claims.ExpiresAt.IsZero() {
		return 0, false
	}

	d := claims.ExpiresAt.Sub(claims.IssuedAt)
	if d <= 0 {
		return 0, false
	}

	return d, true
}
