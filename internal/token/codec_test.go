package token

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/alexjbarnes/sessionkeeper/internal/token/tokentest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCodec() *Codec {
	return NewCodec(func() time.Time { return fixedNow })
}

func unsigned(payload string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString([]byte(payload)) + ".sig"
}

func TestDecode_Claims(t *testing.T) {
	c := testCodec()
	tok := tokentest.Mint(fixedNow.Add(time.Hour), tokentest.Options{
		Subject:   "u-42",
		SessionID: "sess-9",
		IssuedAt:  fixedNow,
		Scope:     "read write",
	})

	claims, ok := c.Decode(tok)
	require.True(t, ok)
	assert.Equal(t, "u-42", claims.Subject)
	assert.Equal(t, "sess-9", claims.SessionID)
	assert.NotEmpty(t, claims.TokenID)
	assert.True(t, claims.IssuedAt.Equal(fixedNow))
	assert.True(t, claims.ExpiresAt.Equal(fixedNow.Add(time.Hour)))
	assert.Equal(t, []string{"read", "write"}, claims.Scopes)
}

func TestDecode_ScopesArray(t *testing.T) {
	claims, ok := testCodec().Decode(unsigned(`{"sub":"a","exp":1900000000,"scopes":["x","y",3]}`))
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, claims.Scopes)
}

func TestDecode_Malformed(t *testing.T) {
	inputs := []string{
		"",
		"not-a-token",
		"a.b",
		"a.b.c.d",
		"header..sig",
		"header.!!!.sig",
		unsigned(`not json`),
		unsigned(`[1,2,3]`),
		unsigned(`{"exp":"tomorrow"}`),
	}
	c := testCodec()
	for _, in := range inputs {
		claims, ok := c.Decode(in)
		assert.False(t, ok, "input %q should not decode", in)
		assert.Nil(t, claims)
	}
}

func TestIsExpired(t *testing.T) {
	c := testCodec()

	tests := []struct {
		name string
		exp  time.Time
		skew time.Duration
		want bool
	}{
		{"future", fixedNow.Add(10 * time.Minute), 0, false},
		{"past", fixedNow.Add(-time.Second), 0, true},
		{"exactly now", fixedNow, 0, true},
		{"inside skew", fixedNow.Add(20 * time.Second), 30 * time.Second, true},
		{"outside skew", fixedNow.Add(40 * time.Second), 30 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := tokentest.Mint(tt.exp, tokentest.Options{IssuedAt: fixedNow.Add(-time.Hour)})
			assert.Equal(t, tt.want, c.IsExpired(tok, tt.skew))
		})
	}
}

func TestIsExpired_UndecodableOrNoExp(t *testing.T) {
	c := testCodec()
	assert.True(t, c.IsExpired("garbage", 0))
	assert.True(t, c.IsExpired(unsigned(`{"sub":"a"}`), 0))
}

func TestExpiryInstant(t *testing.T) {
	c := testCodec()
	exp := fixedNow.Add(5 * time.Minute)

	got, ok := c.ExpiryInstant(tokentest.Mint(exp, tokentest.Options{}))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = c.ExpiryInstant("x.y.z")
	assert.False(t, ok)
}

func TestTimeToExpiry(t *testing.T) {
	c := testCodec()

	d, ok := c.TimeToExpiry(tokentest.Mint(fixedNow.Add(90*time.Second), tokentest.Options{}))
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)
}

func TestLifetime(t *testing.T) {
	c := testCodec()

	// The local clock plays no part.
	d, ok := c.Lifetime(tokentest.Mint(fixedNow.Add(-time.Hour), tokentest.Options{IssuedAt: fixedNow.Add(-time.Hour - 30*time.Second)}))
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = c.Lifetime(unsigned(`{"exp":1900000000}`))
	assert.False(t, ok)

	_, ok = c.Lifetime(unsigned(`{"iat":1900000000,"exp":1800000000}`))
	assert.False(t, ok)
}

func TestRefreshRotation_OldExpiredNewFresh(t *testing.T) {
	// After a refresh the previous access token has lapsed while the
	// freshly minted one has not.
	now := fixedNow
	clock := func() time.Time { return now }
	c := NewCodec(clock)

	oldAccess, _ := tokentest.Pair(now.Add(-15*time.Minute), 15*time.Minute, 24*time.Hour, "s")
	newAccess, _ := tokentest.Pair(now, 15*time.Minute, 24*time.Hour, "s")

	assert.True(t, c.IsExpired(oldAccess, 0))
	assert.False(t, c.IsExpired(newAccess, 0))
}
