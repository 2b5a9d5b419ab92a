package authserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/alexjbarnes/sessionkeeper/internal/models"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

var errTokenType = errors.New("wrong token type")

type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Type      string `json:"typ"`
	Scope     string `json:"scope,omitempty"`
}

// issuer signs and verifies HS256 token pairs.
type issuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// issued is a freshly minted pair with the refresh token's id and expiry.
type issued struct {
	pair       models.TokenPair
	refreshJTI string
	refreshExp time.Time
}

func (i *issuer) issue(userID, sessionID string) (issued, error) {
	now := i.now()

	access, _, err := i.sign(userID, sessionID, typeAccess, now, now.Add(i.accessTTL))
	if err != nil {
		return issued{}, err
	}

	refreshExp := now.Add(i.refreshTTL)

	refresh, jti, err := i.sign(userID, sessionID, typeRefresh, now, refreshExp)
	if err != nil {
		return issued{}, err
	}

	return issued{
		pair:       models.TokenPair{AccessToken: access, RefreshToken: refresh},
		refreshJTI: jti,
		refreshExp: refreshExp,
	}, nil
}

func (i *issuer) sign(userID, sessionID, typ string, iat, exp time.Time) (tok, jti string, err error) {
	jti = ulid.Make().String()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: sessionID,
		Type:      typ,
	}

	if typ == typeAccess {
		c.Scope = "sessions profile"
	}

	tok, err = jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.key)
	if err != nil {
		return "", "", fmt.Errorf("signing %s token: %w", typ, err)
	}

	return tok, jti, nil
}

// parse verifies tok and checks its type.
func (i *issuer) parse(tok, typ string) (*claims, error) {
	c := &claims{}

	_, err := jwt.ParseWithClaims(tok, c,
		func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	if c.Type != typ || c.SessionID == "" || c.Subject == "" {
		return nil, errTokenType
	}

	return c, nil
}
