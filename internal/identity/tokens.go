package identity

import (
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer signs and verifies session bearer tokens. Tokens carry the
// account UUID so verification resolves the replica identity without a
// store round trip; revocation still goes through the store.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer with the given signing secret and token
// lifetime.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

type sessionClaims struct {
	AccountUUID string `json:"auid"`
	jwtv5.RegisteredClaims
}

// Issue signs a token for the account.
func (i *TokenIssuer) Issue(account *Account) (string, error) {
	now := i.now()
	claims := sessionClaims{
		AccountUUID: account.AccountUUID.String(),
		RegisteredClaims: jwtv5.RegisteredClaims{
			Subject:   account.Email,
			IssuedAt:  jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signed token, returning the account UUID it
// was issued for.
func (i *TokenIssuer) Verify(token string) (uuid.UUID, error) {
	var claims sessionClaims
	parsed, err := jwtv5.ParseWithClaims(token, &claims, func(t *jwtv5.Token) (any, error) {
		return i.secret, nil
	}, jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}), jwtv5.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return uuid.Nil, ErrTokenExpired
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return uuid.Nil, ErrTokenInvalid
	}

	accountUUID, err := uuid.Parse(claims.AccountUUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad account id", ErrTokenInvalid)
	}
	return accountUUID, nil
}
