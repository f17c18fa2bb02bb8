// Package identity manages accounts and the bearer tokens that authorize
// sync sessions. It is a collaborator of the sync engine: the engine only
// consumes the account identity a verified token resolves to.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Errors surfaced to callers. The sync server refuses a session for any of
// the token errors; expiry and revocation additionally terminate a session
// that is already open.
var (
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountNotFound     = errors.New("account does not exist")
	ErrCredentialsMismatch = errors.New("credentials mismatch")
	ErrTokenMissing        = errors.New("missing authorization")
	ErrTokenMalformed      = errors.New("malformed authorization")
	ErrTokenInvalid        = errors.New("token is invalid")
	ErrTokenExpired        = errors.New("token has expired")
	ErrTokenRevoked        = errors.New("token has been revoked")
)

// Account is a registered identity. AccountUUID addresses the account's
// replica store and never changes once assigned.
type Account struct {
	ID           int64
	Email        string
	AccountUUID  uuid.UUID
	RegisteredOn time.Time
}

// Store persists accounts, credentials, and issued tokens.
type Store interface {
	CreateAccount(ctx context.Context, email, passwordHash string, accountUUID uuid.UUID) (*Account, error)
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	PasswordHash(ctx context.Context, accountID int64) (string, error)

	SaveToken(ctx context.Context, accountID int64, token string) error
	// TokenRevoked reports whether the token was issued and whether it has
	// been revoked. An unknown token yields ErrTokenInvalid.
	TokenRevoked(ctx context.Context, token string) (bool, error)
	RevokeToken(ctx context.Context, token string) error

	Close() error
}

// Service implements registration, login, verification, and revocation.
type Service struct {
	store  Store
	issuer *TokenIssuer
	cache  VerdictCache
}

// NewService wires a service over a store. cache may be nil to disable
// verdict caching.
func NewService(store Store, issuer *TokenIssuer, cache VerdictCache) *Service {
	return &Service{store: store, issuer: issuer, cache: cache}
}

// Register creates an account with a fresh replica identity.
func (s *Service) Register(ctx context.Context, email, password string) (*Account, error) {
	if _, err := s.store.AccountByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, email)
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateAccount(ctx, email, string(hash), uuid.New())
}

// Login validates credentials and issues a bearer token, persisting it so it
// can later be revoked.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	account, err := s.store.AccountByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return "", fmt.Errorf("%w: %s", ErrCredentialsMismatch, email)
	}
	if err != nil {
		return "", err
	}

	hash, err := s.store.PasswordHash(ctx, account.ID)
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", fmt.Errorf("%w: %s", ErrCredentialsMismatch, email)
	}

	token, err := s.issuer.Issue(account)
	if err != nil {
		return "", err
	}
	if err := s.store.SaveToken(ctx, account.ID, token); err != nil {
		return "", err
	}
	return token, nil
}

// Verify resolves an Authorization header value to the account identity it
// authorizes. Missing, malformed, expired, and revoked credentials all
// refuse; callers distinguish expiry/revocation to terminate open sessions.
func (s *Service) Verify(ctx context.Context, authorization string) (uuid.UUID, error) {
	token, err := bearerToken(authorization)
	if err != nil {
		return uuid.Nil, err
	}

	accountUUID, err := s.issuer.Verify(token)
	if err != nil {
		return uuid.Nil, err
	}

	revoked, err := s.revokedCached(ctx, token)
	if err != nil {
		return uuid.Nil, err
	}
	if revoked {
		return uuid.Nil, ErrTokenRevoked
	}
	return accountUUID, nil
}

// Revoke invalidates the token carried by an Authorization header.
func (s *Service) Revoke(ctx context.Context, authorization string) error {
	token, err := bearerToken(authorization)
	if err != nil {
		return err
	}
	if err := s.store.RevokeToken(ctx, token); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Set(token, true)
	}
	return nil
}

func (s *Service) revokedCached(ctx context.Context, token string) (bool, error) {
	if s.cache != nil {
		if revoked, ok := s.cache.Get(token); ok {
			return revoked, nil
		}
	}
	revoked, err := s.store.TokenRevoked(ctx, token)
	if err != nil {
		return false, err
	}
	if s.cache != nil {
		s.cache.Set(token, revoked)
	}
	return revoked, nil
}

func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", ErrTokenMissing
	}
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrTokenMalformed
	}
	return parts[1], nil
}
