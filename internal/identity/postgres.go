package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id            BIGSERIAL PRIMARY KEY,
    email         TEXT        NOT NULL UNIQUE,
    password_hash TEXT        NOT NULL,
    account_uuid  UUID        NOT NULL UNIQUE,
    registered_on TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS account_tokens (
    id         BIGSERIAL PRIMARY KEY,
    account_id BIGINT  NOT NULL REFERENCES accounts(id),
    token      TEXT    NOT NULL UNIQUE,
    revoked    BOOLEAN NOT NULL DEFAULT FALSE
);
`

// PostgresStore backs the account store with a shared relational database,
// for deployments where several sync daemons serve the same account base.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the account database and ensures its schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect identity store: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap identity schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, email, passwordHash string, accountUUID uuid.UUID) (*Account, error) {
	var (
		id         int64
		registered time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, account_uuid)
		VALUES ($1, $2, $3)
		RETURNING id, registered_on
	`, email, passwordHash, accountUUID).Scan(&id, &registered)
	if err != nil {
		// 23505 = unique_violation; concurrent registration races the
		// caller's existence check.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, email)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &Account{ID: id, Email: email, AccountUUID: accountUUID, RegisteredOn: registered}, nil
}

func (s *PostgresStore) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, account_uuid, registered_on FROM accounts WHERE email = $1
	`, email).Scan(&a.ID, &a.Email, &a.AccountUUID, &a.RegisteredOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) PasswordHash(ctx context.Context, accountID int64) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT password_hash FROM accounts WHERE id = $1", accountID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	return hash, err
}

func (s *PostgresStore) SaveToken(ctx context.Context, accountID int64, token string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO account_tokens (account_id, token) VALUES ($1, $2)", accountID, token)
	return err
}

func (s *PostgresStore) TokenRevoked(ctx context.Context, token string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx,
		"SELECT revoked FROM account_tokens WHERE token = $1", token).Scan(&revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrTokenInvalid
	}
	return revoked, err
}

func (s *PostgresStore) RevokeToken(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE account_tokens SET revoked = TRUE WHERE token = $1", token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenInvalid
	}
	return nil
}
