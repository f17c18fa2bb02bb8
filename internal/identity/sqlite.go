package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    email         TEXT    NOT NULL UNIQUE,
    password_hash TEXT    NOT NULL,
    account_uuid  TEXT    NOT NULL UNIQUE,
    registered_on TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%S', 'now'))
);

CREATE TABLE IF NOT EXISTS account_tokens (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    token      TEXT    NOT NULL UNIQUE,
    revoked    INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore is the default single-node account store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the account database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap identity schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateAccount(ctx context.Context, email, passwordHash string, accountUUID uuid.UUID) (*Account, error) {
	now := time.Now().UTC().Format("2006-01-02T15:04:05")
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, password_hash, account_uuid, registered_on)
		VALUES (?, ?, ?, ?)
	`, email, passwordHash, accountUUID.String(), now)
	if err != nil {
		// Concurrent registration can slip past the caller's existence check;
		// the UNIQUE constraint on email is the authority.
		var serr *sqlite.Error
		if errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, email)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	registered, _ := time.Parse("2006-01-02T15:04:05", now)
	return &Account{ID: id, Email: email, AccountUUID: accountUUID, RegisteredOn: registered}, nil
}

func (s *SQLiteStore) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, account_uuid, registered_on FROM accounts WHERE email = ?
	`, email)

	var (
		a          Account
		rawUUID    string
		registered string
	)
	err := row.Scan(&a.ID, &a.Email, &rawUUID, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	if err != nil {
		return nil, err
	}

	a.AccountUUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("account %s has corrupt uuid: %w", email, err)
	}
	a.RegisteredOn, _ = time.Parse("2006-01-02T15:04:05", registered)
	return &a, nil
}

func (s *SQLiteStore) PasswordHash(ctx context.Context, accountID int64) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT password_hash FROM accounts WHERE id = ?", accountID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	return hash, err
}

func (s *SQLiteStore) SaveToken(ctx context.Context, accountID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO account_tokens (account_id, token) VALUES (?, ?)", accountID, token)
	return err
}

func (s *SQLiteStore) TokenRevoked(ctx context.Context, token string) (bool, error) {
	var revoked int
	err := s.db.QueryRowContext(ctx,
		"SELECT revoked FROM account_tokens WHERE token = ?", token).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTokenInvalid
	}
	if err != nil {
		return false, err
	}
	return revoked != 0, nil
}

func (s *SQLiteStore) RevokeToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE account_tokens SET revoked = 1 WHERE token = ?", token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenInvalid
	}
	return nil
}
