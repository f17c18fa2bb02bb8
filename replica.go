package ledgersync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/ledgersync/internal/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// logTimeLayout is how change_log timestamps are stored; it matches the
// strftime default the outbox triggers use.
const logTimeLayout = "2006-01-02T15:04:05"

// Tables that are never mirrored: the log itself and sqlite/goose bookkeeping.
var reservedTables = map[string]bool{
	"change_log":       true,
	"goose_db_version": true,
	"sqlite_sequence":  true,
}

// goose keeps dialect and base-FS as package state; serialize bootstraps so
// replicas for different accounts can open concurrently.
var migrateMu sync.Mutex

// Replica is one account's durable mirror: the mirrored table set plus its
// own change log, stored in a single SQLite file.
type Replica struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// OpenReplica opens or creates a replica store at path.
func OpenReplica(path string) (*Replica, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create replica directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	// WAL mode so a pull can read while another session's apply commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	r := &Replica{db: db, path: path}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate replica schema: %w", err)
	}

	return r, nil
}

func (r *Replica) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("replica: set goose dialect: %w", err)
	}
	if err := goose.Up(r.db, "."); err != nil {
		return fmt.Errorf("replica: run migrations: %w", err)
	}
	return nil
}

// Path returns the replica's database file path.
func (r *Replica) Path() string { return r.path }

// Close closes the replica store.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

// Lock serializes apply and cursor reads for this replica. Callers hold it
// for the duration of one operation; see Engine.
func (r *Replica) Lock()   { r.mu.Lock() }
func (r *Replica) Unlock() { r.mu.Unlock() }

// Columns reflects the named mirrored table and returns its column names.
// Reserved tables and tables absent from the schema yield ErrUnknownTable.
func (r *Replica) Columns(ctx context.Context, table string) ([]string, error) {
	set, err := r.columnSet(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

func (r *Replica) columnSet(ctx context.Context, table string) (map[string]bool, error) {
	if reservedTables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("reflect %s: %w", table, err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		set[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return set, nil
}

// checkColumns verifies every payload field exists in the reflected column
// set, so payload keys can be spliced into SQL as identifiers.
func checkColumns(table string, set map[string]bool, data Row) error {
	for column := range data {
		if !set[column] {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
		}
	}
	return nil
}

// sortedColumns returns the payload's column names in deterministic order.
func sortedColumns(data Row) []string {
	cols := make([]string, 0, len(data))
	for c := range data {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRow(ctx context.Context, ex execer, table string, data Row) error {
	cols := sortedColumns(data)
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c)
		marks[i] = "?"
		args[i] = data[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "))
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func updateRow(ctx context.Context, ex execer, table string, rowID int64, data Row) error {
	cols := sortedColumns(data)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		if c == PrimaryKeyColumn {
			continue
		}
		sets = append(sets, quoteIdent(c)+" = ?")
		args = append(args, data[c])
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, rowID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(table), strings.Join(sets, ", "), quoteIdent(PrimaryKeyColumn))
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func deleteRow(ctx context.Context, ex execer, table string, rowID int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
		quoteIdent(table), quoteIdent(PrimaryKeyColumn))
	_, err := ex.ExecContext(ctx, query, rowID)
	return err
}

// Insert writes a new row with exactly the given fields. On a store with the
// outbox installed the insert trigger captures it.
func (r *Replica) Insert(ctx context.Context, table string, data Row) error {
	set, err := r.columnSet(ctx, table)
	if err != nil {
		return err
	}
	if err := checkColumns(table, set, data); err != nil {
		return err
	}
	return insertRow(ctx, r.db, table, data)
}

// Update rewrites the row matching the payload's primary key.
func (r *Replica) Update(ctx context.Context, table string, data Row) error {
	rowID, ok := data.PrimaryKey()
	if !ok {
		return ErrMissingRowID
	}
	set, err := r.columnSet(ctx, table)
	if err != nil {
		return err
	}
	if err := checkColumns(table, set, data); err != nil {
		return err
	}
	return updateRow(ctx, r.db, table, rowID, data)
}

// Delete removes the row with the given primary key.
func (r *Replica) Delete(ctx context.Context, table string, rowID int64) error {
	if _, err := r.columnSet(ctx, table); err != nil {
		return err
	}
	return deleteRow(ctx, r.db, table, rowID)
}

// SelectByKey fetches the full current row by primary key.
// Returns ErrRowNotFound when the row is absent.
func (r *Replica) SelectByKey(ctx context.Context, table string, rowID int64) (Row, error) {
	if _, err := r.columnSet(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?",
		quoteIdent(table), quoteIdent(PrimaryKeyColumn))
	rows, err := r.db.QueryContext(ctx, query, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s[%d]", ErrRowNotFound, table, rowID)
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(Row, len(cols))
	for i, c := range cols {
		if b, ok := values[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = values[i]
	}
	return row, rows.Err()
}

// ApplyChange performs the mutation a change describes and appends the
// corresponding log entry, as a single atomic unit. The log entry reuses the
// inbound log id and carries syncTime; either both row and entry are durable
// or neither is.
func (r *Replica) ApplyChange(ctx context.Context, change Change, syncTime time.Time) error {
	if !change.Operation.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, string(change.Operation))
	}
	rowID, ok := change.Data.PrimaryKey()
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrMissingRowID, change.Operation, change.TableName)
	}
	changeTime, err := parseChangeTime(change.Timestamp, syncTime)
	if err != nil {
		return fmt.Errorf("%w: %q", err, change.Timestamp)
	}

	set, err := r.columnSet(ctx, change.TableName)
	if err != nil {
		return err
	}
	if err := checkColumns(change.TableName, set, change.Data); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replica: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	var maxBefore sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(id) FROM change_log").Scan(&maxBefore); err != nil {
		return fmt.Errorf("replica: read log high-water mark: %w", err)
	}

	switch change.Operation {
	case OpInsert:
		err = insertRow(ctx, tx, change.TableName, change.Data)
	case OpUpdate:
		err = updateRow(ctx, tx, change.TableName, rowID, change.Data)
	case OpDelete:
		err = deleteRow(ctx, tx, change.TableName, rowID)
	}
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", change.Operation, change.TableName, err)
	}

	// On a store with the outbox installed the mutation's trigger just queued
	// an echo of this change; drop it so an applied pull is not pushed back.
	// The authoritative entry with the inbound id follows.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM change_log WHERE id > ? AND sync_time IS NULL", maxBefore.Int64); err != nil {
		return fmt.Errorf("drop trigger capture: %w", err)
	}

	entry := ChangeEntry{
		ID:         change.LogID,
		TableName:  change.TableName,
		RowID:      rowID,
		Operation:  change.Operation,
		ChangeTime: changeTime,
		SyncTime:   &syncTime,
	}
	if err := appendLog(ctx, tx, entry); err != nil {
		return fmt.Errorf("append log entry %d: %w", change.LogID, err)
	}

	return tx.Commit()
}

func appendLog(ctx context.Context, ex execer, e ChangeEntry) error {
	var syncTime any
	if e.SyncTime != nil {
		syncTime = e.SyncTime.UTC().Format(logTimeLayout)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO change_log (id, table_name, row_id, operation, change_time, sync_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.TableName, e.RowID, string(e.Operation), e.ChangeTime.UTC().Format(logTimeLayout), syncTime)
	return err
}

// AppendLog appends a change-log entry outside an apply. Used by tooling and
// tests; normal replication appends within ApplyChange's transaction.
func (r *Replica) AppendLog(ctx context.Context, e ChangeEntry) error {
	return appendLog(ctx, r.db, e)
}

// LogByID fetches the change-log entry with exactly the given id.
// Returns ErrNoMoreChanges when no such entry exists.
func (r *Replica) LogByID(ctx context.Context, id int64) (*ChangeEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, table_name, row_id, operation, change_time, sync_time
		FROM change_log WHERE id = ?
	`, id)
	return scanLogEntry(row)
}

func scanLogEntry(row *sql.Row) (*ChangeEntry, error) {
	var (
		e          ChangeEntry
		op         string
		changeTime string
		syncTime   sql.NullString
	)
	err := row.Scan(&e.ID, &e.TableName, &e.RowID, &op, &changeTime, &syncTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMoreChanges
	}
	if err != nil {
		return nil, err
	}
	e.Operation = Operation(op)
	e.ChangeTime, err = parseChangeTime(changeTime, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("log entry %d: change_time %q: %w", e.ID, changeTime, err)
	}
	if syncTime.Valid {
		t, err := parseChangeTime(syncTime.String, time.Time{})
		if err == nil {
			e.SyncTime = &t
		}
	}
	return &e, nil
}

// MaxLogID returns the highest change-log id, or 0 for an empty log.
func (r *Replica) MaxLogID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(id) FROM change_log").Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// PendingLog returns outbox entries not yet acknowledged by the replica, in
// id order. On the capturing side sync_time is NULL until a push succeeds.
func (r *Replica) PendingLog(ctx context.Context) ([]ChangeEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, table_name, row_id, operation, change_time, sync_time
		FROM change_log WHERE sync_time IS NULL ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []ChangeEntry
	for rows.Next() {
		var (
			e          ChangeEntry
			op         string
			changeTime string
			syncTime   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TableName, &e.RowID, &op, &changeTime, &syncTime); err != nil {
			return nil, err
		}
		e.Operation = Operation(op)
		e.ChangeTime, err = parseChangeTime(changeTime, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("log entry %d: change_time %q: %w", e.ID, changeTime, err)
		}
		pending = append(pending, e)
	}
	return pending, rows.Err()
}

// MarkSynced records that the replica acknowledged the outbox entry.
// Setting sync_time is the only update the log ever sees.
func (r *Replica) MarkSynced(ctx context.Context, id int64, syncedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE change_log SET sync_time = ? WHERE id = ?",
		syncedAt.UTC().Format(logTimeLayout), id)
	return err
}
