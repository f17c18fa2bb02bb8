package ledgersync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// outboxTriggers describes the three triggers installed per mirrored table.
// AFTER timing so the insert trigger sees the assigned primary key; the
// capture still runs inside the writing transaction, so a rollback discards
// both the row and its log entry.
var outboxTriggers = []struct {
	suffix string
	timing string
	rowRef string
	op     Operation
}{
	{suffix: "insert", timing: "AFTER INSERT", rowRef: "NEW", op: OpInsert},
	{suffix: "update", timing: "AFTER UPDATE", rowRef: "NEW", op: OpUpdate},
	{suffix: "delete", timing: "AFTER DELETE", rowRef: "OLD", op: OpDelete},
}

// EnsureOutbox idempotently installs change-capture triggers for a mirrored
// table. Every committed insert, update, or delete on the table then appends
// one change_log entry recording {table_name, row_id, operation}; sync_time
// stays NULL until a push is acknowledged.
func (r *Replica) EnsureOutbox(ctx context.Context, table string) error {
	if _, err := r.columnSet(ctx, table); err != nil {
		return err
	}

	for _, tr := range outboxTriggers {
		name := fmt.Sprintf("outbox_%s_%s", tr.suffix, table)

		var existing string
		err := r.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'trigger' AND name = ?",
			name).Scan(&existing)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check trigger %s: %w", name, err)
		}

		create := fmt.Sprintf(`
			CREATE TRIGGER %s
			%s ON %s
			FOR EACH ROW
			BEGIN
				INSERT INTO change_log (table_name, row_id, operation)
				VALUES (%s, %s.%s, '%s');
			END
		`, quoteIdent(name), tr.timing, quoteIdent(table), quoteString(table), tr.rowRef, PrimaryKeyColumn, tr.op)

		if _, err := r.db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("install trigger %s: %w", name, err)
		}
	}
	return nil
}
