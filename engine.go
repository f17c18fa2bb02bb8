package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the replication core: it applies pushed changes to an account's
// replica and serves cursor reads over the replica's change log. All calls
// for one account are serialized on that replica; different accounts share
// nothing and run in parallel.
type Engine struct {
	registry *Registry
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine creates an engine over the given registry.
func NewEngine(registry *Registry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

// Apply performs one pushed change against the account's replica: date-like
// string values are canonicalized, the row mutation is dispatched on the
// operation, and a log entry carrying the inbound log id and the apply time
// is appended in the same transaction.
//
// Re-applying an acknowledged insert is not idempotent: it fails on the
// primary-key constraint and leaves the first apply's effect intact.
func (e *Engine) Apply(ctx context.Context, accountID uuid.UUID, change Change) error {
	rep, err := e.registry.Open(accountID)
	if err != nil {
		return err
	}

	rep.Lock()
	defer rep.Unlock()
	if rep.closed {
		return ErrReplicaClosed
	}

	change.Data = NormalizeRow(change.Data)
	if err := rep.ApplyChange(ctx, change, e.now().UTC()); err != nil {
		return err
	}

	e.log.Debug("change applied",
		zap.String("account", accountID.String()),
		zap.Int64("log_id", change.LogID),
		zap.String("table", change.TableName),
		zap.String("operation", string(change.Operation)))
	return nil
}

// CursorRead returns the change-log entry with id exactly offset+1 together
// with the full current row it references. The strict offset+1 addressing
// forces callers to consume the log in order, one entry per round trip; the
// cursor is simply the last-seen id.
//
// Returns ErrNoMoreChanges when the caller has caught up, and ErrCorruptedLog
// when the entry references a row that no longer exists.
func (e *Engine) CursorRead(ctx context.Context, accountID uuid.UUID, offset int64) (*ChangeEntry, Row, error) {
	rep, err := e.registry.Open(accountID)
	if err != nil {
		return nil, nil, err
	}

	rep.Lock()
	defer rep.Unlock()
	if rep.closed {
		return nil, nil, ErrReplicaClosed
	}

	entry, err := rep.LogByID(ctx, offset+1)
	if err != nil {
		return nil, nil, err
	}

	row, err := rep.SelectByKey(ctx, entry.TableName, entry.RowID)
	if errors.Is(err, ErrRowNotFound) {
		e.log.Warn("log entry references missing row",
			zap.String("account", accountID.String()),
			zap.Int64("log_id", entry.ID),
			zap.String("table", entry.TableName),
			zap.Int64("row_id", entry.RowID))
		return nil, nil, fmt.Errorf("%w: entry %d references %s[%d]",
			ErrCorruptedLog, entry.ID, entry.TableName, entry.RowID)
	}
	if err != nil {
		return nil, nil, err
	}

	return entry, NormalizeRow(row), nil
}
