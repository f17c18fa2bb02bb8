package ledgersync

import (
	"errors"
	"fmt"
)

// Common errors returned by the sync engine and replica store.
var (
	// ErrNoMoreChanges is returned by CursorRead when no entry exists at
	// offset+1. It is the expected terminal condition of catching up.
	ErrNoMoreChanges = errors.New("no more changes")

	// ErrCorruptedLog is returned when a log entry references a row that no
	// longer exists in its table.
	ErrCorruptedLog = errors.New("change log is corrupted")

	// ErrMissingRowID is returned when a change payload lacks a usable
	// primary-key value.
	ErrMissingRowID = errors.New("missing row id in change payload")

	// ErrUnknownOperation is returned for an operation outside I/U/D.
	ErrUnknownOperation = errors.New("unsupported operation")

	// ErrUnknownTable is returned when a change names a table the replica
	// schema does not contain.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnknownColumn is returned when a change payload carries a field the
	// target table does not have.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrRowNotFound is returned by SelectByKey when no row matches the key.
	ErrRowNotFound = errors.New("row not found")

	// ErrReplicaClosed is returned when operating on a closed replica.
	ErrReplicaClosed = errors.New("replica is closed")

	// ErrBadTimestamp is returned when a change carries a timestamp that does
	// not parse as ISO-8601.
	ErrBadTimestamp = errors.New("timestamp is not ISO-8601")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a change-validation failure: the
// operation was refused before touching the replica and the session may
// continue.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingRowID) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrUnknownTable) ||
		errors.Is(err, ErrUnknownColumn) ||
		errors.Is(err, ErrBadTimestamp)
}
