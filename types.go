package ledgersync

import (
	"strconv"
	"time"
)

// Operation identifies the kind of row mutation a change-log entry records.
type Operation string

const (
	OpInsert Operation = "I"
	OpUpdate Operation = "U"
	OpDelete Operation = "D"
)

// IsValid reports whether the operation is one of the three recognized kinds.
func (o Operation) IsValid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PrimaryKeyColumn is the primary-key column name shared by every mirrored
// table. It lets the engine locate a row without a schema reference.
const PrimaryKeyColumn = "id"

// Row is one row of a mirrored table, keyed by column name. Values carry
// whatever the wire codec produced; date-like strings are canonicalized by
// NormalizeRow before they are written.
type Row map[string]any

// PrimaryKey extracts the row's primary key. The second return is false when
// the key column is absent, empty, or not representable as an integer.
func (r Row) PrimaryKey() (int64, bool) {
	v, ok := r[PrimaryKeyColumn]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, n != 0
	case int:
		return int64(n), n != 0
	case float64:
		return int64(n), n != 0
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, id != 0
	}
	return 0, false
}

// ChangeEntry is one record of the append-only change log. On the capturing
// side SyncTime is nil; the replica sets it when the mutation has been
// durably applied.
type ChangeEntry struct {
	ID         int64      `json:"id"`
	TableName  string     `json:"table_name"`
	RowID      int64      `json:"row_id"`
	Operation  Operation  `json:"operation"`
	ChangeTime time.Time  `json:"change_time"`
	SyncTime   *time.Time `json:"sync_time,omitempty"`
}

// Change describes one inbound mutation: the payload of a push message.
// LogID is the capturing side's log id; the replica reuses it rather than
// minting its own, so the two logs share an id space.
type Change struct {
	LogID     int64     `json:"log_id"`
	TableName string    `json:"table_name"`
	Operation Operation `json:"operation"`
	Data      Row       `json:"data"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Message kinds carried by a sync session.
const (
	KindPush = "push"
	KindPull = "pull"
)

// Envelope frames one client message on a sync session. Exactly one of Push
// or Pull is set, according to Kind.
type Envelope struct {
	Kind string       `json:"kind"`
	Push *Change      `json:"push,omitempty"`
	Pull *PullRequest `json:"pull,omitempty"`
}

// PullRequest asks for the log entry immediately after OffsetID.
type PullRequest struct {
	OffsetID int64 `json:"offset_id"`
}

// PushReply acknowledges a push. Either Message is "OK" or Error is set.
type PushReply struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Reply renders the entry and its current row as a pull reply, with log
// timestamps in their portable string form.
func (e *ChangeEntry) Reply(data Row) PullReply {
	reply := PullReply{
		LogID:      e.ID,
		TableName:  e.TableName,
		Operation:  e.Operation,
		RowID:      e.RowID,
		ChangeTime: e.ChangeTime.Format(logTimeLayout),
		Data:       data,
	}
	if e.SyncTime != nil {
		reply.SyncTime = e.SyncTime.Format(logTimeLayout)
	}
	return reply
}

// PullReply returns one change-log entry together with the full current row,
// or an error. "no more changes" signals the caller has caught up.
type PullReply struct {
	LogID      int64     `json:"log_id,omitempty"`
	TableName  string    `json:"table_name,omitempty"`
	Operation  Operation `json:"operation,omitempty"`
	RowID      int64     `json:"row_id,omitempty"`
	ChangeTime string    `json:"change_time,omitempty"`
	SyncTime   string    `json:"sync_time,omitempty"`
	Data       Row       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
}
