package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the device side of a sync session. It owns a local store with
// the outbox installed, pushes captured changes to the account's replica,
// and pulls the replica log to catch up.
type Client struct {
	local *Replica
	conn  *websocket.Conn

	// The session protocol is strictly one reply per message.
	mu sync.Mutex
}

// Dial opens an authenticated sync session. url is the server's /sync
// endpoint (ws:// or wss://); token is the bearer credential from login.
// local may be nil for pull-only use.
func Dial(ctx context.Context, url, token string, local *Replica) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial sync session: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial sync session: %w", err)
	}

	return &Client{local: local, conn: conn}, nil
}

// Close terminates the session. The local store stays open; the caller owns
// its lifecycle.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, env Envelope, reply any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		_ = c.conn.SetReadDeadline(deadline)
	}

	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	if err := c.conn.ReadJSON(reply); err != nil {
		return fmt.Errorf("read %s reply: %w", env.Kind, err)
	}
	return nil
}

// Push sends one change and waits for the acknowledgement.
func (c *Client) Push(ctx context.Context, change Change) error {
	var reply PushReply
	if err := c.roundTrip(ctx, Envelope{Kind: KindPush, Push: &change}, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("push log entry %d: %s", change.LogID, reply.Error)
	}
	return nil
}

// PushPending drains the local outbox: every log entry without a sync_time
// is sent in id order and marked synced once acknowledged. Returns the
// number of entries pushed. A failed push stops the drain; the remaining
// entries stay pending and a later call resends them.
func (c *Client) PushPending(ctx context.Context) (int, error) {
	if c.local == nil {
		return 0, errors.New("no local store attached")
	}

	pending, err := c.local.PendingLog(ctx)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, entry := range pending {
		change, err := c.changeFor(ctx, entry)
		if err != nil {
			return pushed, err
		}
		if err := c.Push(ctx, change); err != nil {
			return pushed, err
		}
		if err := c.local.MarkSynced(ctx, entry.ID, time.Now().UTC()); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

// changeFor builds the push payload for an outbox entry. Inserts and updates
// carry the row's current state; deletes carry only the key.
func (c *Client) changeFor(ctx context.Context, entry ChangeEntry) (Change, error) {
	change := Change{
		LogID:     entry.ID,
		TableName: entry.TableName,
		Operation: entry.Operation,
		Timestamp: entry.ChangeTime.Format(logTimeLayout),
	}

	if entry.Operation == OpDelete {
		change.Data = Row{PrimaryKeyColumn: entry.RowID}
		return change, nil
	}

	row, err := c.local.SelectByKey(ctx, entry.TableName, entry.RowID)
	if errors.Is(err, ErrRowNotFound) {
		return Change{}, fmt.Errorf("outbox entry %d: %s[%d] no longer exists locally: %w",
			entry.ID, entry.TableName, entry.RowID, err)
	}
	if err != nil {
		return Change{}, err
	}
	change.Data = row
	return change, nil
}

// Pull requests the log entry immediately after offset.
// Returns ErrNoMoreChanges once the caller has caught up.
func (c *Client) Pull(ctx context.Context, offset int64) (*PullReply, error) {
	var reply PullReply
	env := Envelope{Kind: KindPull, Pull: &PullRequest{OffsetID: offset}}
	if err := c.roundTrip(ctx, env, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		if reply.Error == ErrNoMoreChanges.Error() {
			return nil, ErrNoMoreChanges
		}
		return nil, fmt.Errorf("pull after %d: %s", offset, reply.Error)
	}
	return &reply, nil
}

// PullAll walks the replica log from offset until it is exhausted, feeding
// each reply's log id back as the next cursor. When a local store is
// attached, every pulled change is applied to it before the walk advances,
// so a failure leaves the local log ending exactly at the last applied id.
func (c *Client) PullAll(ctx context.Context, offset int64) ([]PullReply, error) {
	var entries []PullReply
	cursor := offset
	for {
		reply, err := c.Pull(ctx, cursor)
		if errors.Is(err, ErrNoMoreChanges) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		if c.local != nil {
			if err := c.applyPulled(ctx, reply); err != nil {
				return entries, err
			}
		}
		entries = append(entries, *reply)
		cursor = reply.LogID
	}
}

// CatchUp resumes pulling from the local log's high-water mark and applies
// everything the replica holds beyond it. Returns the number of changes
// applied; a later call continues where a failed one stopped.
func (c *Client) CatchUp(ctx context.Context) (int, error) {
	if c.local == nil {
		return 0, errors.New("no local store attached")
	}
	offset, err := c.local.MaxLogID(ctx)
	if err != nil {
		return 0, err
	}
	replies, err := c.PullAll(ctx, offset)
	return len(replies), err
}

// applyPulled writes one pulled change into the local store: the row mutation
// plus a log entry reusing the replica's id, so the shared id space and the
// cursor position survive the hop.
func (c *Client) applyPulled(ctx context.Context, reply *PullReply) error {
	change := Change{
		LogID:     reply.LogID,
		TableName: reply.TableName,
		Operation: reply.Operation,
		Data:      reply.Data,
		Timestamp: reply.ChangeTime,
	}
	syncTime, err := parseChangeTime(reply.SyncTime, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pulled entry %d: sync_time %q: %w", reply.LogID, reply.SyncTime, err)
	}
	if err := c.local.ApplyChange(ctx, change, syncTime); err != nil {
		return fmt.Errorf("apply pulled entry %d: %w", reply.LogID, err)
	}
	return nil
}
