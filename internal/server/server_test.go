package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/ledgersync"
	"github.com/hyperengineering/ledgersync/internal/identity"
)

type testStack struct {
	ts  *httptest.Server
	ids *identity.Service
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	dir := t.TempDir()

	store, err := identity.OpenSQLite(filepath.Join(dir, "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	issuer := identity.NewTokenIssuer([]byte("test-secret"), time.Hour)
	ids := identity.NewService(store, issuer, nil)

	registry := ledgersync.NewRegistry(filepath.Join(dir, "replicas"))
	t.Cleanup(func() { registry.Close() })

	engine := ledgersync.NewEngine(registry, nil)
	ts := httptest.NewServer(New(engine, registry, ids, nil).Handler())
	t.Cleanup(ts.Close)

	return &testStack{ts: ts, ids: ids}
}

func (s *testStack) syncURL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/sync"
}

func (s *testStack) register(t *testing.T, email, password string) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	require.NoError(t, err)

	resp, err := http.Post(s.ts.URL+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(s.ts.URL+"/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.NotEmpty(t, payload.Token)
	return payload.Token
}

func (s *testStack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(s.syncURL(), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSyncRefusedWithoutAuthorization(t *testing.T) {
	stack := newTestStack(t)

	_, resp, err := websocket.DefaultDialer.Dial(stack.syncURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncRefusedWithBogusToken(t *testing.T) {
	stack := newTestStack(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	_, resp, err := websocket.DefaultDialer.Dial(stack.syncURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionPushAndPull(t *testing.T) {
	stack := newTestStack(t)
	token := stack.register(t, "alice@example.com", "hunter2")
	conn := stack.dial(t, token)

	push := ledgersync.Envelope{
		Kind: ledgersync.KindPush,
		Push: &ledgersync.Change{
			LogID:     1,
			TableName: "client_table",
			Operation: ledgersync.OpInsert,
			Data: ledgersync.Row{
				"id":               1,
				"transaction_name": "groceries",
				"last_modified":    "2024-03-01T10:00:00",
			},
		},
	}
	require.NoError(t, conn.WriteJSON(push))

	var ack ledgersync.PushReply
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "OK", ack.Message)
	assert.Empty(t, ack.Error)

	pull := ledgersync.Envelope{Kind: ledgersync.KindPull, Pull: &ledgersync.PullRequest{OffsetID: 0}}
	require.NoError(t, conn.WriteJSON(pull))

	var reply ledgersync.PullReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Empty(t, reply.Error)
	assert.Equal(t, int64(1), reply.LogID)
	assert.Equal(t, "client_table", reply.TableName)
	assert.Equal(t, ledgersync.OpInsert, reply.Operation)
	assert.Equal(t, "groceries", reply.Data["transaction_name"])
	assert.NotEmpty(t, reply.SyncTime)
}

func TestSessionSurvivesRejectedPush(t *testing.T) {
	stack := newTestStack(t)
	token := stack.register(t, "alice@example.com", "hunter2")
	conn := stack.dial(t, token)

	bad := ledgersync.Envelope{
		Kind: ledgersync.KindPush,
		Push: &ledgersync.Change{
			LogID:     1,
			TableName: "no_such_table",
			Operation: ledgersync.OpInsert,
			Data:      ledgersync.Row{"id": 1},
		},
	}
	require.NoError(t, conn.WriteJSON(bad))

	var ack ledgersync.PushReply
	require.NoError(t, conn.ReadJSON(&ack))
	assert.NotEmpty(t, ack.Error)

	// The session is still usable after the rejection.
	pull := ledgersync.Envelope{Kind: ledgersync.KindPull, Pull: &ledgersync.PullRequest{OffsetID: 0}}
	require.NoError(t, conn.WriteJSON(pull))

	var reply ledgersync.PullReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, ledgersync.ErrNoMoreChanges.Error(), reply.Error)
}

func TestSessionPullExhaustion(t *testing.T) {
	stack := newTestStack(t)
	token := stack.register(t, "alice@example.com", "hunter2")
	conn := stack.dial(t, token)

	pull := ledgersync.Envelope{Kind: ledgersync.KindPull, Pull: &ledgersync.PullRequest{OffsetID: 0}}
	require.NoError(t, conn.WriteJSON(pull))

	var reply ledgersync.PullReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, ledgersync.ErrNoMoreChanges.Error(), reply.Error)
}

func TestSessionUnknownKind(t *testing.T) {
	stack := newTestStack(t)
	token := stack.register(t, "alice@example.com", "hunter2")
	conn := stack.dial(t, token)

	require.NoError(t, conn.WriteJSON(ledgersync.Envelope{Kind: "gossip"}))

	var reply ledgersync.PushReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "unknown message kind", reply.Error)
}

func TestSessionTerminatedOnRevocation(t *testing.T) {
	stack := newTestStack(t)
	token := stack.register(t, "alice@example.com", "hunter2")
	conn := stack.dial(t, token)

	// Revoke out of band while the session is open; the next message must be
	// refused and the connection closed.
	require.NoError(t, stack.ids.Revoke(context.Background(), "Bearer "+token))

	pull := ledgersync.Envelope{Kind: ledgersync.KindPull, Pull: &ledgersync.PullRequest{OffsetID: 0}}
	require.NoError(t, conn.WriteJSON(pull))

	var reply ledgersync.PushReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "authorization expired", reply.Error)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogoutWithoutHeader(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Post(stack.ts.URL+"/logout", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
