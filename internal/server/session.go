package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyperengineering/ledgersync"
	"github.com/hyperengineering/ledgersync/internal/identity"
)

// session is one authenticated sync connection. It carries exactly one
// account; each message maps to one change-log entry and gets exactly one
// reply. The credential is re-checked per message so expiry or revocation
// terminates the session mid-flight.
type session struct {
	id            string
	accountID     uuid.UUID
	authorization string
	conn          *websocket.Conn
	engine        *ledgersync.Engine
	ids           *identity.Service
	log           *zap.Logger
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()
	s.log.Info("sync session opened")

	for {
		var env ledgersync.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("sync session closed by peer")
			} else {
				s.log.Debug("sync session read failed", zap.Error(err))
			}
			return
		}

		if _, err := s.ids.Verify(ctx, s.authorization); err != nil {
			sessionsTotal.WithLabelValues("terminated").Inc()
			s.log.Warn("sync session terminated", zap.Error(err))
			s.write(ledgersync.PushReply{Error: "authorization expired"})
			s.close(websocket.ClosePolicyViolation, "authorization expired")
			return
		}

		switch env.Kind {
		case ledgersync.KindPush:
			s.write(s.handlePush(ctx, env.Push))
		case ledgersync.KindPull:
			s.write(s.handlePull(ctx, env.Pull))
		default:
			s.write(ledgersync.PushReply{Error: "unknown message kind"})
		}
	}
}

func (s *session) handlePush(ctx context.Context, change *ledgersync.Change) ledgersync.PushReply {
	if change == nil {
		pushesTotal.WithLabelValues("rejected").Inc()
		return ledgersync.PushReply{Error: "invalid payload"}
	}

	err := s.engine.Apply(ctx, s.accountID, *change)
	switch {
	case err == nil:
		pushesTotal.WithLabelValues("ok").Inc()
		return ledgersync.PushReply{Message: "OK"}
	case ledgersync.IsValidation(err):
		pushesTotal.WithLabelValues("rejected").Inc()
		s.log.Debug("push rejected", zap.Int64("log_id", change.LogID), zap.Error(err))
		return ledgersync.PushReply{Error: err.Error()}
	default:
		// Storage fault: nothing was committed, the client still owns the
		// outbox entry and may resend.
		pushesTotal.WithLabelValues("failed").Inc()
		s.log.Error("push failed", zap.Int64("log_id", change.LogID), zap.Error(err))
		return ledgersync.PushReply{Error: err.Error()}
	}
}

func (s *session) handlePull(ctx context.Context, req *ledgersync.PullRequest) ledgersync.PullReply {
	if req == nil {
		pullsTotal.WithLabelValues("failed").Inc()
		return ledgersync.PullReply{Error: "invalid payload"}
	}

	entry, row, err := s.engine.CursorRead(ctx, s.accountID, req.OffsetID)
	switch {
	case err == nil:
		pullsTotal.WithLabelValues("ok").Inc()
		return entry.Reply(row)
	case errors.Is(err, ledgersync.ErrNoMoreChanges):
		pullsTotal.WithLabelValues("exhausted").Inc()
		return ledgersync.PullReply{Error: ledgersync.ErrNoMoreChanges.Error()}
	case errors.Is(err, ledgersync.ErrCorruptedLog):
		// Operator attention, not auto-repair. The session survives.
		pullsTotal.WithLabelValues("corrupted").Inc()
		s.log.Error("pull hit corrupted log", zap.Int64("offset", req.OffsetID), zap.Error(err))
		return ledgersync.PullReply{Error: ledgersync.ErrCorruptedLog.Error()}
	default:
		pullsTotal.WithLabelValues("failed").Inc()
		s.log.Error("pull failed", zap.Int64("offset", req.OffsetID), zap.Error(err))
		return ledgersync.PullReply{Error: err.Error()}
	}
}

func (s *session) write(v any) {
	if err := s.conn.WriteJSON(v); err != nil {
		s.log.Debug("sync session write failed", zap.Error(err))
	}
}

func (s *session) close(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
