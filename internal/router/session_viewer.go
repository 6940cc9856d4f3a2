package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meawoppl/claude-code-portal/internal/apperr"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
	"github.com/meawoppl/claude-code-portal/internal/store"
)

// SubscribeViewer authorizes conn via SessionMember, replays history and
// any pending permission request, then joins the live fan-out set.
func (s *Session) SubscribeViewer(ctx context.Context, conn Conn, userID, email string, replayAfter time.Time) (role string, err error) {
	s.submit(func() {
		role, err = s.doSubscribeViewer(ctx, conn, userID, email, replayAfter)
	})
	return role, err
}

func (s *Session) doSubscribeViewer(ctx context.Context, conn Conn, userID, email string, replayAfter time.Time) (string, error) {
	if _, err := s.store.GetOrCreateUser(ctx, userID, email); err != nil {
		return "", apperr.Internal("bind user identity", err)
	}

	if err := s.ensureLoaded(ctx); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return "", apperr.NotFound("session")
		}
		return "", apperr.Transient("load session", err)
	}

	role, err := s.store.MemberRole(ctx, s.id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.Forbidden("not a member of this session")
		}
		return "", apperr.Transient("look up member role", err)
	}

	messages, err := s.store.ReadMessages(ctx, s.id, replayAfter, s.config.HistoryReplayLimit)
	if err != nil {
		return "", apperr.Transient("read message history", err)
	}
	for _, m := range messages {
		conn.Send(&protocol.Frame{Type: protocol.TypeClaudeOutput, SessionID: s.id, Content: m.Content})
	}

	pending, err := s.store.GetPendingPermission(ctx, s.id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.log.Error().Err(err).Msg("load pending permission on subscribe failed")
	} else if err == nil {
		conn.Send(permissionRequestFrame(pending))
	}

	s.viewers[conn] = &viewerState{conn: conn, userID: userID, role: role}
	conn.Send(&protocol.Frame{Type: protocol.TypeSessionStatus, SessionID: s.id, Status: s.row.Status})
	s.lastActivity = time.Now()
	return role, nil
}

// UnsubscribeViewer removes conn from the fan-out set; no other state
// changes.
func (s *Session) UnsubscribeViewer(conn Conn) {
	s.submit(func() {
		delete(s.viewers, conn)
	})
}

// HandleViewerFrame dispatches an inbound viewer frame by variant.
func (s *Session) HandleViewerFrame(ctx context.Context, conn Conn, frame *protocol.Frame) {
	s.submit(func() {
		v, ok := s.viewers[conn]
		if !ok {
			return
		}
		s.lastActivity = time.Now()

		switch frame.Type {
		case protocol.TypeClaudeInput:
			s.handleClaudeInput(ctx, conn, v, frame)
		case protocol.TypePermissionResponse:
			s.handlePermissionResponse(ctx, conn, v, frame)
		case protocol.TypeHeartbeat:
			conn.Send(&protocol.Frame{Type: protocol.TypeHeartbeat})
		default:
			conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: fmt.Sprintf("unexpected frame from viewer: %s", frame.Type)})
		}
	})
}

// handleClaudeInput is the viewer -> backend -> proxy input path: allocate
// a sequence number, persist it as pending, then forward to the proxy if
// one is attached.
func (s *Session) handleClaudeInput(ctx context.Context, conn Conn, v *viewerState, frame *protocol.Frame) {
	if !store.CanMutate(v.role) {
		conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: "insufficient role to send input"})
		return
	}

	seq, err := s.store.AllocateInputSeq(ctx, s.id)
	if err != nil {
		s.log.Error().Err(err).Msg("allocate input seq failed")
		conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: "failed to accept input"})
		return
	}
	sendMode := frame.SendMode
	if sendMode == "" {
		sendMode = protocol.SendModeNormal
	}
	if err := s.store.InsertPendingInput(ctx, s.id, seq, frame.Content, sendMode); err != nil {
		s.log.Error().Err(err).Msg("insert pending input failed")
		return
	}

	if s.proxy != nil {
		s.proxy.Send(&protocol.Frame{
			Type:      protocol.TypeSequencedInput,
			SessionID: s.id,
			Seq:       seq,
			Content:   frame.Content,
			SendMode:  sendMode,
		})
	}
}

// handlePermissionRequest upserts the pending request row, then broadcasts
// it to all live viewers.
func (s *Session) handlePermissionRequest(ctx context.Context, frame *protocol.Frame) {
	req := &store.PendingPermissionRequest{
		SessionID:       s.id,
		RequestID:       frame.RequestID,
		ToolName:        frame.ToolName,
		InputJSON:       string(frame.Input),
		SuggestionsJSON: string(frame.PermissionSuggestions),
	}
	if err := s.store.UpsertPendingPermission(ctx, req); err != nil {
		s.log.Error().Err(err).Msg("upsert pending permission failed")
		return
	}
	s.broadcastToViewers(permissionRequestFrame(req))
}

// permissionResponseRetryLimit and permissionResponseRetryWindow bound how
// many PermissionResponse frames the session accepts for one request_id
// per window, counted across all viewers, so a stuck UI retry-looping against an already-superseded
// request can't hammer the proxy.
const (
	permissionResponseRetryLimit  = 5
	permissionResponseRetryWindow = time.Minute
)

// handlePermissionResponse deletes the pending row and then queues the
// viewer's allow/deny decision to the attached proxy. If
// no proxy is attached, the pending row is left untouched so the prompt
// survives for a retry once the session reconnects.
func (s *Session) handlePermissionResponse(ctx context.Context, conn Conn, v *viewerState, frame *protocol.Frame) {
	if !store.CanMutate(v.role) {
		conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: "insufficient role to respond to permission request"})
		return
	}
	if s.proxy == nil {
		conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: "no proxy attached; retry once the session is active"})
		return
	}
	if s.cache != nil {
		key := "permresp-retry:" + s.id + ":" + frame.RequestID
		allowed, err := s.cache.AllowRetry(ctx, key, permissionResponseRetryLimit, permissionResponseRetryWindow)
		if err != nil {
			s.log.Warn().Err(err).Msg("permission response retry check failed")
		} else if !allowed {
			conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: "too many retries for this permission request"})
			return
		}
	}
	if err := s.store.DeletePendingPermission(ctx, s.id, frame.RequestID); err != nil {
		s.log.Error().Err(err).Msg("delete pending permission failed")
	}
	s.proxy.Send(frame)
}

func permissionRequestFrame(req *store.PendingPermissionRequest) *protocol.Frame {
	return &protocol.Frame{
		Type:                  protocol.TypePermissionRequest,
		SessionID:             req.SessionID,
		RequestID:             req.RequestID,
		ToolName:              req.ToolName,
		Input:                 []byte(orNullJSON(req.InputJSON)),
		PermissionSuggestions: []byte(orNullJSON(req.SuggestionsJSON)),
	}
}

func orNullJSON(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
