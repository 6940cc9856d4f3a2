package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meawoppl/claude-code-portal/internal/apperr"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
	"github.com/meawoppl/claude-code-portal/internal/store"
)

// ErrProxyOwnerMismatch is returned when a Register frame's authenticated
// user does not own the session it names.
var ErrProxyOwnerMismatch = errors.New("router: session owned by a different user")

// AttachProxy registers conn as the session's current producer. On
// success it has already sent RegisterAck and replayed pending inputs to
// conn; the caller only needs to start reading from the socket. On
// failure the caller is responsible for sending RegisterAck{success:false}
// and closing — AttachProxy never mutates a session row on auth failure.
func (s *Session) AttachProxy(ctx context.Context, conn Conn, userID, email string, frame *protocol.Frame) error {
	var attachErr error
	s.submit(func() {
		attachErr = s.doAttachProxy(ctx, conn, userID, email, frame)
	})
	return attachErr
}

func (s *Session) doAttachProxy(ctx context.Context, conn Conn, userID, email string, frame *protocol.Frame) error {
	if _, err := s.store.GetOrCreateUser(ctx, userID, email); err != nil {
		return apperr.Internal("bind user identity", err)
	}

	if err := s.ensureLoaded(ctx); err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return apperr.Transient("load session", err)
		}
		if frame.Resuming {
			return ErrSessionNotFound
		}
		sess := &store.Session{
			ID:               s.id,
			OwnerUserID:      userID,
			DisplayName:      frame.SessionName,
			WorkingDirectory: frame.WorkingDirectory,
			AgentType:        frame.AgentType,
			GitBranch:        frame.GitBranch,
			ClientVersion:    frame.ClientVersion,
		}
		if err := s.store.CreateSession(ctx, sess); err != nil {
			return apperr.Internal("create session", err)
		}
		s.row = sess
		s.loaded = true
	}

	if s.row.OwnerUserID != userID {
		return ErrProxyOwnerMismatch
	}

	if s.proxy != nil && s.proxy != conn {
		s.proxy.Send(&protocol.Frame{Type: protocol.TypeError, Message: "replaced by a new proxy connection"})
		s.proxy.Close("replaced")
	}
	s.proxy = conn
	s.proxyUserID = userID
	s.disconnectDeadline = time.Time{}
	s.lastActivity = time.Now()

	if frame.GitBranch != "" || frame.ClientVersion != "" {
		if err := s.store.UpdateSessionMeta(ctx, s.id, frame.GitBranch, frame.ClientVersion); err != nil {
			s.log.Error().Err(err).Msg("persist session meta failed")
		}
		if frame.GitBranch != "" {
			s.row.GitBranch = frame.GitBranch
		}
		if frame.ClientVersion != "" {
			s.row.ClientVersion = frame.ClientVersion
		}
	}

	s.transitionStatus(ctx, store.StatusActive)

	conn.Send(&protocol.Frame{Type: protocol.TypeRegisterAck, Success: true, SessionID: s.id})

	pending, err := s.store.LoadPendingInputs(ctx, s.id)
	if err != nil {
		s.log.Error().Err(err).Msg("load pending inputs on attach failed")
		return nil
	}
	for _, p := range pending {
		conn.Send(&protocol.Frame{
			Type:      protocol.TypeSequencedInput,
			SessionID: s.id,
			Seq:       p.SeqNum,
			Content:   p.Content,
			SendMode:  p.SendMode,
		})
	}
	return nil
}

// DetachProxy is called on proxy socket close. Status moves to
// disconnected and a grace timer starts.
func (s *Session) DetachProxy(conn Conn) {
	s.submit(func() {
		if s.proxy != conn {
			return
		}
		s.proxy = nil
		s.proxyUserID = ""
		s.disconnectDeadline = time.Now().Add(s.config.DisconnectGrace)
		s.transitionStatus(context.Background(), store.StatusDisconnected)
	})
}

// HandleProxyFrame dispatches an inbound proxy frame by variant.
func (s *Session) HandleProxyFrame(ctx context.Context, conn Conn, frame *protocol.Frame) {
	s.submit(func() {
		if s.proxy != conn {
			return
		}
		s.lastActivity = time.Now()

		switch frame.Type {
		case protocol.TypeSequencedOutput:
			s.handleSequencedOutput(ctx, frame)
		case protocol.TypeClaudeOutput:
			s.handleClaudeOutput(ctx, frame)
		case protocol.TypeInputAck:
			s.handleInputAck(ctx, frame)
		case protocol.TypeSessionUpdate:
			if err := s.store.UpdateSessionMeta(ctx, s.id, frame.GitBranch, frame.ClientVersion); err != nil {
				s.log.Error().Err(err).Msg("persist SessionUpdate failed")
			}
			s.broadcastToViewers(frame)
		case protocol.TypePermissionRequest:
			s.handlePermissionRequest(ctx, frame)
		case protocol.TypeUserSpendUpdate:
			if err := s.store.RecordSpend(ctx, s.id, frame.InputTokens, frame.OutputTokens, frame.CumulativeCost); err != nil {
				s.log.Error().Err(err).Msg("record spend failed")
			} else if s.row != nil {
				s.row.InputTokens += frame.InputTokens
				s.row.OutputTokens += frame.OutputTokens
				s.row.CumulativeCost += frame.CumulativeCost
				s.lastBroadcastSpendCost = s.row.CumulativeCost
				s.lastSpendBroadcast = time.Now()
			}
			s.broadcastToViewers(frame)
		case protocol.TypeHeartbeat:
			conn.Send(&protocol.Frame{Type: protocol.TypeHeartbeat})
		default:
			conn.Send(&protocol.Frame{Type: protocol.TypeError, Message: fmt.Sprintf("unexpected frame from proxy: %s", frame.Type)})
		}
	})
}

// handleSequencedOutput is the backend-side half of the sequenced-delivery
// state machine: dedup against lastAckSeq, buffer out-of-order arrivals in
// gapBuffer, and drain whatever becomes contiguous once a gap fills.
func (s *Session) handleSequencedOutput(ctx context.Context, frame *protocol.Frame) {
	if frame.Seq <= s.lastAckSeq {
		s.proxy.Send(&protocol.Frame{Type: protocol.TypeOutputAck, SessionID: s.id, AckSeq: s.lastAckSeq})
		return
	}

	if frame.Seq > s.lastAckSeq+1 {
		if len(s.gapBuffer) >= s.config.ProxyOutputWindow {
			s.log.Warn().Uint64("seq", frame.Seq).Msg("gap buffer full, dropping out-of-order frame")
			return
		}
		s.gapBuffer[frame.Seq] = frame
		if s.gapOpenSince.IsZero() {
			s.gapOpenSince = time.Now()
			s.lastGapNudge = time.Now()
		}
		return
	}

	s.acceptOutput(ctx, frame)

	for {
		next, ok := s.gapBuffer[s.lastAckSeq+1]
		if !ok {
			break
		}
		delete(s.gapBuffer, s.lastAckSeq+1)
		s.acceptOutput(ctx, next)
	}
	if len(s.gapBuffer) == 0 {
		s.gapOpenSince = time.Time{}
	}
}

func (s *Session) acceptOutput(ctx context.Context, frame *protocol.Frame) {
	if _, err := s.store.AppendMessage(ctx, s.id, s.proxyUserID, "assistant", frame.Content); err != nil {
		s.log.Error().Err(err).Uint64("seq", frame.Seq).Msg("append message failed")
		return
	}
	s.lastAckSeq = frame.Seq
	if err := s.store.SetLastAckSeq(ctx, s.id, frame.Seq); err != nil {
		s.log.Error().Err(err).Msg("persist last_ack_seq failed")
	}
	s.broadcastToViewers(&protocol.Frame{Type: protocol.TypeClaudeOutput, SessionID: s.id, Content: frame.Content})
	s.proxy.Send(&protocol.Frame{Type: protocol.TypeOutputAck, SessionID: s.id, AckSeq: s.lastAckSeq})
}

func (s *Session) handleClaudeOutput(ctx context.Context, frame *protocol.Frame) {
	if _, err := s.store.AppendMessage(ctx, s.id, s.proxyUserID, "assistant", frame.Content); err != nil {
		s.log.Error().Err(err).Msg("append legacy ClaudeOutput failed")
		return
	}
	s.broadcastToViewers(frame)
}

func (s *Session) handleInputAck(ctx context.Context, frame *protocol.Frame) {
	if err := s.store.DeletePendingInputsUpTo(ctx, s.id, frame.AckSeq); err != nil {
		s.log.Error().Err(err).Msg("delete acked pending inputs failed")
	}
}

func (s *Session) sendRepeatedAck() {
	if s.proxy == nil {
		return
	}
	s.proxy.Send(&protocol.Frame{Type: protocol.TypeOutputAck, SessionID: s.id, AckSeq: s.lastAckSeq})
}
