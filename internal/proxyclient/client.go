// Package proxyclient is the proxy daemon's half of the session protocol:
// it owns the reconnect loop to the backend, assigns and buffers
// sequenced outputs, delivers sequenced inputs to the agent, and drives
// wiggum-mode re-injection.
package proxyclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meawoppl/claude-code-portal/internal/agentclient"
	"github.com/meawoppl/claude-code-portal/internal/config"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
)

// State names the reconnect loop's position.
type State string

const (
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateStreaming    State = "streaming"
	StateDisconnected State = "disconnected"
)

const (
	dialTimeout      = 10 * time.Second
	writeWait        = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 3 * pingInterval
	repeatedAckLimit = 3
)

// pendingOutput is one unacked buffered output frame, keyed by seq.
type pendingOutput struct {
	seq     uint64
	content string
}

// pendingWiggumInput is the single in-flight wiggum-mode input, if any.
// The proxy re-injects its content on every turn that ends without the
// completion sentinel, and only acks it once the sentinel is observed.
type pendingWiggumInput struct {
	seq     uint64
	content string
}

// Client drives one proxy process's connection lifecycle: one agent
// process, one backend connection, reconnected for the life of the daemon.
type Client struct {
	cfg config.Proxy
	log zerolog.Logger

	mu             sync.Mutex
	state          State
	sessionID      string
	registeredOnce bool
	lastLocalAck   uint64 // highest ack_seq the backend has confirmed
	nextOutputSeq  uint64
	outputBuffer   []pendingOutput
	repeatedAcks   map[uint64]int
	wiggum         *pendingWiggumInput

	agent  agentclient.Handle
	conn   *websocket.Conn
	connMu sync.Mutex

	backoff *backoff
}

func New(cfg config.Proxy, log zerolog.Logger) *Client {
	return &Client{
		cfg:           cfg,
		log:           log,
		state:         StateConnecting,
		sessionID:     uuid.New().String(),
		nextOutputSeq: 1,
		repeatedAcks:  make(map[uint64]int),
		backoff:       newBackoff(),
	}
}

// Run drives the reconnect loop until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	if err := c.spawnAgent(ctx, ""); err != nil {
		return fmt.Errorf("proxyclient: spawn agent: %w", err)
	}
	defer c.agent.Close()

	go c.pumpAgentEvents(ctx)

	for {
		c.setState(StateConnecting)
		err := c.dialAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("proxy connection lost")
		}
		c.setState(StateDisconnected)

		wait := c.backoff.Duration()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) spawnAgent(ctx context.Context, resume string) error {
	h, err := agentclient.Spawn(ctx, agentclient.Config{
		BinaryPath:       c.cfg.AgentBinaryPath,
		WorkingDirectory: c.cfg.WorkingDirectory,
		AgentType:        c.cfg.AgentType,
		Resume:           resume,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.agent = h
	c.mu.Unlock()
	return nil
}

// restartAgent tears down the current agent process and spawns a fresh one,
// discarding any buffered output — the old agent-native session no longer
// exists on the backend side either.
func (c *Client) restartAgent(ctx context.Context) error {
	c.mu.Lock()
	old := c.agent
	c.outputBuffer = nil
	c.nextOutputSeq = 1
	c.lastLocalAck = 0
	c.repeatedAcks = make(map[uint64]int)
	c.wiggum = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return c.spawnAgent(ctx, "")
}

// dialAndServe opens one WebSocket connection, registers, streams until it
// drops, and returns. The caller handles the backoff between calls.
func (c *Client) dialAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.BackendURL+"/ws/session", http.Header{})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.mu.Lock()
	resuming := c.registeredOnce
	sessionID := c.sessionID
	c.mu.Unlock()

	c.setState(StateRegistered)
	if err := conn.WriteJSON(&protocol.Frame{
		Type:             protocol.TypeRegister,
		SessionID:        sessionID,
		SessionName:      c.cfg.SessionName,
		AuthToken:        c.cfg.AuthToken,
		WorkingDirectory: c.cfg.WorkingDirectory,
		Resuming:         resuming,
		AgentType:        c.cfg.AgentType,
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	ack := &protocol.Frame{}
	if err := conn.ReadJSON(ack); err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	if ack.Type != protocol.TypeRegisterAck || !ack.Success {
		if strings.Contains(ack.Error, "session not found") {
			c.mu.Lock()
			c.sessionID = uuid.New().String()
			c.registeredOnce = false
			c.mu.Unlock()
			if err := c.restartAgent(ctx); err != nil {
				return fmt.Errorf("session not found, restart agent: %w", err)
			}
			return fmt.Errorf("session not found, starting fresh")
		}
		return fmt.Errorf("register rejected: %s", ack.Error)
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.registeredOnce = true
	c.backoff.Reset()
	c.mu.Unlock()

	c.log.Info().Str("session_id", ack.SessionID).Msg("registered with backend")
	c.setState(StateStreaming)

	if err := c.retransmitBuffer(); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop(ctx, conn)

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleBackendFrame(&frame)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			live := c.conn == conn
			if live {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				live = conn.WriteMessage(websocket.PingMessage, nil) == nil
			}
			c.connMu.Unlock()
			if !live {
				return
			}
		}
	}
}

func (c *Client) send(frame *protocol.Frame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// retransmitBuffer resends every buffered output with seq greater than the
// backend's last known ack, in order.
func (c *Client) retransmitBuffer() error {
	c.mu.Lock()
	toSend := make([]pendingOutput, 0, len(c.outputBuffer))
	for _, p := range c.outputBuffer {
		if p.seq > c.lastLocalAck {
			toSend = append(toSend, p)
		}
	}
	c.mu.Unlock()

	for _, p := range toSend {
		if err := c.send(&protocol.Frame{Type: protocol.TypeSequencedOutput, SessionID: c.sessionID, Seq: p.seq, Content: p.content}); err != nil {
			return fmt.Errorf("retransmit seq %d: %w", p.seq, err)
		}
	}
	return nil
}

func (c *Client) handleBackendFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeOutputAck:
		c.handleOutputAck(frame.AckSeq)
	case protocol.TypeSequencedInput:
		c.handleSequencedInput(frame)
	case protocol.TypePermissionResponse:
		c.log.Info().Str("request_id", frame.RequestID).Bool("allow", frame.Allow).Msg("permission response received")
	case protocol.TypeHeartbeat:
		_ = c.send(&protocol.Frame{Type: protocol.TypeHeartbeat})
	case protocol.TypeServerShutdown:
		c.log.Info().Int("reconnect_delay_ms", frame.ReconnectDelayMs).Msg("backend shutting down, will reconnect")
	case protocol.TypeError:
		c.log.Warn().Str("message", frame.Message).Msg("error from backend")
	}
}

func (c *Client) handleOutputAck(ackSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ackSeq <= c.lastLocalAck {
		c.repeatedAcks[ackSeq]++
		if c.repeatedAcks[ackSeq] >= repeatedAckLimit {
			delete(c.repeatedAcks, ackSeq)
			go c.retransmitBuffer()
		}
		return
	}

	c.lastLocalAck = ackSeq
	kept := c.outputBuffer[:0]
	for _, p := range c.outputBuffer {
		if p.seq > ackSeq {
			kept = append(kept, p)
		}
	}
	c.outputBuffer = kept
	c.repeatedAcks = make(map[uint64]int)
}

// handleSequencedInput forwards content to the agent's stdin and acks only
// after the agent accepts the write, never optimistically.
func (c *Client) handleSequencedInput(frame *protocol.Frame) {
	c.mu.Lock()
	agent := c.agent
	c.mu.Unlock()

	if err := agent.Send(frame.Content); err != nil {
		c.log.Error().Err(err).Uint64("seq", frame.Seq).Msg("failed to deliver input to agent")
		return
	}

	if frame.SendMode == protocol.SendModeWiggum {
		c.mu.Lock()
		c.wiggum = &pendingWiggumInput{seq: frame.Seq, content: frame.Content}
		c.mu.Unlock()
		return
	}

	if err := c.send(&protocol.Frame{Type: protocol.TypeInputAck, SessionID: c.sessionID, AckSeq: frame.Seq}); err != nil {
		c.log.Error().Err(err).Msg("failed to send input ack")
	}
}

// pumpAgentEvents is the single consumer of agent output for the life of
// the daemon; it survives across backend reconnects. Backpressure: once
// the output buffer hits cfg.OutputBufferCap, this loop stops draining the
// agent's event channel, which backs up its pipe.
func (c *Client) pumpAgentEvents(ctx context.Context) {
	for {
		c.mu.Lock()
		full := len(c.outputBuffer) >= c.cfg.OutputBufferCap
		agent := c.agent
		c.mu.Unlock()

		if full {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case event, ok := <-agent.Events():
			if !ok {
				return
			}
			c.handleAgentEvent(event)
		}
	}
}

func (c *Client) handleAgentEvent(event agentclient.Event) {
	switch event.Type {
	case agentclient.EventOutput:
		c.bufferAndSendOutput(string(event.Raw))
		if event.TurnEnded {
			c.advanceWiggum(event.Completed)
		}
	case agentclient.EventPermissionRequest:
		if err := c.send(&protocol.Frame{
			Type:                  protocol.TypePermissionRequest,
			SessionID:             c.sessionID,
			RequestID:             event.RequestID,
			ToolName:              event.ToolName,
			Input:                 event.Input,
			PermissionSuggestions: event.Suggestions,
		}); err != nil {
			c.log.Error().Err(err).Msg("failed to forward permission request")
		}
	case agentclient.EventExit:
		if event.ExitErr != nil {
			c.log.Warn().Err(event.ExitErr).Msg("agent process exited")
		}
	}
}

func (c *Client) bufferAndSendOutput(content string) {
	c.mu.Lock()
	seq := c.nextOutputSeq
	c.nextOutputSeq++
	c.outputBuffer = append(c.outputBuffer, pendingOutput{seq: seq, content: content})
	sessionID := c.sessionID
	c.mu.Unlock()

	if err := c.send(&protocol.Frame{Type: protocol.TypeSequencedOutput, SessionID: sessionID, Seq: seq, Content: content}); err != nil {
		c.log.Debug().Err(err).Uint64("seq", seq).Msg("output send deferred, not connected")
	}
}

// advanceWiggum re-injects the pending wiggum input on an incomplete turn,
// or acks and clears it once the completion sentinel is observed.
func (c *Client) advanceWiggum(completed bool) {
	c.mu.Lock()
	w := c.wiggum
	agent := c.agent
	c.mu.Unlock()
	if w == nil {
		return
	}

	if completed {
		c.mu.Lock()
		c.wiggum = nil
		c.mu.Unlock()
		if err := c.send(&protocol.Frame{Type: protocol.TypeInputAck, SessionID: c.sessionID, AckSeq: w.seq}); err != nil {
			c.log.Error().Err(err).Msg("failed to ack wiggum input")
		}
		return
	}

	if err := agent.Send(w.content); err != nil {
		c.log.Error().Err(err).Msg("failed to re-inject wiggum prompt")
	}
}
