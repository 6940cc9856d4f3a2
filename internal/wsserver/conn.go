package wsserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meawoppl/claude-code-portal/internal/logger"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 3 * pingInterval
	writeWait    = 10 * time.Second
)

// wsConn adapts a gorilla/websocket connection to the router.Conn interface
// via a writePump/readLoop split. Every outbound frame goes through a
// buffered channel so a slow browser or proxy can never block the session
// actor.
type wsConn struct {
	conn  *websocket.Conn
	send  chan *protocol.Frame
	label string

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, label string, queueCapacity int) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan *protocol.Frame, queueCapacity),
		label:  label,
		closed: make(chan struct{}),
	}
}

// Send enqueues frame for delivery; false means the send queue was full and
// the caller (the session actor) should treat this connection as a slow
// consumer and close it.
func (c *wsConn) Send(frame *protocol.Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

func (c *wsConn) RemoteLabel() string {
	return c.label
}

// writePump owns all writes to conn: frames from send, plus periodic pings.
// Must run in its own goroutine; returns once Close fires or a write fails.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			data, err := frame.Encode()
			if err != nil {
				logger.WS().Error().Err(err).Str("conn", c.label).Msg("encode frame failed")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop blocks reading frames off conn and invokes onFrame for each one,
// until the connection closes or a malformed frame arrives. The caller runs
// this synchronously on the connection goroutine — it returns when the
// socket is done.
func (c *wsConn) readLoop(onFrame func(*protocol.Frame)) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := protocol.Decode(data)
		if err != nil {
			logger.WS().Warn().Err(err).Str("conn", c.label).Msg("malformed frame")
			c.Send(&protocol.Frame{Type: protocol.TypeError, Message: "malformed frame"})
			c.Close("protocol-violation")
			return
		}
		onFrame(frame)
	}
}
