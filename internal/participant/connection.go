package participant

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atomicsettle/coordinator/internal/logging"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Inbound is invoked on every envelope received from a participant
// (lock confirmations, acks). Delivered in connection order.
type Inbound func(participantID string, env *Envelope)

// Connection is one participant's bidirectional, ordered, authenticated
// channel. Unlike the realtime hub's fan-out broadcast clients, a
// Connection is addressed individually — the Settlement Processor sends
// lock requests and notifications to one participant at a time and expects
// ordered delivery.
type Connection struct {
	participantID string
	secret        string
	conn          *websocket.Conn
	send          chan []byte
	onInbound     Inbound

	outSeq atomic.Uint64

	sendMu sync.Mutex
	closed bool
}

// close marks the connection closed and closes its send channel exactly
// once. Guarded by sendMu so it can never race a concurrent Send — either
// Send observes closed==true and returns false, or it completes its
// channel send before close runs.
func (c *Connection) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func newConnection(participantID, secret string, conn *websocket.Conn, onInbound Inbound) *Connection {
	return &Connection{
		participantID: participantID,
		secret:        secret,
		conn:          conn,
		send:          make(chan []byte, 256),
		onInbound:     onInbound,
	}
}

// Send signs and enqueues env for delivery, assigning the next outbound
// sequence number. Returns false if the connection's send buffer is full
// (a slow or unresponsive participant), in which case the caller should
// treat the participant as unreachable for this attempt.
func (c *Connection) Send(env *Envelope) bool {
	env.Sequence = c.outSeq.Add(1)
	env.SentAt = time.Now()
	Sign(c.secret, env)

	data, err := json.Marshal(env)
	if err != nil {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.conn.Close()
	}()

	c.conn.SetReadLimit(256 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				logging.L(context.Background()).Warn("participant websocket read error", "participant_id", c.participantID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if !Verify(c.secret, &env) {
			logging.L(context.Background()).Warn("participant envelope signature mismatch", "participant_id", c.participantID)
			continue
		}
		if c.onInbound != nil {
			c.onInbound(c.participantID, &env)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
