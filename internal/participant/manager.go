package participant

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atomicsettle/coordinator/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // participant channels are authenticated via envelope HMAC, not origin
	},
}

// SecretLookup resolves a participant's shared signing secret, used to
// verify inbound envelopes and sign outbound ones.
type SecretLookup func(participantID string) (string, bool)

// Manager tracks one Connection per connected participant and routes
// outbound envelopes by participant id — the addressed-delivery analogue
// of the realtime package's broadcast Hub.
type Manager struct {
	secrets SecretLookup
	onMsg   Inbound
	outbox  *Outbox

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager creates a participant connection manager. onMsg is invoked
// for every verified inbound envelope.
func NewManager(secrets SecretLookup, onMsg Inbound) *Manager {
	return &Manager{
		secrets: secrets,
		onMsg:   onMsg,
		outbox:  NewOutbox(5 * time.Minute),
		conns:   make(map[string]*Connection),
	}
}

// StartOutboxSweeper runs the outbox's prune loop until ctx is cancelled.
// Call in a goroutine alongside HandleWebSocket's server wiring.
func (m *Manager) StartOutboxSweeper(ctx context.Context) {
	m.outbox.Start(ctx)
}

// HandleWebSocket upgrades an HTTP request to a websocket connection for
// participantID, replacing any existing connection for that participant.
func (m *Manager) HandleWebSocket(participantID string, w http.ResponseWriter, r *http.Request) {
	secret, ok := m.secrets(participantID)
	if !ok {
		http.Error(w, "unknown participant", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L(context.Background()).Error("participant websocket upgrade failed", "participant_id", participantID, "error", err)
		return
	}

	c := newConnection(participantID, secret, conn, m.onMsg)

	m.mu.Lock()
	if existing, ok := m.conns[participantID]; ok {
		existing.close()
	}
	m.conns[participantID] = c
	m.mu.Unlock()

	go c.writePump()
	go c.readPump()

	for _, env := range m.outbox.Drain(participantID) {
		if !c.Send(env) {
			// Connection dropped again immediately; re-queue for the next
			// reconnect rather than dropping the notification.
			m.outbox.Queue(participantID, env)
			break
		}
	}
}

// SendTo delivers env to participantID's connection if one is currently
// open. Returns false if the participant is not connected or its send
// buffer is full — callers treat either as "participant unreachable" for
// this delivery attempt and rely on redelivery-on-reconnect, per spec.
func (m *Manager) SendTo(participantID string, env *Envelope) bool {
	m.mu.RLock()
	c, ok := m.conns[participantID]
	m.mu.RUnlock()
	if !ok {
		m.outbox.Queue(participantID, env)
		return false
	}
	if sent := c.Send(env); !sent {
		m.outbox.Queue(participantID, env)
		return false
	}
	return true
}

// Connected reports whether participantID currently has an open connection.
func (m *Manager) Connected(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[participantID]
	return ok
}

// Disconnect closes and removes participantID's connection, if any.
func (m *Manager) Disconnect(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[participantID]; ok {
		c.close()
		delete(m.conns, participantID)
	}
}
