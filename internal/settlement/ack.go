package settlement

import "sync"

// ackWaiter tracks outstanding SettlementNotification acknowledgments for
// one settlement's committed->settled transition: settled is reached when
// every involved participant has acked or the ack timeout elapses,
// whichever comes first — settlement finality never depends on the ack.
type ackWaiter struct {
	mu        sync.Mutex
	remaining map[string]bool // participant id -> still outstanding
	done      chan struct{}
	closed    bool
}

func newAckWaiter(participantIDs []string) *ackWaiter {
	remaining := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		remaining[id] = true
	}
	w := &ackWaiter{remaining: remaining, done: make(chan struct{})}
	if len(remaining) == 0 {
		close(w.done)
		w.closed = true
	}
	return w
}

// ack records an acknowledgment from participantID. Closes done once every
// participant has acked.
func (w *ackWaiter) ack(participantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	delete(w.remaining, participantID)
	if len(w.remaining) == 0 {
		w.closed = true
		close(w.done)
	}
}

// ackTracker registers one ackWaiter per in-flight settlement awaiting
// notification acknowledgment, keyed by settlement id.
type ackTracker struct {
	mu      sync.Mutex
	waiters map[string]*ackWaiter
}

func newAckTracker() *ackTracker {
	return &ackTracker{waiters: make(map[string]*ackWaiter)}
}

func (t *ackTracker) register(settlementID string, participantIDs []string) *ackWaiter {
	w := newAckWaiter(participantIDs)
	t.mu.Lock()
	t.waiters[settlementID] = w
	t.mu.Unlock()
	return w
}

func (t *ackTracker) unregister(settlementID string) {
	t.mu.Lock()
	delete(t.waiters, settlementID)
	t.mu.Unlock()
}

// RecordAck is invoked by the participant protocol's inbound handler when an
// ack envelope arrives. A no-op if the settlement is not currently awaiting
// acks (already settled, or unknown).
func (t *ackTracker) RecordAck(settlementID, participantID string) {
	t.mu.Lock()
	w, ok := t.waiters[settlementID]
	t.mu.Unlock()
	if !ok {
		return
	}
	w.ack(participantID)
}
