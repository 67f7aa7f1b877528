// Package participant implements the coordinator side of the participant
// protocol channel: one gorilla/websocket connection per participant,
// carrying the envelope messages of spec.md §6 (SettleRequest, LockRequest,
// SettlementNotification, and their acknowledgments) as HMAC-signed,
// sequence-numbered JSON frames over a persistent, bidirectional, ordered
// connection.
package participant

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the envelope's payload.
type MessageType string

const (
	MessageSettleRequest          MessageType = "settle_request"
	MessageLockRequest            MessageType = "lock_request"
	MessageLockConfirmation       MessageType = "lock_confirmation"
	MessageSettlementNotification MessageType = "settlement_notification"
	MessageAck                    MessageType = "ack"
)

// Envelope is the wire frame carried over the websocket connection. Unlike
// the webhook package's fire-and-forget HTTP delivery, this channel is
// persistent and ordered, so the envelope carries a per-connection sequence
// number for replay/reorder detection rather than relying on HTTP status
// codes and per-call retries.
type Envelope struct {
	Type         MessageType     `json:"type"`
	Sequence     uint64          `json:"sequence"`
	SettlementID string          `json:"settlement_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Signature    string          `json:"signature"`
	SentAt       time.Time       `json:"sent_at"`
}

// SettlementNotificationPayload is the payload of a settlement_notification
// envelope, dispatched to every participant involved in a committed
// settlement.
type SettlementNotificationPayload struct {
	SettlementID string `json:"settlement_id"`
	Status       string `json:"status"`
	LegNumber    int    `json:"leg_number,omitempty"`
}

// LockRequestPayload is the payload of a lock_request envelope, sent to a
// participant whose account must confirm a pending lock.
type LockRequestPayload struct {
	LockID       string `json:"lock_id"`
	SettlementID string `json:"settlement_id"`
	Account      string `json:"account"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExpiresAt    string `json:"expires_at"`
}

// AckPayload acknowledges receipt of a prior envelope by sequence number.
type AckPayload struct {
	AckedSequence uint64 `json:"acked_sequence"`
}
