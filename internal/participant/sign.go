package participant

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
)

// sign computes the HMAC-SHA256 signature over an envelope's type, sequence,
// settlement id, and payload, keyed by the participant's shared secret.
func sign(secret string, env *Envelope) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(env.Type))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], env.Sequence)
	h.Write(seqBuf[:])
	h.Write([]byte(env.SettlementID))
	h.Write(env.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether env's signature matches the given secret,
// recomputing the HMAC rather than comparing decoded payloads so a
// tampered sequence number or settlement id is also caught.
func Verify(secret string, env *Envelope) bool {
	expected := sign(secret, env)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(env.Signature)) == 1
}

// Sign mutates env in place, setting its Signature field.
func Sign(secret string, env *Envelope) {
	env.Signature = sign(secret, env)
}

// MarshalPayload is a small convenience wrapper so call sites don't repeat
// the json.Marshal-into-RawMessage boilerplate at every envelope send.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
