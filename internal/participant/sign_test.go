package participant

import "testing"

func TestSignVerify_RoundTrip(t *testing.T) {
	env := &Envelope{
		Type:         MessageLockRequest,
		Sequence:     42,
		SettlementID: "settle-1",
		Payload:      []byte(`{"lock_id":"lk-1"}`),
	}
	Sign("shared-secret", env)

	if !Verify("shared-secret", env) {
		t.Fatal("expected signature to verify with the same secret")
	}
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	env := &Envelope{Type: MessageAck, Sequence: 1, Payload: []byte(`{}`)}
	Sign("secret-a", env)

	if Verify("secret-b", env) {
		t.Fatal("expected signature to fail verification under a different secret")
	}
}

func TestVerify_RejectsTamperedSequence(t *testing.T) {
	env := &Envelope{Type: MessageAck, Sequence: 1, Payload: []byte(`{}`)}
	Sign("secret", env)

	env.Sequence = 2
	if Verify("secret", env) {
		t.Fatal("expected signature to fail after sequence tampering")
	}
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	env := &Envelope{Type: MessageAck, Sequence: 1, Payload: []byte(`{"a":1}`)}
	Sign("secret", env)

	env.Payload = []byte(`{"a":2}`)
	if Verify("secret", env) {
		t.Fatal("expected signature to fail after payload tampering")
	}
}
