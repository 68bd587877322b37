package protocol

import (
	"context"
	"encoding/json"
)

// Receipt is the authenticated context of one inbound protocol message,
// supplied by the transport layer after unsealing the envelope. The handler
// trusts these values as-is.
type Receipt struct {
	// SenderKey is the verkey the inbound message was authenticated with.
	// It selects the queue partition unless the message overrides it.
	SenderKey string
	// RecipientKey is the relay-side verkey the message was addressed to.
	RecipientKey string
}

// Session is a live return-route channel back to a requester.
type Session interface {
	// Send writes one outbound protocol message on the channel.
	Send(ctx context.Context, msg interface{}) error
}

// SessionResolver finds the live session registered for a recipient key,
// if any. Session lifecycle belongs to the transport layer.
type SessionResolver interface {
	ResolveSession(recipientKey string) (Session, bool)
}

// WireFormat produces an encrypted envelope from a plaintext payload. The
// delivery handler calls it only for the rare queued payload that was
// stored before encryption.
type WireFormat interface {
	EncodeMessage(ctx context.Context, payload []byte, recipientKey string, routingKeys []string, senderKey string) ([]byte, error)
}

// payloadEncrypted reports whether a stored payload already looks like an
// encrypted DIDComm envelope (a JSON object with a "protected" header).
func payloadEncrypted(payload []byte) bool {
	var envelope struct {
		Protected string `json:"protected"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	return envelope.Protected != ""
}
