package queue

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// MessageIdent derives the stable, content-addressed identifier for a
// payload: base58-encoded SHA-256 of the raw bytes. The same function is
// used when enqueueing and when matching acknowledgement identities, so
// byte-identical payloads always collapse to the same identity.
func MessageIdent(payload []byte) string {
	digest := sha256.Sum256(payload)
	return base58.Encode(digest[:])
}
