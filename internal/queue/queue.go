package queue

import (
	"context"
	"time"

	"pickuprelay/internal/constants"
	"pickuprelay/internal/models"
)

// Backend names accepted by the configuration surface.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// QueuedMessage is one pending outbound delivery. Messages are immutable
// once stored; the only mutations are removal on acknowledgement or expiry.
type QueuedMessage struct {
	RecipientKey string    `json:"recipientKey"`
	Payload      []byte    `json:"payload"`
	Ident        string    `json:"ident"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// UndeliveredQueue is the uniform contract both backends satisfy.
//
// All operations are keyed by an opaque recipient key. An unknown key
// behaves as an empty queue: zero count, empty lists, no-op removal.
// Entries older than the configured TTL are invisible to every read even
// before they are physically purged; purge happens opportunistically on
// access rather than via a background task.
//
// Get and Inspect have peek semantics. Delivery to a live session can fail
// after the fact, so removal is a separate, acknowledgement-driven step.
type UndeliveredQueue interface {
	// AddMessage appends a message for the recipient key, assigning its
	// content-addressed identity and enqueue timestamp. Duplicate-content
	// payloads never fail; whether they accumulate or collapse is the
	// backend's configured dedup policy.
	AddMessage(ctx context.Context, recipientKey string, payload []byte) error

	// HasMessageForKey reports whether at least one non-expired entry exists.
	HasMessageForKey(ctx context.Context, recipientKey string) (bool, error)

	// MessageCountForKey counts non-expired entries, sweeping expired ones
	// first so the count agrees with what Get/Inspect would return.
	MessageCountForKey(ctx context.Context, recipientKey string) (int, error)

	// GetMessagesForKey returns up to limit oldest non-expired entries in
	// FIFO order without removing them. A non-positive limit yields an
	// empty result.
	GetMessagesForKey(ctx context.Context, recipientKey string, limit int) ([]QueuedMessage, error)

	// InspectAllMessagesForKey returns every non-expired entry in FIFO order.
	InspectAllMessagesForKey(ctx context.Context, recipientKey string) ([]QueuedMessage, error)

	// RemoveMessagesForKey removes the entries matching the given
	// identities. Unknown, duplicated, or garbage identities are ignored;
	// an empty list is a no-op. It never fails for missing entries.
	RemoveMessagesForKey(ctx context.Context, recipientKey string, idents []string) error
}

// Config tunes a queue backend. The zero TTL selects the default retention
// window; negative values are a construction-time error.
type Config struct {
	TTL         time.Duration
	Deduplicate bool
}

// DefaultTTL is the retention window applied when none is configured.
const DefaultTTL = constants.DefaultTTLSeconds * time.Second

func (c *Config) applyDefaults() error {
	if c.TTL < 0 {
		return models.ConfigError{Message: "queue time to live must be a positive duration"}
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	return nil
}
