package queue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue keeps per-recipient FIFO queues in process memory. State
// does not survive a restart; it exists for development, tests, and
// single-process deployments where loss on crash is acceptable.
type InMemoryQueue struct {
	mu    sync.Mutex
	byKey map[string][]QueuedMessage
	ttl   time.Duration
	dedup bool

	now func() time.Time
}

// NewInMemory creates an in-memory undelivered queue.
func NewInMemory(cfg Config) (*InMemoryQueue, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &InMemoryQueue{
		byKey: make(map[string][]QueuedMessage),
		ttl:   cfg.TTL,
		dedup: cfg.Deduplicate,
		now:   time.Now,
	}, nil
}

func (q *InMemoryQueue) AddMessage(ctx context.Context, recipientKey string, payload []byte) error {
	msg := QueuedMessage{
		RecipientKey: recipientKey,
		Payload:      payload,
		Ident:        MessageIdent(payload),
		EnqueuedAt:   q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(recipientKey)
	if q.dedup {
		for _, existing := range q.byKey[recipientKey] {
			if existing.Ident == msg.Ident {
				return nil
			}
		}
	}
	q.byKey[recipientKey] = append(q.byKey[recipientKey], msg)
	return nil
}

func (q *InMemoryQueue) HasMessageForKey(ctx context.Context, recipientKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(recipientKey)
	return len(q.byKey[recipientKey]) > 0, nil
}

func (q *InMemoryQueue) MessageCountForKey(ctx context.Context, recipientKey string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(recipientKey)
	return len(q.byKey[recipientKey]), nil
}

func (q *InMemoryQueue) GetMessagesForKey(ctx context.Context, recipientKey string, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		return []QueuedMessage{}, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(recipientKey)
	msgs := q.byKey[recipientKey]
	if limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]QueuedMessage, limit)
	copy(out, msgs[:limit])
	return out, nil
}

func (q *InMemoryQueue) InspectAllMessagesForKey(ctx context.Context, recipientKey string) ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(recipientKey)
	msgs := q.byKey[recipientKey]
	out := make([]QueuedMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (q *InMemoryQueue) RemoveMessagesForKey(ctx context.Context, recipientKey string, idents []string) error {
	if len(idents) == 0 {
		return nil
	}
	remove := make(map[string]struct{}, len(idents))
	for _, ident := range idents {
		remove[ident] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(recipientKey)
	msgs := q.byKey[recipientKey]
	if len(msgs) == 0 {
		return nil
	}
	kept := msgs[:0]
	for _, msg := range msgs {
		if _, ok := remove[msg.Ident]; !ok {
			kept = append(kept, msg)
		}
	}
	if len(kept) == 0 {
		delete(q.byKey, recipientKey)
		return nil
	}
	q.byKey[recipientKey] = kept
	return nil
}

// expireLocked drops entries older than the TTL. Caller holds q.mu.
func (q *InMemoryQueue) expireLocked(recipientKey string) {
	msgs, ok := q.byKey[recipientKey]
	if !ok {
		return
	}
	horizon := q.now().Add(-q.ttl)
	// FIFO order means expired entries form a prefix.
	live := 0
	for live < len(msgs) && !msgs[live].EnqueuedAt.After(horizon) {
		live++
	}
	if live == 0 {
		return
	}
	if live == len(msgs) {
		delete(q.byKey, recipientKey)
		return
	}
	q.byKey[recipientKey] = msgs[live:]
}
