package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	indexKeyPrefix   = "uq:"
	payloadKeyPrefix = "uqmsg:"
)

// RedisQueue persists undelivered messages in Redis so they survive process
// restarts and can be served by multiple relay instances at once.
//
// Two objects per message: a per-recipient sorted set of message identities
// scored by enqueue time (the FIFO index), and a flat payload key per
// identity with its own TTL. The two expire independently; an index member
// whose payload has gone missing is treated as expired and swept on read.
// Every add refreshes the index TTL so an active recipient's queue does not
// expire out from under accumulating messages. All mutations go through
// Redis-atomic per-key commands; there is no client-side locking.
type RedisQueue struct {
	client redis.UniversalClient
	ttl    time.Duration
	dedup  bool

	now func() time.Time
}

// NewRedis creates a Redis-backed undelivered queue.
func NewRedis(client redis.UniversalClient, cfg Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &RedisQueue{
		client: client,
		ttl:    cfg.TTL,
		dedup:  cfg.Deduplicate,
		now:    time.Now,
	}, nil
}

func indexKey(recipientKey string) string  { return indexKeyPrefix + recipientKey }
func payloadKey(ident string) string       { return payloadKeyPrefix + ident }
func identFromMember(member string) string { return strings.SplitN(member, ":", 2)[0] }

func (q *RedisQueue) AddMessage(ctx context.Context, recipientKey string, payload []byte) error {
	ident := MessageIdent(payload)
	member := ident
	if !q.dedup {
		// Distinct index members let equal-content messages accumulate
		// while sharing the one content-addressed payload key.
		member = ident + ":" + uuid.NewString()
	}
	score := float64(q.now().UnixMilli())

	pipe := q.client.TxPipeline()
	pipe.ZAddNX(ctx, indexKey(recipientKey), redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, indexKey(recipientKey), q.ttl)
	pipe.Set(ctx, payloadKey(ident), payload, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add message for key: %w", err)
	}
	return nil
}

func (q *RedisQueue) HasMessageForKey(ctx context.Context, recipientKey string) (bool, error) {
	msgs, err := q.liveEntries(ctx, recipientKey, 1)
	if err != nil {
		return false, err
	}
	return len(msgs) > 0, nil
}

func (q *RedisQueue) MessageCountForKey(ctx context.Context, recipientKey string) (int, error) {
	msgs, err := q.liveEntries(ctx, recipientKey, 0)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (q *RedisQueue) GetMessagesForKey(ctx context.Context, recipientKey string, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		return []QueuedMessage{}, nil
	}
	return q.liveEntries(ctx, recipientKey, limit)
}

func (q *RedisQueue) InspectAllMessagesForKey(ctx context.Context, recipientKey string) ([]QueuedMessage, error) {
	return q.liveEntries(ctx, recipientKey, 0)
}

func (q *RedisQueue) RemoveMessagesForKey(ctx context.Context, recipientKey string, idents []string) error {
	if len(idents) == 0 {
		return nil
	}
	remove := make(map[string]struct{}, len(idents))
	for _, ident := range idents {
		remove[ident] = struct{}{}
	}

	if err := q.sweep(ctx, recipientKey); err != nil {
		return err
	}
	members, err := q.client.ZRange(ctx, indexKey(recipientKey), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read queue index: %w", err)
	}

	var staleMembers []interface{}
	payloadKeys := make(map[string]struct{})
	for _, member := range members {
		ident := identFromMember(member)
		if _, ok := remove[ident]; !ok {
			continue
		}
		staleMembers = append(staleMembers, member)
		payloadKeys[payloadKey(ident)] = struct{}{}
	}
	if len(staleMembers) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, indexKey(recipientKey), staleMembers...)
	for key := range payloadKeys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove messages for key: %w", err)
	}
	return nil
}

// sweep removes index members older than the TTL. Payload keys carry their
// own Redis expiry and need no help here.
func (q *RedisQueue) sweep(ctx context.Context, recipientKey string) error {
	horizon := q.now().Add(-q.ttl).UnixMilli()
	max := strconv.FormatInt(horizon, 10)
	if err := q.client.ZRemRangeByScore(ctx, indexKey(recipientKey), "-inf", max).Err(); err != nil {
		return fmt.Errorf("failed to sweep expired messages: %w", err)
	}
	return nil
}

// liveEntries sweeps, then returns up to limit (0 = all) oldest entries in
// FIFO order. Index members whose payload has expired independently are
// dropped from the index on the way through.
func (q *RedisQueue) liveEntries(ctx context.Context, recipientKey string, limit int) ([]QueuedMessage, error) {
	if err := q.sweep(ctx, recipientKey); err != nil {
		return nil, err
	}

	members, err := q.client.ZRangeWithScores(ctx, indexKey(recipientKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue index: %w", err)
	}
	if len(members) == 0 {
		return []QueuedMessage{}, nil
	}

	keys := make([]string, len(members))
	for i, z := range members {
		keys[i] = payloadKey(identFromMember(z.Member.(string)))
	}
	payloads, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queued payloads: %w", err)
	}

	msgs := make([]QueuedMessage, 0, len(members))
	var staleMembers []interface{}
	for i, z := range members {
		member := z.Member.(string)
		raw, ok := payloads[i].(string)
		if !ok {
			staleMembers = append(staleMembers, member)
			continue
		}
		if limit > 0 && len(msgs) >= limit {
			continue
		}
		msgs = append(msgs, QueuedMessage{
			RecipientKey: recipientKey,
			Payload:      []byte(raw),
			Ident:        identFromMember(member),
			EnqueuedAt:   time.UnixMilli(int64(z.Score)),
		})
	}
	if len(staleMembers) > 0 {
		if err := q.client.ZRem(ctx, indexKey(recipientKey), staleMembers...).Err(); err != nil {
			return nil, fmt.Errorf("failed to drop stale index entries: %w", err)
		}
	}
	return msgs, nil
}
