package queue

import (
	"context"
	"time"
)

// Stats summarizes the non-expired queue contents for one recipient key.
// Derived from InspectAllMessagesForKey on demand, never stored.
type Stats struct {
	Count     int
	TotalSize int
	Oldest    time.Time
	Newest    time.Time
}

// StatsForKey recomputes queue statistics for a recipient key.
func StatsForKey(ctx context.Context, q UndeliveredQueue, recipientKey string) (Stats, error) {
	msgs, err := q.InspectAllMessagesForKey(ctx, recipientKey)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Count: len(msgs)}
	for _, msg := range msgs {
		stats.TotalSize += len(msg.Payload)
		if stats.Oldest.IsZero() || msg.EnqueuedAt.Before(stats.Oldest) {
			stats.Oldest = msg.EnqueuedAt
		}
		if msg.EnqueuedAt.After(stats.Newest) {
			stats.Newest = msg.EnqueuedAt
		}
	}
	return stats, nil
}
