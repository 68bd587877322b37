package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pickuprelay/internal/metrics"

	"github.com/sirupsen/logrus"
)

// breakerState is the circuit state of a GuardedQueue.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrStoreUnavailable is returned while the guard is open and calls to the
// backing store are being shed.
type ErrStoreUnavailable struct {
	State string
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("queue store guard is %s", e.State)
}

// GuardConfig tunes the circuit guard around a queue backend.
type GuardConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before probing again.
	Cooldown time.Duration
	// ProbeCalls is how many successful probes close a half-open circuit.
	ProbeCalls int
}

// DefaultGuardConfig returns the guard settings used for the redis backend.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures: 5,
		Cooldown:    10 * time.Second,
		ProbeCalls:  3,
	}
}

// GuardedQueue wraps a queue backend with a circuit breaker. When the
// backing store fails repeatedly, further calls are shed for a cooldown
// period instead of piling up on a dead connection.
type GuardedQueue struct {
	delegate UndeliveredQueue
	cfg      GuardConfig
	logger   *logrus.Logger

	mu          sync.Mutex
	state       breakerState
	failures    int
	probeOKs    int
	lastFailure time.Time
	now         func() time.Time
}

// NewGuarded wraps delegate with a circuit guard.
func NewGuarded(delegate UndeliveredQueue, cfg GuardConfig, logger *logrus.Logger) *GuardedQueue {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultGuardConfig().MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultGuardConfig().Cooldown
	}
	if cfg.ProbeCalls <= 0 {
		cfg.ProbeCalls = DefaultGuardConfig().ProbeCalls
	}
	return &GuardedQueue{
		delegate: delegate,
		cfg:      cfg,
		logger:   logger,
		state:    breakerClosed,
		now:      time.Now,
	}
}

// execute runs op through the guard, recording the outcome.
func (g *GuardedQueue) execute(op func() error) error {
	if err := g.allow(); err != nil {
		return err
	}
	err := op()
	g.record(err)
	return err
}

func (g *GuardedQueue) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == breakerOpen {
		if g.now().Sub(g.lastFailure) < g.cfg.Cooldown {
			return &ErrStoreUnavailable{State: g.state.String()}
		}
		g.state = breakerHalfOpen
		g.probeOKs = 0
		g.logger.WithField("state", g.state.String()).Info("Queue store guard probing recovery")
	}
	return nil
}

func (g *GuardedQueue) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		g.failures++
		g.lastFailure = g.now()
		if g.state == breakerHalfOpen || (g.state == breakerClosed && g.failures >= g.cfg.MaxFailures) {
			g.state = breakerOpen
			g.logger.WithFields(logrus.Fields{
				"failures": g.failures,
				"state":    g.state.String(),
			}).Warn("Queue store guard opened")
		}
	} else {
		switch g.state {
		case breakerHalfOpen:
			g.probeOKs++
			if g.probeOKs >= g.cfg.ProbeCalls {
				g.state = breakerClosed
				g.failures = 0
				g.logger.WithField("state", g.state.String()).Info("Queue store guard closed after recovery")
			}
		case breakerClosed:
			g.failures = 0
		}
	}

	metrics.SetGauge("queue_store_guard_open", boolToFloat(g.state == breakerOpen), nil,
		"Whether the queue store guard is currently shedding calls")
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (g *GuardedQueue) AddMessage(ctx context.Context, recipientKey string, payload []byte) error {
	return g.execute(func() error {
		return g.delegate.AddMessage(ctx, recipientKey, payload)
	})
}

func (g *GuardedQueue) HasMessageForKey(ctx context.Context, recipientKey string) (bool, error) {
	var has bool
	err := g.execute(func() error {
		var opErr error
		has, opErr = g.delegate.HasMessageForKey(ctx, recipientKey)
		return opErr
	})
	return has, err
}

func (g *GuardedQueue) MessageCountForKey(ctx context.Context, recipientKey string) (int, error) {
	var count int
	err := g.execute(func() error {
		var opErr error
		count, opErr = g.delegate.MessageCountForKey(ctx, recipientKey)
		return opErr
	})
	return count, err
}

func (g *GuardedQueue) GetMessagesForKey(ctx context.Context, recipientKey string, limit int) ([]QueuedMessage, error) {
	var msgs []QueuedMessage
	err := g.execute(func() error {
		var opErr error
		msgs, opErr = g.delegate.GetMessagesForKey(ctx, recipientKey, limit)
		return opErr
	})
	return msgs, err
}

func (g *GuardedQueue) InspectAllMessagesForKey(ctx context.Context, recipientKey string) ([]QueuedMessage, error) {
	var msgs []QueuedMessage
	err := g.execute(func() error {
		var opErr error
		msgs, opErr = g.delegate.InspectAllMessagesForKey(ctx, recipientKey)
		return opErr
	})
	return msgs, err
}

func (g *GuardedQueue) RemoveMessagesForKey(ctx context.Context, recipientKey string, idents []string) error {
	return g.execute(func() error {
		return g.delegate.RemoveMessagesForKey(ctx, recipientKey, idents)
	})
}
