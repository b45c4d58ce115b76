// Package resilience contains the connection recovery primitives shared by
// the upstream service adapters (STT, TTS, avatar).
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/phonesys/voicepipe/internal/observe"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts  = 6
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 8 * time.Second
)

// ConnectionError reports that a service connection could not be established
// within the attempt budget. It is fatal for that service only; unrelated
// pipeline stages keep running.
type ConnectionError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connector serializes reconnection for a single upstream service.
//
// Callers invoke [Connector.Ensure] before every operation that needs the
// connection. The alive probe is checked WITHOUT the lock first so the
// steady state costs one atomic-ish read; only when the connection looks
// dead does the caller take the per-service lock, re-check the probe (a
// concurrent caller may have already reconnected), and drive the dial loop.
//
// All methods are safe for concurrent use.
type Connector struct {
	service      string
	dial         func(ctx context.Context) error
	alive        func() bool
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger
	metrics      *observe.Metrics

	// sleep and jitter are swapped out in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration

	mu sync.Mutex
}

// ConnectorConfig configures a [Connector].
type ConnectorConfig struct {
	// Service names the upstream for logs and errors (e.g. "cartesia").
	Service string

	// Dial establishes a fresh connection. Called under the connector lock.
	Dial func(ctx context.Context) error

	// Alive reports whether the current connection is usable. Must be safe
	// to call concurrently without the connector lock.
	Alive func() bool

	// MaxAttempts is the total dial budget per Ensure call. Defaults to 6.
	MaxAttempts int

	// InitialDelay is the pause before the second attempt. Doubles each
	// failure up to MaxDelay. Defaults to 500ms.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Defaults to 8s.
	MaxDelay time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, if non-nil, records one reconnect-attempt count per dial.
	Metrics *observe.Metrics
}

// NewConnector creates a [Connector] with the given configuration.
// Dial and Alive must be non-nil.
func NewConnector(cfg ConnectorConfig) *Connector {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	initialDelay := cfg.InitialDelay
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		service:      cfg.Service,
		dial:         cfg.Dial,
		alive:        cfg.Alive,
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		logger:       logger,
		metrics:      cfg.Metrics,
		sleep:        sleepCtx,
		jitter:       halfJitter,
	}
}

// Ensure guarantees a live connection or returns a *ConnectionError.
//
// The fast path returns immediately when the alive probe passes. Otherwise
// the per-service lock serializes concurrent reconnectors: the probe is
// re-checked under the lock, then up to MaxAttempts dials run with
// exponential backoff plus jitter between attempts. The first attempt runs
// without delay.
func (c *Connector) Ensure(ctx context.Context) error {
	if c.alive() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A concurrent caller may have reconnected while we waited on the lock.
	if c.alive() {
		return nil
	}

	delay := c.initialDelay
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := delay + c.jitter(delay)
			c.logger.Info("retrying connection",
				"service", c.service,
				"attempt", attempt,
				"max_attempts", c.maxAttempts,
				"delay", wait,
			)
			if err := c.sleep(ctx, wait); err != nil {
				return &ConnectionError{Service: c.service, Attempts: attempt - 1, Err: err}
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		if c.metrics != nil {
			c.metrics.ReconnectAttempt(ctx, c.service)
		}
		lastErr = c.dial(ctx)
		if lastErr == nil {
			if attempt > 1 {
				c.logger.Info("connection restored",
					"service", c.service,
					"attempt", attempt,
				)
			}
			return nil
		}

		c.logger.Warn("connection attempt failed",
			"service", c.service,
			"attempt", attempt,
			"error", lastErr,
		)
	}

	c.logger.Error("connection attempts exhausted",
		"service", c.service,
		"max_attempts", c.maxAttempts,
	)
	return &ConnectionError{Service: c.service, Attempts: c.maxAttempts, Err: lastErr}
}

// halfJitter returns a uniform random duration in [0, d/2).
func halfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d / 2)))
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
