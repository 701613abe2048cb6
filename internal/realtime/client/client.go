// Package client is the subscribe side of the realtime push channel. It
// keeps exactly one stream open per scope, reconnects with exponential
// backoff up to a fixed number of attempts, and heartbeats while connected.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/realtime"
)

// State is the connectivity state surfaced to the user interface.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// ErrAlreadyRunning is returned by Start while a subscription is active or
// a connection attempt is in flight.
var ErrAlreadyRunning = errors.New("realtime client: subscription already running")

// Stream is one open push stream.
type Stream interface {
	// Next blocks until the next event or a transport failure.
	Next() (realtime.Event, error)
	// Close unblocks Next. It may be called more than once.
	Close() error
}

// Transport opens push streams.
type Transport interface {
	Open(ctx context.Context, scope realtime.Scope) (Stream, error)
}

// Heartbeater asserts client liveness independently of the stream.
type Heartbeater interface {
	Beat(ctx context.Context) error
}

// Config tunes reconnection and heartbeats.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Options bundles the client's collaborators. Heartbeater, OnEvent and
// OnState are optional.
type Options struct {
	Transport   Transport
	Heartbeater Heartbeater
	Clock       clockwork.Clock
	Logger      *zap.Logger
	OnEvent     func(realtime.Event)
	OnState     func(State)
}

// Client owns a single subscription.
type Client struct {
	scope       realtime.Scope
	cfg         Config
	transport   Transport
	heartbeater Heartbeater
	clock       clockwork.Clock
	logger      *zap.Logger
	onEvent     func(realtime.Event)
	onState     func(State)

	mu       sync.Mutex
	state    State
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds an idle client for scope.
func New(scope realtime.Scope, cfg Config, opts Options) *Client {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		scope:       scope,
		cfg:         cfg.withDefaults(),
		transport:   opts.Transport,
		heartbeater: opts.Heartbeater,
		clock:       clock,
		logger:      logger.Named("realtime_client"),
		onEvent:     opts.OnEvent,
		onState:     opts.OnState,
		state:       StateIdle,
	}
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of connection attempts since the last stream
// that delivered anything beyond its connection frame.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start opens the subscription in the background. It may be called again
// after the client has failed; otherwise a second call is refused.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateFailed:
	case StateClosed:
		c.mu.Unlock()
		return errors.New("realtime client: closed")
	default:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.attempts = 0
	done := c.done
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.run(runCtx, done)
	return nil
}

// Close cancels the subscription and waits until every timer and the
// stream are released. No reconnect happens after Close returns.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(StateClosed)
}

// Done is closed when the background loop exits.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delays := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.cfg.MaxDelay,
	}
	delays.Reset()

	for {
		c.setState(StateConnecting)
		stream, err := c.transport.Open(ctx, c.scope)
		if err == nil {
			c.setState(StateConnected)
			var healthy bool
			healthy, err = c.consume(ctx, stream)
			if healthy {
				delays.Reset()
			}
		}
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if attempts > c.cfg.MaxAttempts {
			c.logger.Warn("giving up on realtime stream",
				zap.Int("attempts", attempts-1),
				zap.Error(err))
			c.setState(StateFailed)
			return
		}

		delay := delays.NextBackOff()
		c.logger.Debug("realtime stream lost; reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		c.setState(StateBackoff)

		timer := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// consume reads events until the stream fails or ctx ends, heartbeating on
// an independent timer meanwhile. A stream counts as healthy once it
// delivers a frame other than the connection frame; only then is the
// attempt counter reset.
func (c *Client) consume(ctx context.Context, stream Stream) (healthy bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = stream.Close()
		wg.Wait()
	}()

	if c.heartbeater != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeat(streamCtx)
		}()
	}

	// Next does not observe ctx; closing the stream unblocks it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-streamCtx.Done()
		_ = stream.Close()
	}()

	for {
		event, err := stream.Next()
		if err != nil {
			return healthy, err
		}
		if !healthy && event.Type != realtime.EventConnection {
			healthy = true
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
		}
		if c.onEvent != nil && event.Type != realtime.EventHeartbeat {
			c.onEvent(event)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.heartbeater.Beat(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.state == StateClosed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}
