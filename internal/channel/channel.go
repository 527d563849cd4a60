// Package channel maintains the session channel: one logical push connection
// per shopping session, delivering well-formed stock events to the stock cache
// and hiding transient disconnects from callers.
package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/shopstream/internal/observability"
	"github.com/coachpo/shopstream/internal/schema"
)

// State is the channel lifecycle state. There is no terminal failure state:
// a closed channel retries until torn down.
type State int32

const (
	// StateClosed means no live socket; a reconnect may be pending.
	StateClosed State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means the socket is live and delivering messages.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Conn is the slice of a websocket connection the channel uses. Satisfied by
// *websocket.Conn via wsConn; tests substitute fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens one socket. The default dials cfg.URL with coder/websocket.
type Dialer func(ctx context.Context) (Conn, error)

// Config tunes a session channel.
type Config struct {
	URL           string
	RetryInterval time.Duration
	DialTimeout   time.Duration
	ReadLimit     int64

	// Dialer overrides the websocket dial, used by tests.
	Dialer Dialer

	// OnStockUpdate receives every well-formed stock event. Consumers must be
	// idempotent against duplicate delivery of the same quantity.
	OnStockUpdate func(schema.StockChangedEvent)

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)

	// OnTransportError is invoked once per socket failure, for the one-time
	// user-facing connection notice. Transport errors are never fatal.
	OnTransportError func(error)
}

func (c Config) normalize() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 256 * 1024
	}
	if c.Dialer == nil {
		url := c.URL
		readLimit := c.ReadLimit
		c.Dialer = func(ctx context.Context) (Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, nil)
			if err != nil {
				return nil, err
			}
			conn.SetReadLimit(readLimit)
			return conn, nil
		}
	}
	return c
}

// Channel owns one logical push connection and its reconnect state machine.
// The state lives on the controller, not in callbacks, so a retry firing
// after teardown has nothing stale to close over.
type Channel struct {
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	state   atomic.Int32
	closing atomic.Bool
}

// New constructs a channel; no socket is opened until Connect.
func New(cfg Config) *Channel {
	return &Channel{cfg: cfg.normalize()}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Connect starts the connection loop. Idempotent: a live or connecting socket
// is forcibly torn down first, so there is never more than one live socket per
// channel.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
	if c.closing.Load() {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Close tears the channel down: the socket is closed and any pending reconnect
// timer is released. Safe to call on every exit path, including while a
// reconnect is pending. After Close, no further connect attempt occurs.
func (c *Channel) Close() {
	c.closing.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(StateClosed)
}

// run is the connection loop: dial, read until failure, back off a fixed
// interval, repeat. It never gives up on its own; only context cancellation
// (Close or a superseding Connect) ends it.
func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewConstantBackOff(c.cfg.RetryInterval)
	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		c.setState(StateConnecting)
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := c.cfg.Dialer(dialCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateClosed)
				return
			}
			c.reportTransportError(err)
			c.setState(StateClosed)
			if !c.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		c.setState(StateOpen)

		readErr := c.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		// Clean server-side close and transport error take the same path:
		// CLOSED, fixed delay, reconnect.
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			c.reportTransportError(readErr)
		}
		c.setState(StateClosed)
		if !c.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// readLoop delivers messages until the connection fails. Malformed payloads
// are dropped and logged, never surfaced to the caller; unknown envelope types
// are ignored to keep the contract forward-compatible.
func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var env schema.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			observability.Log().Error("channel: dropped malformed message",
				observability.F("error", err))
			continue
		}
		if env.Type != schema.EventTypeStockUpdate {
			continue
		}

		var evt schema.StockChangedEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			observability.Log().Error("channel: dropped malformed stock event",
				observability.F("error", err))
			continue
		}
		if c.cfg.OnStockUpdate != nil {
			c.cfg.OnStockUpdate(evt)
		}
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.setState(StateClosed)
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Channel) reportTransportError(err error) {
	if err == nil {
		return
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure {
		return
	}
	observability.Log().Info("channel: transport error, will reconnect",
		observability.F("error", err))
	if c.cfg.OnTransportError != nil {
		c.cfg.OnTransportError(err)
	}
}
