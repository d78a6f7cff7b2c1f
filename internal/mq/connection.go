package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"mtl-publisher/internal/errs"
	"mtl-publisher/internal/reactor"
)

var (
	ErrNotReady = errors.New("connection is not ready")
)

// State is the lifecycle state of a Connection.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Ready
	Closing
	Closed
	Errored
	Detached
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Handler receives lifecycle events. All methods run on the reactor.
//
// OnConnected follows the TCP handshake; OnReady follows protocol
// negotiation and is the only point from which channels may be opened.
// Exactly one of OnClosed or OnError ends the connection, and OnDetached
// is always the last call.
type Handler interface {
	OnConnected(c *Connection)
	OnReady(c *Connection)
	OnError(c *Connection, err error)
	OnClosed(c *Connection)
	OnDetached(c *Connection)
}

// Connection manages the lifecycle of one broker connection. Its methods
// must be called from the reactor goroutine, or before the reactor runs.
type Connection struct {
	reactor *reactor.Reactor
	dialer  Dialer
	url     string
	handler Handler
	logger  *slog.Logger

	state    State
	conn     Conn
	channels []*Channel
	err      error

	cancelDial context.CancelFunc
	release    func()
}

// NewConnection creates a Connection that reports to handler.
func NewConnection(r *reactor.Reactor, dialer Dialer, url string, handler Handler, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		reactor: r,
		dialer:  dialer,
		url:     url,
		handler: handler,
		logger:  logger,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return c.state
}

// Err returns the fault that ended the connection, if any.
func (c *Connection) Err() error {
	return c.err
}

// Open starts dialing. It holds the reactor until the connection detaches.
func (c *Connection) Open() {
	if c.state != Idle {
		return
	}
	c.state = Connecting
	c.release = c.reactor.Hold()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	go func() {
		conn, err := c.dialer.Dial(ctx, c.url, func() {
			c.reactor.Post(c.connected)
		})
		c.reactor.Post(func() { c.established(conn, err) })
	}()
}

// Close initiates a graceful close. Every channel is invalidated at once
// and outcomes still pending on them are never delivered.
func (c *Connection) Close() {
	switch c.state {
	case Idle:
		c.state = Closed
	case Connecting, Connected:
		c.state = Closing
		c.cancelDial()
	case Ready:
		c.state = Closing
		c.invalidateChannels()
		conn := c.conn
		go func() {
			if err := conn.Close(); err != nil {
				c.logger.Debug("connection: close returned error", "error", err)
			}
		}()
	}
}

// OpenChannel creates a channel on a Ready connection. The AMQP open round
// trip is performed asynchronously before the channel's first operation.
func (c *Connection) OpenChannel() (*Channel, error) {
	if c.state != Ready {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, c.state)
	}
	ch := newChannel(c.reactor, c.conn, len(c.channels)+1)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) connected() {
	if c.state != Connecting {
		return
	}
	c.state = Connected
	c.handler.OnConnected(c)
}

func (c *Connection) established(conn Conn, err error) {
	if err != nil {
		// a requested close ends as closed however the dial returns
		if c.state == Closing {
			c.logger.Debug("connection: dial ended after close", "error", err)
			c.closed()
			return
		}
		c.fail(fmt.Errorf("%w: %w", errs.ErrTransport, err))
		return
	}

	if c.state == Closing {
		go func() { _ = conn.Close() }()
		c.closed()
		return
	}

	c.conn = conn
	c.state = Ready

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		reason := <-notify
		c.reactor.Post(func() { c.transportClosed(reason) })
	}()

	c.handler.OnReady(c)
}

func (c *Connection) transportClosed(reason *amqp.Error) {
	switch c.state {
	case Closed, Errored, Detached:
		return
	}
	if reason != nil {
		c.fail(fmt.Errorf("%w: %w", errs.ErrTransport, reason))
		return
	}
	c.closed()
}

func (c *Connection) fail(err error) {
	c.invalidateChannels()
	c.err = err
	c.state = Errored
	c.handler.OnError(c, err)
	c.detach()
}

func (c *Connection) closed() {
	c.invalidateChannels()
	c.state = Closed
	c.handler.OnClosed(c)
	c.detach()
}

func (c *Connection) detach() {
	c.state = Detached
	c.handler.OnDetached(c)
	if c.cancelDial != nil {
		c.cancelDial()
	}
	c.release()
}

func (c *Connection) invalidateChannels() {
	dropped := 0
	for _, ch := range c.channels {
		dropped += ch.invalidate()
	}
	if dropped > 0 {
		c.logger.Warn("connection: dropped pending channel operations", "count", dropped)
	}
}
