// Package mqtest provides an in-memory broker implementing the mq transport
// interfaces, recording every AMQP method it receives.
package mqtest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"mtl-publisher/internal/mq"
)

// Method names recorded by the broker.
const (
	ChannelOpen     = "channel.open"
	ExchangeDeclare = "exchange.declare"
	QueueDeclare    = "queue.declare"
	QueueBind       = "queue.bind"
	TxSelect        = "tx.select"
	BasicPublish    = "basic.publish"
	TxCommit        = "tx.commit"
	TxRollback      = "tx.rollback"
)

// Op is one recorded AMQP method call.
type Op struct {
	Method   string
	Exchange string
	Kind     string
	Queue    string
	Key      string
	Body     string
	Durable  bool
	Msg      amqp.Publishing
}

// Broker is a fake RabbitMQ. The zero value accepts every operation.
type Broker struct {
	mu       sync.Mutex
	ops      []Op
	dialErr  error
	failures map[string]failure
	counts   map[string]int
	gates    map[string]chan struct{}
	conns    []*Conn
}

type failure struct {
	nth int
	err error
}

var _ mq.Dialer = (*Broker)(nil)

// FailDial makes every Dial return err without reporting a TCP connect.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Fail makes the nth call (1-based) of method return err; nth 0 fails
// every call.
func (b *Broker) Fail(method string, nth int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures == nil {
		b.failures = make(map[string]failure)
	}
	b.failures[method] = failure{nth: nth, err: err}
}

// Hold makes every call of method block, after it is recorded, until the
// returned func is called.
func (b *Broker) Hold(method string) (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gates == nil {
		b.gates = make(map[string]chan struct{})
	}
	gate := make(chan struct{})
	b.gates[method] = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// HoldCommits is Hold(TxCommit).
func (b *Broker) HoldCommits() (release func()) {
	return b.Hold(TxCommit)
}

// Ops returns a snapshot of the recorded calls.
func (b *Broker) Ops() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Op(nil), b.ops...)
}

// Methods returns the recorded method names, in order.
func (b *Broker) Methods() []string {
	var out []string
	for _, op := range b.Ops() {
		out = append(out, op.Method)
	}
	return out
}

// Published returns the recorded publishes, in order.
func (b *Broker) Published() []Op {
	var out []Op
	for _, op := range b.Ops() {
		if op.Method == BasicPublish {
			out = append(out, op)
		}
	}
	return out
}

// Count returns how many times method was called.
func (b *Broker) Count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[method]
}

// Conn returns the nth established connection (0-based), or nil.
func (b *Broker) Conn(n int) *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n >= len(b.conns) {
		return nil
	}
	return b.conns[n]
}

// Dial implements mq.Dialer.
func (b *Broker) Dial(ctx context.Context, _ string, onConnected func()) (mq.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	err := b.dialErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	onConnected()

	c := &Conn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func (b *Broker) record(op Op) error {
	b.mu.Lock()
	if b.counts == nil {
		b.counts = make(map[string]int)
	}
	b.counts[op.Method]++
	n := b.counts[op.Method]
	f, ok := b.failures[op.Method]
	gate := b.gates[op.Method]
	b.ops = append(b.ops, op)
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if ok && (f.nth == 0 || f.nth == n) {
		return f.err
	}
	return nil
}

// Conn is a fake connection.
type Conn struct {
	broker *Broker

	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
}

// Channel implements mq.Conn.
func (c *Conn) Channel() (mq.AMQPChannel, error) {
	if err := c.broker.record(Op{Method: ChannelOpen}); err != nil {
		return nil, err
	}
	return &Channel{broker: c.broker}, nil
}

// NotifyClose implements mq.Conn.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close implements mq.Conn with a clean shutdown.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

// Fail simulates a connection fault reported by the broker.
func (c *Conn) Fail(reason *amqp.Error) {
	_ = c.shutdown(reason)
}

func (c *Conn) shutdown(reason *amqp.Error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.notify {
		if reason != nil {
			ch <- reason
		}
		close(ch)
	}
	c.notify = nil
	return nil
}

// IsClosed reports whether the connection was shut down.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channel is a fake AMQP channel.
type Channel struct {
	broker *Broker
}

var _ mq.AMQPChannel = (*Channel)(nil)

func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	return ch.broker.record(Op{Method: ExchangeDeclare, Exchange: name, Kind: kind, Durable: durable})
}

func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if err := ch.broker.record(Op{Method: QueueDeclare, Queue: name, Durable: durable}); err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	return ch.broker.record(Op{Method: QueueBind, Queue: name, Key: key, Exchange: exchange})
}

func (ch *Channel) Tx() error {
	return ch.broker.record(Op{Method: TxSelect})
}

func (ch *Channel) TxCommit() error {
	return ch.broker.record(Op{Method: TxCommit})
}

func (ch *Channel) TxRollback() error {
	return ch.broker.record(Op{Method: TxRollback})
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(amqp.ErrClosed, err)
	}
	return ch.broker.record(Op{Method: BasicPublish, Exchange: exchange, Key: key, Body: string(msg.Body), Msg: msg})
}
