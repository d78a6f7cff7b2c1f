package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"mtl-publisher/internal/errs"
	"mtl-publisher/internal/reactor"
)

var (
	ErrChannelClosed   = fmt.Errorf("%w: channel is closed", errs.ErrTransport)
	ErrTransactionOpen = errors.New("a transaction is already open on the channel")
	ErrNoTransaction   = errors.New("transaction already finished")
)

// Channel is an AMQP channel driven from the reactor.
//
// Operations are issued on the reactor in program order and executed in
// that same order by a single worker goroutine that owns the underlying
// AMQP channel. Outcomes are posted back to the reactor.
type Channel struct {
	id      int
	reactor *reactor.Reactor
	work    *worker
	ctx     context.Context
	cancel  context.CancelFunc

	// reactor-owned
	closed  bool
	pending map[*Deferred]struct{}
	tx      *Transaction

	// worker-owned
	api      AMQPChannel
	openErr  error
	selected bool
}

func newChannel(r *reactor.Reactor, conn Conn, id int) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:      id,
		reactor: r,
		work:    newWorker(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[*Deferred]struct{}),
	}
	c.work.submit(func() {
		c.api, c.openErr = conn.Channel()
	})
	return c
}

// ID returns the channel's number on its connection.
func (c *Channel) ID() int {
	return c.id
}

// Closed reports whether the channel has been invalidated.
func (c *Channel) Closed() bool {
	return c.closed
}

// Pending reports how many issued operations await an outcome.
func (c *Channel) Pending() int {
	return len(c.pending)
}

// DeclareExchange declares an exchange of the given kind.
func (c *Channel) DeclareExchange(name, kind string, durable bool) *Deferred {
	return c.issue("exchange.declare", func(_ context.Context, api AMQPChannel) error {
		return api.ExchangeDeclare(name, kind, durable, false, false, false, nil)
	})
}

// DeclareQueue declares a named queue.
func (c *Channel) DeclareQueue(name string, durable bool) *Deferred {
	return c.issue("queue.declare", func(_ context.Context, api AMQPChannel) error {
		_, err := api.QueueDeclare(name, durable, false, false, false, nil)
		return err
	})
}

// BindQueue binds queue to exchange under a routing pattern.
func (c *Channel) BindQueue(exchange, queue, pattern string) *Deferred {
	return c.issue("queue.bind", func(_ context.Context, api AMQPChannel) error {
		return api.QueueBind(queue, pattern, exchange, false, nil)
	})
}

// StartTransaction opens a transaction. Only one may be open at a time;
// a new one can start as soon as the previous Commit or Rollback has been
// issued, without waiting for its outcome.
func (c *Channel) StartTransaction() (*Transaction, error) {
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.tx != nil {
		return nil, ErrTransactionOpen
	}

	tx := &Transaction{ch: c}
	c.tx = tx
	c.work.submit(func() {
		if c.openErr != nil || c.selected {
			return
		}
		// tx.select sticks for the lifetime of the channel
		if err := c.api.Tx(); err != nil {
			tx.err = fmt.Errorf("tx.select: %w", err)
			return
		}
		c.selected = true
	})
	return tx, nil
}

// issue queues fn on the worker and returns its outcome.
func (c *Channel) issue(op string, fn func(ctx context.Context, api AMQPChannel) error) *Deferred {
	d := newDeferred()
	if c.closed {
		c.reactor.Post(func() { d.settle(fmt.Errorf("%s: %w", op, ErrChannelClosed)) })
		return d
	}

	c.pending[d] = struct{}{}
	c.work.submit(func() {
		err := c.call(op, fn)
		c.reactor.Post(func() {
			if c.closed {
				return
			}
			delete(c.pending, d)
			d.settle(err)
		})
	})
	return d
}

// call runs on the worker.
func (c *Channel) call(op string, fn func(ctx context.Context, api AMQPChannel) error) error {
	if c.openErr != nil {
		return fmt.Errorf("%s: channel.open: %w", op, c.openErr)
	}
	if err := fn(c.ctx, c.api); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// invalidate drops every pending outcome and stops the worker. It returns
// the number of outcomes dropped.
func (c *Channel) invalidate() int {
	if c.closed {
		return 0
	}
	c.closed = true
	c.cancel()
	c.work.stop()

	dropped := len(c.pending)
	c.pending = nil
	c.tx = nil
	return dropped
}

// Transaction brackets the publishes issued between StartTransaction and
// Commit or Rollback.
type Transaction struct {
	ch        *Channel
	done      bool // reactor-owned
	publishes int  // reactor-owned
	err       error
}

// Publish queues one message inside the transaction. A failure is not
// returned here; it makes the commit roll back and report it.
func (t *Transaction) Publish(exchange, key string, msg amqp.Publishing) error {
	if t.done {
		return ErrNoTransaction
	}
	c := t.ch
	if c.closed {
		return ErrChannelClosed
	}

	t.publishes++
	c.work.submit(func() {
		if t.err != nil {
			return
		}
		t.err = c.call("basic.publish", func(ctx context.Context, api AMQPChannel) error {
			return api.PublishWithContext(ctx, exchange, key, false, false, msg)
		})
	})
	return nil
}

// Publishes reports how many messages were queued in the transaction.
func (t *Transaction) Publishes() int {
	return t.publishes
}

// Commit ends the transaction. Its outcome reports the broker's verdict,
// or the local failure that forced a rollback instead.
func (t *Transaction) Commit() *Deferred {
	c := t.ch
	return t.finish("tx.commit", func(_ context.Context, api AMQPChannel) error {
		if t.err == nil {
			return api.TxCommit()
		}
		if c.selected {
			if err := api.TxRollback(); err != nil {
				return errors.Join(t.err, fmt.Errorf("tx.rollback: %w", err))
			}
		}
		return t.err
	})
}

// Rollback abandons the transaction.
func (t *Transaction) Rollback() *Deferred {
	c := t.ch
	return t.finish("tx.rollback", func(_ context.Context, api AMQPChannel) error {
		if !c.selected {
			return t.err
		}
		return api.TxRollback()
	})
}

func (t *Transaction) finish(op string, fn func(ctx context.Context, api AMQPChannel) error) *Deferred {
	c := t.ch
	if t.done {
		d := newDeferred()
		c.reactor.Post(func() { d.settle(fmt.Errorf("%s: %w", op, ErrNoTransaction)) })
		return d
	}
	t.done = true
	if c.tx == t {
		c.tx = nil
	}
	return c.issue(op, fn)
}

// worker executes submitted operations one at a time, in order.
type worker struct {
	mu     sync.Mutex
	ops    []func()
	closed bool
	wake   chan struct{}
}

func newWorker() *worker {
	w := &worker{wake: make(chan struct{}, 1)}
	go w.loop()
	return w
}

func (w *worker) submit(op func()) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.ops = append(w.ops, op)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// stop discards queued operations; one already running finishes.
func (w *worker) stop() {
	w.mu.Lock()
	w.closed = true
	w.ops = nil
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) loop() {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		if len(w.ops) == 0 {
			w.mu.Unlock()
			<-w.wake
			continue
		}
		op := w.ops[0]
		w.ops[0] = nil
		w.ops = w.ops[1:]
		w.mu.Unlock()

		op()
	}
}
