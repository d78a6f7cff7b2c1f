package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel the publisher drives.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Tx() error
	TxCommit() error
	TxRollback() error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Conn is an established broker connection.
type Conn interface {
	Channel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer establishes a Conn. onConnected is invoked from the dialing
// goroutine once the TCP socket is up, before protocol negotiation ends.
type Dialer interface {
	Dial(ctx context.Context, url string, onConnected func()) (Conn, error)
}

// AMQPDialer dials a RabbitMQ broker with amqp091-go.
type AMQPDialer struct {
	Timeout   time.Duration
	Heartbeat time.Duration
	// Attempts bounds the initial dial; values below 1 mean a single try.
	Attempts int
	Logger   *slog.Logger
}

// Dial establishes a connection, retrying the initial dial with backoff.
func (d AMQPDialer) Dial(ctx context.Context, url string, onConnected func()) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := max(d.Attempts, 1)
	backoff := 200 * time.Millisecond

	cfg := amqp.Config{
		Heartbeat: d.Heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := amqp.DefaultDial(d.Timeout)(network, addr)
			if err == nil {
				onConnected()
			}
			return conn, err
		},
	}

	var err error
	for i := range attempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var conn *amqp.Connection
		conn, err = amqp.DialConfig(url, cfg)
		if err == nil {
			return amqpConn{conn}, nil
		}

		logger.Warn("dialer: failed to dial RabbitMQ", "error", err, "attempt", i+1)
		if i == attempts-1 {
			break
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to dial RabbitMQ after %d attempts: %w", attempts, err)
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConn) Close() error {
	err := c.Connection.Close()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
