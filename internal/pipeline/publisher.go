package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mtl-publisher/internal/errs"
	"mtl-publisher/internal/mq"
	"mtl-publisher/internal/records"
)

// CommitPolicy decides when the next transaction may start.
type CommitPolicy int

const (
	// Pipelined starts the next transaction as soon as the previous commit
	// has been issued.
	Pipelined CommitPolicy = iota
	// Gated waits for the previous commit's outcome.
	Gated
)

func (p CommitPolicy) String() string {
	switch p {
	case Pipelined:
		return "pipelined"
	case Gated:
		return "gated"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "pipelined" or "gated".
func (p *CommitPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pipelined", "":
		*p = Pipelined
	case "gated":
		*p = Gated
	default:
		return fmt.Errorf("%w: unknown commit policy %q", errs.ErrUsage, text)
	}
	return nil
}

// Observer receives the outcome of every transaction, on the reactor.
type Observer interface {
	TransactionStarted(seq int)
	TransactionAcked(seq int)
	TransactionFailed(seq int, err error)
	IssuanceComplete(total int)
}

// PublishOptions controls the properties of each published message.
type PublishOptions struct {
	Policy      CommitPolicy
	ContentType string
	Persistent  bool
}

// Publisher publishes each record in its own transaction.
type Publisher struct {
	exchange string
	opts     PublishOptions
	observer Observer
	logger   *slog.Logger
}

func NewPublisher(exchange string, opts PublishOptions, observer Observer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/json"
	}
	return &Publisher{exchange: exchange, opts: opts, observer: observer, logger: logger}
}

// PublishAll drains seq, one transaction per record in input order, every
// one under key. Outcomes are reported to the observer.
func (p *Publisher) PublishAll(ch *mq.Channel, key string, seq *records.Sequence) {
	p.logger.Info("publisher: publishing records",
		"records", seq.Remaining(), "exchange", p.exchange, "routing_key", key, "policy", p.opts.Policy)

	if p.opts.Policy == Gated {
		p.gated(ch, key, seq, 0)
		return
	}

	n := 0
	for body, ok := seq.Next(); ok; body, ok = seq.Next() {
		p.publishOne(ch, key, n, body)
		n++
	}
	p.observer.IssuanceComplete(n)
}

func (p *Publisher) gated(ch *mq.Channel, key string, seq *records.Sequence, n int) {
	for {
		body, ok := seq.Next()
		if !ok {
			p.observer.IssuanceComplete(n)
			return
		}
		d := p.publishOne(ch, key, n, body)
		n++
		if d != nil {
			next := n
			d.OnFinalize(func() { p.gated(ch, key, seq, next) })
			return
		}
	}
}

// publishOne returns the commit outcome, or nil when the transaction
// failed locally and the observer has already been told.
func (p *Publisher) publishOne(ch *mq.Channel, key string, seq int, body string) *mq.Deferred {
	p.observer.TransactionStarted(seq)

	tx, err := ch.StartTransaction()
	if err != nil {
		p.observer.TransactionFailed(seq, fmt.Errorf("%w: start transaction: %w", errs.ErrPublish, err))
		return nil
	}
	if err := tx.Publish(p.exchange, key, p.message(body)); err != nil {
		tx.Rollback()
		p.observer.TransactionFailed(seq, fmt.Errorf("%w: %w", errs.ErrPublish, err))
		return nil
	}

	return tx.Commit().
		OnSuccess(func() { p.observer.TransactionAcked(seq) }).
		OnError(func(err error) {
			p.observer.TransactionFailed(seq, fmt.Errorf("%w: %w", errs.ErrPublish, err))
		})
}

func (p *Publisher) message(body string) amqp.Publishing {
	mode := amqp.Transient
	if p.opts.Persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:  p.opts.ContentType,
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Body:         []byte(body),
	}
}
