package pipeline

import (
	"fmt"
	"log/slog"

	"mtl-publisher/internal/errs"
	"mtl-publisher/internal/metrics"
	"mtl-publisher/internal/mq"
)

// Topology names the exchange, queue and binding a run declares.
type Topology struct {
	Exchange string
	Kind     string
	Queue    string
	Pattern  string
	Durable  bool
}

// Provisioner declares the run's topology on a channel.
type Provisioner struct {
	metrics metrics.Collector
	logger  *slog.Logger
}

func NewProvisioner(m metrics.Collector, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{metrics: m, logger: logger}
}

// Provision issues exchange, queue and bind in that order without waiting
// on any of them. done is called with the first failure, or nil, once all
// three outcomes have arrived; it is never called if the channel closes
// first.
func (p *Provisioner) Provision(ch *mq.Channel, t Topology, done func(error)) {
	var (
		first   error
		settled int
	)
	track := func(op string, d *mq.Deferred, attrs ...any) {
		d.OnSuccess(func() {
			p.metrics.IncTopology(op, "ok")
			p.logger.Info("topology: "+op+" ok", attrs...)
		}).OnError(func(err error) {
			err = fmt.Errorf("%w: %w", errs.ErrTopology, err)
			p.metrics.IncTopology(op, "error")
			p.metrics.IncError(errs.Kind(err))
			p.logger.Error("topology: "+op+" failed", append(attrs, "error", err)...)
			if first == nil {
				first = err
			}
		}).OnFinalize(func() {
			settled++
			if settled == 3 && done != nil {
				done(first)
			}
		})
	}

	track("exchange.declare", ch.DeclareExchange(t.Exchange, t.Kind, t.Durable), "exchange", t.Exchange, "kind", t.Kind)
	track("queue.declare", ch.DeclareQueue(t.Queue, t.Durable), "queue", t.Queue)
	track("queue.bind", ch.BindQueue(t.Exchange, t.Queue, t.Pattern), "exchange", t.Exchange, "queue", t.Queue, "pattern", t.Pattern)
}
