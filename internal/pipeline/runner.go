package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mtl-publisher/internal/errs"
	"mtl-publisher/internal/metrics"
	"mtl-publisher/internal/mq"
	"mtl-publisher/internal/reactor"
	"mtl-publisher/internal/records"
	"mtl-publisher/internal/tracing"
)

// ErrOutcomeUnknown marks a transaction whose commit outcome never arrived.
var ErrOutcomeUnknown = errors.New("commit outcome unknown")

// Termination decides when a run closes its connection.
type Termination int

const (
	// Drain closes once every started transaction has an outcome, or when
	// the drain timeout elapses with no outcome arriving.
	Drain Termination = iota
	// Linger keeps the connection open until Shutdown.
	Linger
)

func (t Termination) String() string {
	switch t {
	case Drain:
		return "drain"
	case Linger:
		return "linger"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "drain" or "linger".
func (t *Termination) UnmarshalText(text []byte) error {
	switch string(text) {
	case "drain", "":
		*t = Drain
	case "linger":
		*t = Linger
	default:
		return fmt.Errorf("%w: unknown termination policy %q", errs.ErrUsage, text)
	}
	return nil
}

// Config wires a Runner.
type Config struct {
	URL          string
	Dialer       mq.Dialer
	RoutingKey   string
	Records      *records.Sequence
	Topology     Topology
	TopologyGate bool
	Publish      PublishOptions
	Termination  Termination
	DrainTimeout time.Duration
	Metrics      metrics.Collector
	Tracer       *tracing.Tracer
	Logger       *slog.Logger
}

// Stats counts transactions over a run.
type Stats struct {
	Records int
	Started int
	Acked   int
	Failed  int
}

// Unknown is the number of started transactions with no outcome.
func (s Stats) Unknown() int {
	return s.Started - s.Acked - s.Failed
}

// Runner drives one run: connect, provision, publish each record, then
// terminate according to its policy. It is the connection's handler and
// the publisher's observer; every method runs on the reactor.
type Runner struct {
	cfg         Config
	reactor     *reactor.Reactor
	conn        *mq.Connection
	provisioner *Provisioner
	publisher   *Publisher
	logger      *slog.Logger

	stats       Stats
	err         error
	provisioned bool
	issued      bool
	closing     bool
	drainTimer  *reactor.Timer
	inflight    map[int]pendingTx
}

type pendingTx struct {
	span    trace.Span
	started time.Time
}

func NewRunner(r *reactor.Reactor, cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _, _ = tracing.NewTracer(tracing.Config{})
	}
	run := &Runner{
		cfg:      cfg,
		reactor:  r,
		logger:   cfg.Logger,
		inflight: make(map[int]pendingTx),
	}
	run.stats.Records = cfg.Records.Len()
	run.conn = mq.NewConnection(r, cfg.Dialer, cfg.URL, run, cfg.Logger)
	run.provisioner = NewProvisioner(cfg.Metrics, cfg.Logger)
	run.publisher = NewPublisher(cfg.Topology.Exchange, cfg.Publish, run, cfg.Logger)
	return run
}

// Start opens the connection. Call it before running the reactor, or on it.
func (run *Runner) Start() {
	run.setState(mq.Connecting)
	run.logger.Info("connection: connecting", "records", run.stats.Records, "routing_key", run.cfg.RoutingKey)
	run.conn.Open()
}

// Shutdown closes the connection gracefully. Transactions still in flight
// end with an unknown outcome.
func (run *Runner) Shutdown() {
	run.logger.Info("runner: shutdown requested", "unknown", run.stats.Unknown())
	run.close()
}

// Stats returns the transaction counts so far.
func (run *Runner) Stats() Stats {
	return run.stats
}

// Err returns the error that ended the run early, if any.
func (run *Runner) Err() error {
	return run.err
}

// OnConnected implements mq.Handler.
func (run *Runner) OnConnected(*mq.Connection) {
	run.setState(mq.Connected)
	run.logger.Info("connection: connected")
}

// OnReady implements mq.Handler.
func (run *Runner) OnReady(c *mq.Connection) {
	run.setState(mq.Ready)
	metrics.SetReady(true)
	run.logger.Info("connection: ready")

	ch, err := c.OpenChannel()
	if err != nil {
		run.err = fmt.Errorf("%w: %w", errs.ErrTransport, err)
		run.close()
		return
	}
	run.armDrain()

	if !run.cfg.TopologyGate {
		run.provisioner.Provision(ch, run.cfg.Topology, run.topologyDone)
		run.publisher.PublishAll(ch, run.cfg.RoutingKey, run.cfg.Records)
		return
	}

	run.provisioner.Provision(ch, run.cfg.Topology, func(err error) {
		run.topologyDone(err)
		if err != nil {
			run.err = err
			run.logger.Error("runner: topology failed, not publishing", "error", err)
			run.close()
			return
		}
		run.publisher.PublishAll(ch, run.cfg.RoutingKey, run.cfg.Records)
	})
}

// OnError implements mq.Handler.
func (run *Runner) OnError(_ *mq.Connection, err error) {
	run.setState(mq.Errored)
	metrics.SetReady(false)
	run.cfg.Metrics.IncError(errs.Kind(err))
	if run.err == nil {
		run.err = err
	}
	run.logger.Error("connection: error", "error", err)
}

// OnClosed implements mq.Handler.
func (run *Runner) OnClosed(*mq.Connection) {
	run.setState(mq.Closed)
	metrics.SetReady(false)
	run.logger.Info("connection: closed")
}

// OnDetached implements mq.Handler.
func (run *Runner) OnDetached(*mq.Connection) {
	run.setState(mq.Detached)
	run.drainTimer.Stop()

	if unknown := len(run.inflight); unknown > 0 {
		run.cfg.Metrics.IncTransactions(run.cfg.RoutingKey, metrics.ResultUnknown, unknown)
		for _, f := range run.inflight {
			tracing.End(f.span, ErrOutcomeUnknown)
		}
		clear(run.inflight)
	}
	run.logger.Info("connection: detached",
		"records", run.stats.Records,
		"started", run.stats.Started,
		"acked", run.stats.Acked,
		"failed", run.stats.Failed,
		"unknown", run.stats.Unknown(),
	)
}

// TransactionStarted implements Observer.
func (run *Runner) TransactionStarted(seq int) {
	run.stats.Started++
	run.cfg.Metrics.IncTransactions(run.cfg.RoutingKey, metrics.ResultStarted, 1)
	run.inflight[seq] = pendingTx{
		span:    run.cfg.Tracer.StartTransaction(run.cfg.Topology.Exchange, run.cfg.RoutingKey, seq),
		started: time.Now(),
	}
}

// TransactionAcked implements Observer.
func (run *Runner) TransactionAcked(seq int) {
	run.stats.Acked++
	run.cfg.Metrics.IncTransactions(run.cfg.RoutingKey, metrics.ResultAcked, 1)
	if f, ok := run.settle(seq); ok {
		run.cfg.Metrics.ObserveCommit(run.cfg.RoutingKey, time.Since(f.started))
		tracing.End(f.span, nil)
	}
	run.logger.Info("publisher: transaction acknowledged", "seq", seq, "routing_key", run.cfg.RoutingKey)
	run.armDrain()
	run.maybeFinish()
}

// TransactionFailed implements Observer.
func (run *Runner) TransactionFailed(seq int, err error) {
	run.stats.Failed++
	run.cfg.Metrics.IncTransactions(run.cfg.RoutingKey, metrics.ResultFailed, 1)
	run.cfg.Metrics.IncError(errs.Kind(err))
	if f, ok := run.settle(seq); ok {
		tracing.End(f.span, err)
	}
	run.logger.Error("publisher: transaction failed", "seq", seq, "routing_key", run.cfg.RoutingKey, "error", err)
	run.armDrain()
	run.maybeFinish()
}

// IssuanceComplete implements Observer.
func (run *Runner) IssuanceComplete(total int) {
	run.issued = true
	run.logger.Info("publisher: all transactions issued", "total", total)
	run.maybeFinish()
}

func (run *Runner) settle(seq int) (pendingTx, bool) {
	f, ok := run.inflight[seq]
	delete(run.inflight, seq)
	return f, ok
}

func (run *Runner) topologyDone(err error) {
	run.provisioned = true
	if err == nil {
		run.logger.Info("topology: provisioned", "exchange", run.cfg.Topology.Exchange, "queue", run.cfg.Topology.Queue)
	}
	run.armDrain()
	run.maybeFinish()
}

func (run *Runner) maybeFinish() {
	if run.cfg.Termination != Drain || !run.issued || !run.provisioned {
		return
	}
	if run.stats.Unknown() > 0 {
		return
	}
	run.logger.Info("runner: all outcomes received", "acked", run.stats.Acked, "failed", run.stats.Failed)
	run.close()
}

// armDrain restarts the drain deadline. In Drain mode the run closes once
// DrainTimeout passes without a topology or commit outcome, whether it is
// waiting on topology, on a gated commit or on the final outcomes.
func (run *Runner) armDrain() {
	if run.cfg.Termination != Drain || run.closing {
		return
	}
	run.drainTimer.Stop()
	run.drainTimer = run.reactor.AfterFunc(run.cfg.DrainTimeout, run.drainExpired)
}

func (run *Runner) drainExpired() {
	run.logger.Warn("runner: drain timeout elapsed", "timeout", run.cfg.DrainTimeout,
		"issued", run.issued, "provisioned", run.provisioned, "unknown", run.stats.Unknown())
	run.close()
}

func (run *Runner) close() {
	if run.closing {
		return
	}
	run.closing = true
	run.drainTimer.Stop()
	if s := run.conn.State(); s == mq.Connecting || s == mq.Connected || s == mq.Ready {
		run.setState(mq.Closing)
	}
	run.conn.Close()
}

func (run *Runner) setState(s mq.State) {
	run.cfg.Metrics.SetConnectionState(s.String())
}
