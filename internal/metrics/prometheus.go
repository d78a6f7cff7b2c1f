package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transaction results.
const (
	ResultStarted = "started"
	ResultAcked   = "acked"
	ResultFailed  = "failed"
	ResultUnknown = "unknown"
)

// Collector defines the interface for all metric recording functions.
// The pipeline depends on this abstraction, not on Prometheus.
type Collector interface {
	IncTransactions(routingKey, result string, n int)
	ObserveCommit(routingKey string, d time.Duration)
	IncTopology(operation, result string)
	IncError(kind string)
	SetConnectionState(state string)
}

// Client implements Collector using Prometheus metrics.
type Client struct {
	registry *prometheus.Registry

	txCounter    *prometheus.CounterVec
	commitHist   *prometheus.HistogramVec
	topoCounter  *prometheus.CounterVec
	errCounter   *prometheus.CounterVec
	connState    *prometheus.GaugeVec
	currentState string
}

var connectionStates = []string{"idle", "connecting", "connected", "ready", "closing", "closed", "errored", "detached"}

// NewClient registers the publisher metrics on a fresh registry.
func NewClient() *Client {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	c := &Client{
		registry: registry,
		txCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_transactions_total",
				Help: "Publish transactions by routing key and result",
			},
			[]string{"routing_key", "result"}, // result: started|acked|failed|unknown
		),
		commitHist: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "publisher_commit_seconds",
				Help:    "Time from transaction start to commit outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"routing_key"},
		),
		topoCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_topology_operations_total",
				Help: "Exchange, queue and binding declarations by result",
			},
			[]string{"operation", "result"},
		),
		errCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_errors_total",
				Help: "Errors by kind",
			},
			[]string{"kind"},
		),
		connState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "publisher_connection_state",
				Help: "1 for the current broker connection state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
	for _, s := range connectionStates {
		c.connState.WithLabelValues(s).Set(0)
	}
	return c
}

func (c *Client) IncTransactions(routingKey, result string, n int) {
	if n <= 0 {
		return
	}
	c.txCounter.WithLabelValues(routingKey, result).Add(float64(n))
}

func (c *Client) ObserveCommit(routingKey string, d time.Duration) {
	c.commitHist.WithLabelValues(routingKey).Observe(d.Seconds())
}

func (c *Client) IncTopology(operation, result string) {
	c.topoCounter.WithLabelValues(operation, result).Inc()
}

func (c *Client) IncError(kind string) {
	c.errCounter.WithLabelValues(kind).Inc()
}

// SetConnectionState is called from the reactor only.
func (c *Client) SetConnectionState(state string) {
	if c.currentState != "" {
		c.connState.WithLabelValues(c.currentState).Set(0)
	}
	c.connState.WithLabelValues(state).Set(1)
	c.currentState = state
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

type ServerConfig struct {
	Addr          string
	MetricsPath   string
	LivenessPath  string
	ReadinessPath string
}

type Server struct {
	srv *http.Server
}

func NewServer(cfg ServerConfig, client *Client) *Server {
	mux := http.NewServeMux()
	// prometheus endpoint
	mux.Handle(cfg.MetricsPath, client.Handler())
	// health
	mux.HandleFunc(cfg.LivenessPath, LivenessHandler)
	mux.HandleFunc(cfg.ReadinessPath, ReadinessHandler)

	return &Server{srv: &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server starting", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			slog.Error("metrics server error", "err", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutCtx)
}

// Nop is a Collector that records nothing.
type Nop struct{}

func (Nop) IncTransactions(string, string, int) {}
func (Nop) ObserveCommit(string, time.Duration) {}
func (Nop) IncTopology(string, string) {}
func (Nop) IncError(string) {}
func (Nop) SetConnectionState(string) {}
