package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatsSource exposes the engine state sampled by the collector.
type StatsSource interface {
	PendingRequests() int
	ParameterCount() int
}

// Metrics holds all Prometheus metrics
// All Record and Set methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Session metrics
	sessionsTotal   *prometheus.CounterVec
	sessionFailures prometheus.Counter
	sessionDuration prometheus.Histogram

	// RPC metrics
	rpcTotal *prometheus.CounterVec

	// Connection request metrics
	connectionRequests *prometheus.CounterVec

	// Transfer metrics
	transfersTotal *prometheus.CounterVec

	// Auth metrics
	authChallenges *prometheus.CounterVec

	// Device state
	pendingRequests prometheus.Gauge
	parameters      prometheus.Gauge

	logger *zap.Logger
}

// New creates a new Metrics instance
func New(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		logger: logger,

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpesim_sessions_total",
				Help: "Total CWMP sessions started by Inform event code",
			},
			[]string{"event"},
		),

		sessionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cpesim_session_failures_total",
				Help: "Total CWMP sessions ended by a protocol error",
			},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cpesim_session_duration_seconds",
				Help:    "CWMP session duration from Inform to close",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
		),

		rpcTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpesim_rpc_total",
				Help: "Total ACS-initiated RPCs by method and result",
			},
			[]string{"method", "result"},
		),

		connectionRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpesim_connection_requests_total",
				Help: "Total connection requests by outcome (immediate or coalesced)",
			},
			[]string{"outcome"},
		),

		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpesim_transfers_total",
				Help: "Total completed Download transfers by result",
			},
			[]string{"result"},
		),

		authChallenges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpesim_auth_challenges_total",
				Help: "Total ACS authentication challenges by scheme",
			},
			[]string{"scheme"},
		),

		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cpesim_pending_requests",
				Help: "CPE-initiated requests waiting for the next session",
			},
		),

		parameters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cpesim_parameters",
				Help: "Number of parameters in the device data model",
			},
		),
	}

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sessionsTotal,
		m.sessionFailures,
		m.sessionDuration,
		m.rpcTotal,
		m.connectionRequests,
		m.transfersTotal,
		m.authChallenges,
		m.pendingRequests,
		m.parameters,
	}
}

// Register registers all metrics with the default registry.
func (m *Metrics) Register() error {
	return m.RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with reg.
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// RecordSessionStarted counts a session whose Inform reports event.
func (m *Metrics) RecordSessionStarted(event string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(event).Inc()
}

// RecordSessionEnded observes a finished session.
func (m *Metrics) RecordSessionEnded(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.sessionDuration.Observe(duration.Seconds())
	if err != nil {
		m.sessionFailures.Inc()
	}
}

// RecordRPC counts an ACS-initiated RPC. result is "ok", "fault" or "error".
func (m *Metrics) RecordRPC(method, result string) {
	if m == nil {
		return
	}
	m.rpcTotal.WithLabelValues(method, result).Inc()
}

// RecordConnectionRequest counts a connection request. coalesced is true
// when it arrived during a session and was folded into a follow-up.
func (m *Metrics) RecordConnectionRequest(coalesced bool) {
	if m == nil {
		return
	}
	outcome := "immediate"
	if coalesced {
		outcome = "coalesced"
	}
	m.connectionRequests.WithLabelValues(outcome).Inc()
}

// RecordTransfer counts a completed transfer.
func (m *Metrics) RecordTransfer(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.transfersTotal.WithLabelValues(result).Inc()
}

// RecordAuthChallenge counts a 401 challenge from the ACS.
func (m *Metrics) RecordAuthChallenge(scheme string) {
	if m == nil {
		return
	}
	m.authChallenges.WithLabelValues(scheme).Inc()
}

// Handler returns the HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect samples source into gauges.
func (m *Metrics) Collect(source StatsSource) {
	if m == nil || source == nil {
		return
	}
	m.pendingRequests.Set(float64(source.PendingRequests()))
	m.parameters.Set(float64(source.ParameterCount()))
}

// StartCollector starts periodic collection of engine state.
func (m *Metrics) StartCollector(source StatsSource, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.Collect(source)
		for {
			select {
			case <-ticker.C:
				m.Collect(source)
			case <-stopCh:
				m.logger.Debug("Metrics collector stopped")
				return
			}
		}
	}()
}
