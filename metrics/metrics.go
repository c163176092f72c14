// Package metrics implements the optional Prometheus exposition
// (C15): connected sessions, commands sent, tagged reply counts by
// kind, protocol error counts by spec.md §7 kind (K1-K4), reconnects,
// and checkpoint results. Every method is safe to call on a nil
// *Metrics, so the rest of the codebase never needs a feature flag or
// a nil check of its own to skip instrumentation when `[metrics]`
// isn't configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrorKind is spec.md §7's error taxonomy.
type ErrorKind string

const (
	KindInputProtocol  ErrorKind = "K1" // malformed args, unexpected BYE, BAD reply, etc.
	KindState          ErrorKind = "K2" // invariant violation with no server input to blame
	KindFatalTransport ErrorKind = "K3" // read/write/connect failure
	KindParser         ErrorKind = "K4" // parser-detected fatal vs recoverable
)

// CheckpointOutcome mirrors checkpoint.SessionDigest.Outcome without
// this package importing checkpoint, keeping metrics a leaf dependency
// every other package can import freely.
type CheckpointOutcome string

const (
	CheckpointOK       CheckpointOutcome = "ok"
	CheckpointNegative CheckpointOutcome = "negative"
)

// Metrics owns every counter/gauge this simulator exposes. A nil
// *Metrics is the no-op sink: every method below handles it, so
// callers write `m.CommandSent(...)` unconditionally instead of
// `if m != nil { m.CommandSent(...) }` at every call site.
type Metrics struct {
	registry *prometheus.Registry

	connectedSessions prometheus.Gauge
	commandsSent      *prometheus.CounterVec
	taggedReplies     *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	reconnects        prometheus.Counter
	checkpointResults *prometheus.CounterVec
	checkpointSeq     prometheus.Gauge
}

// New builds a Metrics registered against a fresh prometheus.Registry,
// so a test (or a second simulator instance in the same process) never
// collides with prometheus's global DefaultRegisterer.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imaptest",
			Name:      "connected_sessions",
			Help:      "Number of sessions currently connected.",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imaptest",
			Name:      "commands_sent_total",
			Help:      "Commands sent, by command name.",
		}, []string{"command"}),
		taggedReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imaptest",
			Name:      "tagged_replies_total",
			Help:      "Tagged replies received, by kind (OK/NO/BAD).",
		}, []string{"kind"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imaptest",
			Name:      "protocol_errors_total",
			Help:      "Errors observed, by spec error kind (K1-K4).",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imaptest",
			Name:      "reconnects_total",
			Help:      "Times the pool has reconnected a freed slot.",
		}),
		checkpointResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imaptest",
			Name:      "checkpoint_session_results_total",
			Help:      "Checkpoint session outcomes, by outcome (ok/negative).",
		}, []string{"outcome"}),
		checkpointSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imaptest",
			Name:      "checkpoint_seq",
			Help:      "Sequence number of the most recently completed checkpoint.",
		}),
	}

	reg.MustRegister(
		m.connectedSessions,
		m.commandsSent,
		m.taggedReplies,
		m.protocolErrors,
		m.reconnects,
		m.checkpointResults,
		m.checkpointSeq,
	)
	return m
}

// Handler returns the http.Handler New's registry should be exposed
// under, typically mounted at `[metrics].listen_addr`'s "/metrics".
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionConnected() {
	if m == nil {
		return
	}
	m.connectedSessions.Inc()
}

func (m *Metrics) SessionDisconnected() {
	if m == nil {
		return
	}
	m.connectedSessions.Dec()
}

func (m *Metrics) CommandSent(name string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(name).Inc()
}

func (m *Metrics) TaggedReply(kind string) {
	if m == nil {
		return
	}
	m.taggedReplies.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProtocolError(kind ErrorKind) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// CheckpointCompleted records every session's outcome from one
// checkpoint.Result and the run's sequence number.
func (m *Metrics) CheckpointCompleted(seq int64, outcomes []CheckpointOutcome) {
	if m == nil {
		return
	}
	m.checkpointSeq.Set(float64(seq))
	for _, o := range outcomes {
		m.checkpointResults.WithLabelValues(string(o)).Inc()
	}
}
