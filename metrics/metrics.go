// Package metrics exposes the connection-lifecycle counters described in
// SPEC_FULL.md. Grounded on facebook-time/ptp/sptp/stats/prom_exporter.go's
// shape: an injectable *prometheus.Registry rather than the global default
// one, so a process embedding this library can scrape it alongside its own
// metrics without collisions.
//
// Every recording method is nil-safe: a nil *Metrics simply no-ops, so
// callers that don't care about metrics can pass nil throughout conn/client/
// server without a guard at every call site.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	packetsEncoded    prometheus.Counter
	packetsDecoded    prometheus.Counter
	decodeWarnings    *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	commandErrors     prometheus.Counter
	commandWarnings   prometheus.Counter
	keepalivesSent    *prometheus.CounterVec
}

// New registers the NCP counters on reg and returns a handle to them. Safe
// to call more than once against the same registry only if each call uses
// a distinct registry; registering the same collector twice on one
// registry returns a *prometheus.AlreadyRegisteredError from Register,
// which New surfaces rather than swallows.
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		connectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ncp_connections_opened_total",
			Help: "NCP connections successfully opened, by side.",
		}, []string{"side"}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ncp_connections_closed_total",
			Help: "NCP connections closed, by side and reason.",
		}, []string{"side", "reason"}),
		packetsEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ncp_packets_encoded_total",
			Help: "NCP packets encoded for sending.",
		}),
		packetsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ncp_packets_decoded_total",
			Help: "NCP packets decoded from a peer.",
		}),
		decodeWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ncp_decode_warnings_total",
			Help: "Recoverable decode warnings, by kind.",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ncp_decode_errors_total",
			Help: "Fatal packet decode errors.",
		}),
		commandErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ncp_command_errors_total",
			Help: "ERRO/ERRC fields observed under auto_erro.",
		}),
		commandWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ncp_command_warnings_total",
			Help: "WARN/WARC fields observed under auto_warn.",
		}),
		keepalivesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ncp_keepalives_sent_total",
			Help: "Keep-alive LINK packets sent, by scheduler mode.",
		}, []string{"mode"}),
	}
	for _, c := range []prometheus.Collector{
		m.connectionsOpened, m.connectionsClosed, m.packetsEncoded, m.packetsDecoded,
		m.decodeWarnings, m.decodeErrors, m.commandErrors, m.commandWarnings, m.keepalivesSent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ConnectionOpened(side string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(side).Inc()
}

func (m *Metrics) ConnectionClosed(side, reason string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(side, reason).Inc()
}

func (m *Metrics) PacketEncoded() {
	if m == nil {
		return
	}
	m.packetsEncoded.Inc()
}

func (m *Metrics) PacketDecoded() {
	if m == nil {
		return
	}
	m.packetsDecoded.Inc()
}

func (m *Metrics) DecodeWarning(kind string) {
	if m == nil {
		return
	}
	m.decodeWarnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) CommandError() {
	if m == nil {
		return
	}
	m.commandErrors.Inc()
}

func (m *Metrics) CommandWarning() {
	if m == nil {
		return
	}
	m.commandWarnings.Inc()
}

func (m *Metrics) KeepaliveSent(mode string) {
	if m == nil {
		return
	}
	m.keepalivesSent.WithLabelValues(mode).Inc()
}
