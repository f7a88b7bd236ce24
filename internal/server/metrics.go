package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics covers both the accept path and the liveness prober.
type Metrics struct {
	connectionsTotal prometheus.Counter
	activeHandlers   prometheus.Gauge
	frameErrors      *prometheus.CounterVec
	messagesIn       prometheus.Counter
	messagesOut      prometheus.Counter
	sendFailures     prometheus.Counter
	pingsReceived    prometheus.Counter
	pongsReceived    prometheus.Counter
	probes           *prometheus.CounterVec
	knownPeers       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_connections_total",
			Help: "Inbound TCP connections accepted since start.",
		}),
		activeHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_handlers_active",
			Help: "Connection handlers currently running.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_frame_errors_total",
			Help: "Inbound envelopes dropped, grouped by reason.",
		}, []string{"reason"}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_messages_received_total",
			Help: "Chat messages accepted and recorded.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_messages_sent_total",
			Help: "Chat messages sent successfully.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_send_failures_total",
			Help: "Outbound chat messages that failed to deliver.",
		}),
		pingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_pings_received_total",
			Help: "Liveness pings answered.",
		}),
		pongsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_pongs_received_total",
			Help: "Pongs received on the accept path (unsolicited included).",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_probes_total",
			Help: "Outbound liveness probes, grouped by result.",
		}, []string{"result"}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_known_peers",
			Help: "Current number of peers in the registry.",
		}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.activeHandlers,
		m.frameErrors,
		m.messagesIn,
		m.messagesOut,
		m.sendFailures,
		m.pingsReceived,
		m.pongsReceived,
		m.probes,
		m.knownPeers,
	)
	return m
}

func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.activeHandlers.Inc()
}

func (m *Metrics) RecordHandlerDone() {
	if m == nil {
		return
	}
	m.activeHandlers.Dec()
}

func (m *Metrics) RecordFrameError(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageIn() {
	if m == nil {
		return
	}
	m.messagesIn.Inc()
}

func (m *Metrics) RecordSend(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.messagesOut.Inc()
	} else {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) RecordPingReceived() {
	if m == nil {
		return
	}
	m.pingsReceived.Inc()
}

func (m *Metrics) RecordPongReceived() {
	if m == nil {
		return
	}
	m.pongsReceived.Inc()
}

func (m *Metrics) RecordProbe(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.probes.WithLabelValues("ok").Inc()
	} else {
		m.probes.WithLabelValues("fail").Inc()
	}
}

func (m *Metrics) SetKnownPeers(n int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(n))
}
