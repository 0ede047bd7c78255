package relay

import "github.com/prometheus/client_golang/prometheus"

type relayMetrics struct {
	registry            *prometheus.Registry
	sessionsActive      prometheus.Gauge
	socketsConnected    prometheus.Gauge
	socketsReplaced     prometheus.Counter
	framesForwarded     prometheus.Counter
	framesQueued        prometheus.Gauge
	synthesizedFailures prometheus.Counter
}

func newRelayMetrics() *relayMetrics {
	m := &relayMetrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwp_sessions_active",
			Help: "Number of sessions currently held by the relay",
		}),
		socketsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwp_sockets_connected",
			Help: "Number of live role sockets",
		}),
		socketsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rwp_sockets_replaced_total",
			Help: "Number of sockets displaced by a newer hello for the same session and role",
		}),
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rwp_frames_forwarded_total",
			Help: "Number of frames delivered to a live socket or stream",
		}),
		framesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwp_frames_queued",
			Help: "Number of frames waiting for a role to reconnect",
		}),
		synthesizedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rwp_synthesized_failures_total",
			Help: "Number of terminal frames synthesized on behalf of a disconnected role",
		}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.socketsConnected,
		m.socketsReplaced,
		m.framesForwarded,
		m.framesQueued,
		m.synthesizedFailures,
	)

	return m
}
