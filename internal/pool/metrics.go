package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// poolMetrics holds the collectors of one Pool. They are only registered when
// Options.Registerer is set, so several pools can coexist in tests.
type poolMetrics struct {
	connected      prometheus.GaugeFunc
	frames         *prometheus.CounterVec
	events         *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	requests       *prometheus.CounterVec
	dialAttempts   *prometheus.CounterVec
	notices        *prometheus.CounterVec
	throttledDials prometheus.Counter
}

func newPoolMetrics(p *Pool) *poolMetrics {
	return &poolMetrics{
		connected: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "nostr_relay_connections_active",
				Help: "Number of relays currently connected.",
			},
			func() float64 { return float64(p.ConnectedCount()) },
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostr_relay_frames_received_total",
				Help: "Frames received per relay.",
			},
			[]string{"relay"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostr_relay_events_received_total",
				Help: "EVENT messages received per relay, before deduplication.",
			},
			[]string{"relay"},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostr_relay_decode_errors_total",
				Help: "Frames dropped because they could not be decoded.",
			},
			[]string{"relay"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostr_relay_requests_total",
				Help: "Outbound frames by result (sent, skipped, queued).",
			},
			[]string{"relay", "result"},
		),
		dialAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostr_relay_dial_attempts_total",
				Help: "Connection attempts by result.",
			},
			[]string{"relay", "result"},
		),
		notices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nostr_relay_notices_total",
				Help: "NOTICE messages received per relay.",
			},
			[]string{"relay"},
		),
		throttledDials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nostr_relay_dials_throttled_total",
				Help: "Reconnect attempts deferred by the pool-wide dial limiter.",
			},
		),
	}
}

func (m *poolMetrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.connected, m.frames, m.events, m.decodeErrors,
		m.requests, m.dialAttempts, m.notices, m.throttledDials,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
