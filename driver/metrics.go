package driver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the driver's Prometheus collectors.
type Metrics struct {
	// Datagrams
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	DatagramsDropped  prometheus.Counter
	DelayedSends      prometheus.Counter

	// Sessions
	LiveSessions  prometheus.Gauge
	SessionsTotal prometheus.Counter
	TimeoutsFired prometheus.Counter

	// Messages
	MessagesIn      prometheus.Counter
	MessagesOut     prometheus.Counter
	MessagesDropped *prometheus.CounterVec

	// Loop iterations by the category they serviced
	LoopEvents *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests and embedded nodes use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_datagrams_sent_total",
			Help: "Datagrams written to the socket",
		}),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_datagrams_received_total",
			Help: "Datagrams read from the socket",
		}),
		DatagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_datagrams_dropped_total",
			Help: "Inbound datagrams that matched no connection",
		}),
		DelayedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_delayed_sends_total",
			Help: "Datagrams sent from the delayed-send scheduler",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kagu_live_sessions",
			Help: "Sessions currently in the arena",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_sessions_total",
			Help: "Sessions created, inbound and outbound",
		}),
		TimeoutsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_session_timeouts_total",
			Help: "Session timers fired",
		}),
		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_messages_received_total",
			Help: "Application messages decoded from sessions",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kagu_messages_sent_total",
			Help: "Application messages queued on sessions",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kagu_messages_dropped_total",
			Help: "Application messages dropped by reason",
		}, []string{"reason"}),
		LoopEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kagu_loop_events_total",
			Help: "Event loop iterations by serviced category",
		}, []string{"event"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.DatagramsSent,
			m.DatagramsReceived,
			m.DatagramsDropped,
			m.DelayedSends,
			m.LiveSessions,
			m.SessionsTotal,
			m.TimeoutsFired,
			m.MessagesIn,
			m.MessagesOut,
			m.MessagesDropped,
			m.LoopEvents,
		)
	}
	return m
}

// RecordDrop counts a dropped message.
func (m *Metrics) RecordDrop(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordEvent(kind eventKind) {
	m.LoopEvents.WithLabelValues(kind.String()).Inc()
}
