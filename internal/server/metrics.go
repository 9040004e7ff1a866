package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	channelsActive  prometheus.Gauge
	membersActive   prometheus.Gauge
	connsOpen       prometheus.Gauge
	messagesHandled *prometheus.CounterVec
	joinsRejected   prometheus.Counter
	rateLimited     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		channelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_channels_active",
			Help: "Number of voice channels with at least one member",
		}),
		membersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_members_active",
			Help: "Number of participants currently in a voice channel",
		}),
		connsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_signal_connections_open",
			Help: "Open signaling websocket connections",
		}),
		messagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_signal_messages_total",
			Help: "Signaling messages handled, by event",
		}, []string{"event"}),
		joinsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_joins_rejected_total",
			Help: "Channel joins rejected (capacity or permission)",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_messages_rate_limited_total",
			Help: "Signaling messages dropped by the per-connection limiter",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connsOpen.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connsOpen.Dec()
	}
}

func (m *Metrics) MessageHandled(event string) {
	if m != nil {
		m.messagesHandled.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) JoinRejected() {
	if m != nil {
		m.joinsRejected.Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) SetRoster(channels, members int) {
	if m != nil {
		m.channelsActive.Set(float64(channels))
		m.membersActive.Set(float64(members))
	}
}
