package feed

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by Registry, ChannelManager
// and Poller. All methods are safe on a nil receiver.
type Metrics struct {
	deliveries        *prometheus.CounterVec
	handlerFailures   *prometheus.CounterVec
	fetches           *prometheus.CounterVec
	fetchErrors       *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	channelsOpen      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datafeed",
			Name:      "deliveries_total",
			Help:      "Handler invocations per topic",
		}, []string{"topic"}),

		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datafeed",
			Name:      "handler_failures_total",
			Help:      "Subscriber handlers that returned an error or panicked",
		}, []string{"topic"}),

		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datafeed",
			Subsystem: "registry",
			Name:      "fetches_total",
			Help:      "Dataset fetches started",
		}, []string{"topic"}),

		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datafeed",
			Subsystem: "registry",
			Name:      "fetch_errors_total",
			Help:      "Dataset fetches that failed",
		}, []string{"topic"}),

		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datafeed",
			Subsystem: "channel",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames the transform rejected",
		}, []string{"topic"}),

		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datafeed",
			Subsystem: "channel",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts",
		}, []string{"topic"}),

		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datafeed",
			Subsystem: "channel",
			Name:      "open",
			Help:      "Channels currently open",
		}),
	}

	collectors := []prometheus.Collector{
		m.deliveries,
		m.handlerFailures,
		m.fetches,
		m.fetchErrors,
		m.framesDropped,
		m.reconnectAttempts,
		m.channelsOpen,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
	}

	return m, nil
}

func (m *Metrics) delivered(topic Topic) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(topic)).Inc()
}

func (m *Metrics) handlerFailed(topic Topic) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(string(topic)).Inc()
}

func (m *Metrics) fetchStarted(topic Topic) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(topic)).Inc()
}

func (m *Metrics) fetchFailed(topic Topic) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(string(topic)).Inc()
}

func (m *Metrics) frameDropped(topic Topic) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(string(topic)).Inc()
}

func (m *Metrics) reconnectScheduled(topic Topic) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(string(topic)).Inc()
}

func (m *Metrics) channelOpened() {
	if m == nil {
		return
	}
	m.channelsOpen.Inc()
}

func (m *Metrics) channelClosed() {
	if m == nil {
		return
	}
	m.channelsOpen.Dec()
}
