package monitoring

import (
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaycast"

// PortUsage is the view of the RTP port pool exported as gauges.
type PortUsage interface {
	InUse() int
	Capacity() int
}

type PrometheusCollector struct {
	registerer prometheus.Registerer

	peersConnected   prometheus.Gauge
	producersActive  *prometheus.GaugeVec
	consumersActive  prometheus.Gauge
	hlsStreamsActive prometheus.Gauge

	hlsStartFailures *prometheus.CounterVec
	segmenterExits   *prometheus.CounterVec

	signalMessages        *prometheus.CounterVec
	signalMessageDuration *prometheus.HistogramVec
	signalConnections     prometheus.Gauge

	httpRequests *prometheus.CounterVec
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every relaycast metric on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registerer: reg,

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of connected signaling peers",
		}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producers_active",
			Help:      "Number of open producers by media kind",
		}, []string{"kind"}),

		consumersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_active",
			Help:      "Number of open consumers",
		}),

		hlsStreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hls_streams_active",
			Help:      "Number of running HLS streams",
		}),

		hlsStartFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hls_start_failures_total",
			Help:      "HLS stream start failures by reason",
		}, []string{"reason"}),

		segmenterExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segmenter_exits_total",
			Help:      "Segmenter process exits by outcome",
		}, []string{"outcome"}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_messages_total",
			Help:      "Signaling requests by event and status",
		}, []string{"event", "status"}),

		signalMessageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_message_duration_seconds",
			Help:      "Signaling request handling duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"event"}),

		signalConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_connections",
			Help:      "Open signaling websocket connections",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
	}
}

// RegisterPortPool exports pool usage as gauges evaluated on scrape.
func (p *PrometheusCollector) RegisterPortPool(pool PortUsage) {
	factory := promauto.With(p.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hls_ports_in_use",
		Help:      "RTP port pairs currently allocated to HLS streams",
	}, func() float64 { return float64(pool.InUse()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hls_ports_capacity",
		Help:      "RTP port pairs available to HLS streams",
	}, func() float64 { return float64(pool.Capacity()) })
}

func (p *PrometheusCollector) PeerConnected()    { p.peersConnected.Inc() }
func (p *PrometheusCollector) PeerDisconnected() { p.peersConnected.Dec() }

func (p *PrometheusCollector) ProducerCreated(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerClosed(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) ConsumerCreated() { p.consumersActive.Inc() }
func (p *PrometheusCollector) ConsumerClosed()  { p.consumersActive.Dec() }

func (p *PrometheusCollector) HlsStreamStarted() { p.hlsStreamsActive.Inc() }
func (p *PrometheusCollector) HlsStreamStopped() { p.hlsStreamsActive.Dec() }

func (p *PrometheusCollector) HlsStartFailed(reason string) {
	p.hlsStartFailures.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SegmenterExited(outcome string) {
	p.segmenterExits.WithLabelValues(outcome).Inc()
}

// RecordSignalMessage counts one handled signaling request.
func (p *PrometheusCollector) RecordSignalMessage(event, status string, duration time.Duration) {
	p.signalMessages.WithLabelValues(event, status).Inc()
	p.signalMessageDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func (p *PrometheusCollector) SignalConnectionOpened() { p.signalConnections.Inc() }
func (p *PrometheusCollector) SignalConnectionClosed() { p.signalConnections.Dec() }

func (p *PrometheusCollector) RecordHTTPRequest(method, route, code string) {
	p.httpRequests.WithLabelValues(method, route, code).Inc()
}
