// Package metrics exports sender counters to Prometheus. A nil *Collector
// accepts every call and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audio_sender"

// Stream labels.
const (
	StreamAudio = "audio"
	StreamProbe = "probe"
)

// Collector holds the sender's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	packetsSent   *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	sendErrors    *prometheus.CounterVec
	framesDropped prometheus.Counter
	framesGated   prometheus.Counter
	queueDepth    prometheus.Gauge

	probeFeedback prometheus.Counter
	jitter        prometheus.Gauge
	averageJitter prometheus.Gauge

	requests        *prometheus.CounterVec
	stateTransition *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
}

// New registers the collectors on a private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets handed to the data channel.",
		}, []string{"stream"}),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_sent_total",
			Help:      "Payload bytes handed to the data channel.",
		}, []string{"stream"}),
		sendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Packets the transport failed to send.",
		}, []string{"stream"}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames evicted from a full send queue.",
		}),
		framesGated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_gated_total",
			Help:      "Frames skipped because the stream was still loading.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_queue_depth",
			Help:      "Frames waiting in the send queue.",
		}),
		probeFeedback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "feedback_total",
			Help:      "Probe feedback reports received.",
		}),
		jitter: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "jitter_microseconds",
			Help:      "Current smoothed jitter estimate.",
		}),
		averageJitter: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "average_jitter_microseconds",
			Help:      "Mean of the jitter estimate over all feedback reports.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "responses_total",
			Help:      "Control channel responses by function and status code.",
		}, []string{"function", "code"}),
		stateTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
	}
}

// Registry returns the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// MustRegister adds extra collectors, such as GaugeFuncs over pool stats.
func (c *Collector) MustRegister(cs ...prometheus.Collector) {
	if c == nil {
		return
	}
	c.registry.MustRegister(cs...)
}

func (c *Collector) PacketSent(stream string, payloadBytes int) {
	if c == nil {
		return
	}
	c.packetsSent.WithLabelValues(stream).Inc()
	c.bytesSent.WithLabelValues(stream).Add(float64(payloadBytes))
}

func (c *Collector) SendError(stream string) {
	if c == nil {
		return
	}
	c.sendErrors.WithLabelValues(stream).Inc()
}

func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Inc()
}

func (c *Collector) FrameGated() {
	if c == nil {
		return
	}
	c.framesGated.Inc()
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// ProbeFeedback records one feedback report and the estimator's state after
// it.
func (c *Collector) ProbeFeedback(jitter, average int64) {
	if c == nil {
		return
	}
	c.probeFeedback.Inc()
	c.jitter.Set(float64(jitter))
	c.averageJitter.Set(float64(average))
}

func (c *Collector) Response(function string, code int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(function, strconv.Itoa(code)).Inc()
}

// StateChanged moves the connection state gauge from one state to another.
func (c *Collector) StateChanged(from, to string) {
	if c == nil {
		return
	}
	c.stateTransition.WithLabelValues(from, to).Inc()
	c.connectionState.WithLabelValues(from).Set(0)
	c.connectionState.WithLabelValues(to).Set(1)
}
