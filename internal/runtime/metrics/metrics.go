// Package metrics exposes Prometheus collectors for the frame codec, channel
// registry and dispatch queues. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector of one amqpcore instance.
type Metrics struct {
	mu sync.Mutex

	framesDecoded    *prometheus.CounterVec
	framesEncoded    *prometheus.CounterVec
	frameErrors      *prometheus.CounterVec
	payloadBytes     prometheus.Counter
	channelsOpen     prometheus.Gauge
	allocFailures    *prometheus.CounterVec
	callbacksTotal   *prometheus.CounterVec
	callbackFailures *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	discardedItems   prometheus.Counter
	droppedReports   prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(namespace, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newCounter(namespace, subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New builds the collectors under namespace. A nil registerer selects the
// Prometheus default registerer.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "amqpcore"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:       registerer,
		framesDecoded:    newCounterVec(namespace, "frame", "decoded_total", "Frames decoded from the byte stream", []string{"type"}),
		framesEncoded:    newCounterVec(namespace, "frame", "encoded_total", "Frames encoded for the byte stream", []string{"type"}),
		frameErrors:      newCounterVec(namespace, "frame", "errors_total", "Frames rejected by the decoder", []string{"reason"}),
		payloadBytes:     newCounter(namespace, "frame", "payload_bytes_total", "Payload bytes rented for inbound frames"),
		channelsOpen:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "channel", Name: "open", Help: "Live sessions in the registry"}),
		allocFailures:    newCounterVec(namespace, "channel", "allocation_failures_total", "Failed channel id allocations", []string{"reason"}),
		callbacksTotal:   newCounterVec(namespace, "dispatch", "callbacks_total", "Consumer callbacks executed", []string{"callback"}),
		callbackFailures: newCounterVec(namespace, "dispatch", "callback_failures_total", "Consumer callbacks that failed", []string{"callback"}),
		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "callback_duration_seconds",
			Help:      "Consumer callback execution time",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"callback"}),
		discardedItems: newCounter(namespace, "dispatch", "discarded_items_total", "Work items discarded when a queue closed"),
		droppedReports: newCounter(namespace, "dispatch", "dropped_exceptions_total", "Callback failures dropped for lack of a reporting sink"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.framesDecoded,
		m.framesEncoded,
		m.frameErrors,
		m.payloadBytes,
		m.channelsOpen,
		m.allocFailures,
		m.callbacksTotal,
		m.callbackFailures,
		m.callbackDuration,
		m.discardedItems,
		m.droppedReports,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) FrameDecoded(frameType string, payloadLen int) {
	if m == nil {
		return
	}
	m.framesDecoded.WithLabelValues(frameType).Inc()
	m.payloadBytes.Add(float64(payloadLen))
}

func (m *Metrics) FrameEncoded(frameType string) {
	if m == nil {
		return
	}
	m.framesEncoded.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameError(reason string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetChannelsOpen(n int) {
	if m == nil {
		return
	}
	m.channelsOpen.Set(float64(n))
}

func (m *Metrics) AllocationFailed(reason string) {
	if m == nil {
		return
	}
	m.allocFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) CallbackDone(callback string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(callback).Inc()
	m.callbackDuration.WithLabelValues(callback).Observe(d.Seconds())
	if err != nil {
		m.callbackFailures.WithLabelValues(callback).Inc()
	}
}

func (m *Metrics) ItemsDiscarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discardedItems.Add(float64(n))
}

func (m *Metrics) ExceptionDropped() {
	if m == nil {
		return
	}
	m.droppedReports.Inc()
}
