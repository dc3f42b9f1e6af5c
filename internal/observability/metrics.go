// Package observability provides transfer metrics for the ossx client.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the client's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	selectFrames    *prometheus.CounterVec
	integrityErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Total number of requests by method and response status",
			},
			[]string{"method", "status"},
		),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "received_bytes_total",
			Help:      "Response body bytes read from the transport",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sent_bytes_total",
			Help:      "Request body bytes handed to the transport",
		}),
		selectFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "select",
				Name:      "frames_total",
				Help:      "SELECT response frames decoded by type",
			},
			[]string{"type"},
		),
		integrityErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "integrity_errors_total",
				Help:      "Checksum mismatches by operation",
			},
			[]string{"operation"},
		),
	}

	for _, c := range []prometheus.Collector{m.requests, m.bytesReceived, m.bytesSent, m.selectFrames, m.integrityErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRequest counts one completed header exchange. status 0 means the
// request failed before a response arrived.
func (m *Metrics) ObserveRequest(method string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// AddReceived counts response body bytes.
func (m *Metrics) AddReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

// AddSent counts request body bytes.
func (m *Metrics) AddSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.Add(float64(n))
}

// ObserveFrame counts one decoded SELECT frame.
func (m *Metrics) ObserveFrame(frameType string) {
	if m == nil {
		return
	}
	m.selectFrames.WithLabelValues(frameType).Inc()
}

// ObserveIntegrityError counts one checksum mismatch.
func (m *Metrics) ObserveIntegrityError(operation string) {
	if m == nil {
		return
	}
	m.integrityErrors.WithLabelValues(operation).Inc()
}
