package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Role labels which side of a cast link recorded a sample.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Direction labels frame traffic.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

var (
	registerOnce sync.Once

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castv2",
			Subsystem: "conn",
			Name:      "opened_total",
			Help:      "Connections established.",
		},
		[]string{"role"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "castv2",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Connections currently open.",
		},
		[]string{"role"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castv2",
			Subsystem: "frame",
			Name:      "total",
			Help:      "Frames sent or received.",
		},
		[]string{"role", "direction"},
	)
	frameBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "castv2",
			Subsystem: "frame",
			Name:      "body_bytes",
			Help:      "Frame body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 7),
		},
		[]string{"role", "direction"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castv2",
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Connection-fatal protocol faults by reason.",
		},
		[]string{"role", "reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectionsTotal, connectionsActive, framesTotal, frameBytes, protocolErrors)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordConnectionOpened(role Role) {
	RegisterMetrics()
	connectionsTotal.WithLabelValues(string(role)).Inc()
	connectionsActive.WithLabelValues(string(role)).Inc()
}

func RecordConnectionClosed(role Role) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(string(role)).Dec()
}

func RecordFrame(role Role, dir Direction, bodyLen int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(string(role), string(dir)).Inc()
	frameBytes.WithLabelValues(string(role), string(dir)).Observe(float64(bodyLen))
}

// RecordProtocolError counts a fault that closed a connection. reason is a
// short fixed token such as "decode", "version" or "frame_too_large".
func RecordProtocolError(role Role, reason string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(string(role), reason).Inc()
}
