package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type escrowMetrics struct {
	txs           *prometheus.CounterVec
	events        *prometheus.CounterVec
	streamClients prometheus.Gauge
	rateLimited   *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *escrowMetrics
)

// Escrow returns the process-wide escrow metrics, registering them on first use.
func Escrow() *escrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			txs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "tx",
				Name:      "submitted_total",
				Help:      "Submitted escrow transactions segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Escrow events emitted after commit, by type.",
			}, []string{"type"}),
			streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Connected event stream clients.",
			}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests refused by the rate limiter, by route group.",
			}, []string{"group"}),
		}
		prometheus.MustRegister(
			escrowRegistry.txs,
			escrowRegistry.events,
			escrowRegistry.streamClients,
			escrowRegistry.rateLimited,
		)
	})
	return escrowRegistry
}

func (m *escrowMetrics) RecordTx(op, outcome string) {
	if m == nil {
		return
	}
	m.txs.WithLabelValues(label(op), label(outcome)).Inc()
}

func (m *escrowMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(eventType)).Inc()
}

func (m *escrowMetrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.streamClients.Set(float64(n))
}

func (m *escrowMetrics) RecordRateLimited(group string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(label(group)).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
