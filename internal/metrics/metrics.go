// Package metrics registers the prometheus instruments for the checkout
// engine and serves them over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	CheckoutsTotal   *prometheus.CounterVec
	CheckoutRetries  prometheus.Counter
	CheckoutDuration prometheus.Histogram
	StockAdjustments *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		CheckoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoestore",
			Subsystem: "checkout",
			Name:      "sales_total",
			Help:      "Checkout attempts by final outcome.",
		}, []string{"outcome"}),
		CheckoutRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoestore",
			Subsystem: "checkout",
			Name:      "conflict_retries_total",
			Help:      "Checkout attempts replayed after a transaction conflict.",
		}),
		CheckoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shoestore",
			Subsystem: "checkout",
			Name:      "duration_seconds",
			Help:      "Wall time of the full checkout unit.",
			Buckets:   prometheus.DefBuckets,
		}),
		StockAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoestore",
			Subsystem: "inventory",
			Name:      "stock_adjustments_total",
			Help:      "Manual stock adjustments by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.CheckoutsTotal, m.CheckoutRetries, m.CheckoutDuration, m.StockAdjustments)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
