// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the pipeline collectors. A nil *Registry is valid and
// records nothing.
type Registry struct {
	reg              *prometheus.Registry
	PagesFetched     *prometheus.CounterVec
	ItemsCollected   *prometheus.CounterVec
	OrdersExcluded   prometheus.Counter
	LineItemsSkipped *prometheus.CounterVec
	Runs             *prometheus.CounterVec
	RunDurationSec   prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	pages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merch_rank_pages_fetched_total",
		Help: "Pages fetched from the commerce API.",
	}, []string{"collection"})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merch_rank_items_collected_total",
		Help: "Items collected from the commerce API.",
	}, []string{"collection"})
	excluded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merch_rank_orders_excluded_total",
		Help: "Voided or refunded orders skipped during accrual.",
	})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merch_rank_line_items_skipped_total",
		Help: "Line items that did not contribute to accrual.",
	}, []string{"reason"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merch_rank_runs_total",
		Help: "Pipeline runs by final status.",
	}, []string{"status"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "merch_rank_run_duration_seconds",
		Help:    "Wall-clock duration of pipeline runs.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	r.MustRegister(pages, items, excluded, skipped, runs, duration)
	return &Registry{
		reg:              r,
		PagesFetched:     pages,
		ItemsCollected:   items,
		OrdersExcluded:   excluded,
		LineItemsSkipped: skipped,
		Runs:             runs,
		RunDurationSec:   duration,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Gatherer exposes the underlying registry for tests and push clients.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) PageFetched(collection string, items int) {
	if r == nil {
		return
	}
	r.PagesFetched.WithLabelValues(collection).Inc()
	r.ItemsCollected.WithLabelValues(collection).Add(float64(items))
}

func (r *Registry) OrdersSkipped(n int) {
	if r == nil {
		return
	}
	r.OrdersExcluded.Add(float64(n))
}

func (r *Registry) LineItemsDropped(reason string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.LineItemsSkipped.WithLabelValues(reason).Add(float64(n))
}

func (r *Registry) RunFinished(status string, seconds float64) {
	if r == nil {
		return
	}
	r.Runs.WithLabelValues(status).Inc()
	r.RunDurationSec.Observe(seconds)
}
