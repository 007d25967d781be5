package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

var healthStatuses = []model.HealthStatus{
	model.HealthUnknown, model.HealthHealthy, model.HealthStale,
	model.HealthAuthError, model.HealthConnectivityError, model.HealthNoData,
}

// Collector owns a private registry and the ingester's metrics.
type Collector struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	items         *prometheus.CounterVec
	runs          *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	healthStatus  *prometheus.GaugeVec
	lastSuccessTS *prometheus.GaugeVec
	budget        *prometheus.GaugeVec
}

func New() *Collector {
	c := &Collector{reg: prometheus.NewRegistry()}
	c.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regiq",
		Name:      "source_requests_total",
		Help:      "Adapter invocations by outcome",
	}, []string{"source", "outcome"})
	c.items = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regiq",
		Name:      "sync_items_total",
		Help:      "Items processed per source by action (fetched, inserted, updated, skipped)",
	}, []string{"source", "action"})
	c.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regiq",
		Name:      "sync_runs_total",
		Help:      "Per-source sync runs by final status",
	}, []string{"source", "status"})
	c.syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "regiq",
		Name:      "source_sync_duration_seconds",
		Help:      "Time spent on one source pipeline",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"source"})
	c.healthStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "regiq",
		Name:      "source_health_status",
		Help:      "1 for the current health status of a source, 0 otherwise",
	}, []string{"source", "status"})
	c.lastSuccessTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "regiq",
		Name:      "source_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful fetch",
	}, []string{"source"})
	c.budget = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "regiq",
		Name:      "rate_budget_remaining",
		Help:      "Requests left in the sliding window after the last acquire",
	}, []string{"source", "window"})

	c.reg.MustRegister(
		c.requests, c.items, c.runs, c.syncDuration, c.healthStatus, c.lastSuccessTS, c.budget,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// ObserveRequest counts one adapter call. outcome is "ok", an error
// kind, or "rate_limited".
func (c *Collector) ObserveRequest(source, outcome string) {
	c.requests.WithLabelValues(source, outcome).Inc()
}

func (c *Collector) ObserveRun(rec model.SyncRunRecord, d time.Duration) {
	src := rec.SourceName
	c.runs.WithLabelValues(src, string(rec.Status)).Inc()
	c.items.WithLabelValues(src, "fetched").Add(float64(rec.ItemsFetched))
	c.items.WithLabelValues(src, "inserted").Add(float64(rec.ItemsInserted))
	c.items.WithLabelValues(src, "updated").Add(float64(rec.ItemsUpdated))
	c.items.WithLabelValues(src, "skipped").Add(float64(rec.ItemsSkipped))
	c.syncDuration.WithLabelValues(src).Observe(d.Seconds())
}

func (c *Collector) SetHealth(st model.SourceHealthState) {
	for _, s := range healthStatuses {
		v := 0.0
		if s == st.Status {
			v = 1
		}
		c.healthStatus.WithLabelValues(st.SourceName, string(s)).Set(v)
	}
	if st.LastSuccessAt != nil {
		c.lastSuccessTS.WithLabelValues(st.SourceName).Set(float64(st.LastSuccessAt.Unix()))
	}
}

// SetBudget records remaining requests; negative means unlimited and is
// not exported.
func (c *Collector) SetBudget(source string, minute, hour int) {
	if minute >= 0 {
		c.budget.WithLabelValues(source, "minute").Set(float64(minute))
	}
	if hour >= 0 {
		c.budget.WithLabelValues(source, "hour").Set(float64(hour))
	}
}
