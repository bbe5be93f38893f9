// Package metrics exports coordinator state in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defpool/defpool-server/internal/ledger"
	"github.com/defpool/defpool-server/internal/profitability"
	"github.com/defpool/defpool-server/internal/switchlog"
)

const namespace = "defpool"

// Exporter owns a private registry so tests can create as many as they like.
type Exporter struct {
	registry *prometheus.Registry

	score        *prometheus.GaugeVec
	stale        *prometheus.GaugeVec
	tickDuration prometheus.Histogram
	feedFailures *prometheus.CounterVec

	switches   *prometheus.CounterVec
	generation prometheus.Gauge

	shares       *prometheus.CounterVec
	miners       *prometheus.GaugeVec
	workers      *prometheus.GaugeVec
	poolHashrate prometheus.Gauge
	apiRequests  *prometheus.CounterVec
}

// New creates an exporter with every collector registered.
func New() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),

		score: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_score",
			Help:      "Latest effective profitability score per target",
		}, []string{"target", "algorithm"}),
		stale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_stale",
			Help:      "1 when the target score is stale",
		}, []string{"target"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_tick_seconds",
			Help:      "Time taken by one scoring tick",
			Buckets:   prometheus.DefBuckets,
		}),
		feedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_failures_total",
			Help:      "Failed signal fetches per target",
		}, []string{"target"}),

		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_switches_total",
			Help:      "Target switches by kind",
		}, []string{"kind"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_generation",
			Help:      "Generation of the current target",
		}),

		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_total",
			Help:      "Recorded shares by result and reject reason",
		}, []string{"result", "reason"}),
		miners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "miners",
			Help:      "Known miners",
		}, []string{"state"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Known workers",
		}, []string{"state"}),
		poolHashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_hashrate",
			Help:      "Estimated pool hashrate in H/s",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests by route and status",
		}, []string{"route", "status"}),
	}

	e.registry.MustRegister(
		e.score, e.stale, e.tickDuration, e.feedFailures,
		e.switches, e.generation,
		e.shares, e.miners, e.workers, e.poolHashrate, e.apiRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Handler serves the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ObserveSnapshot replaces the per-target gauges with the snapshot content,
// dropping series of targets that left the registry.
func (e *Exporter) ObserveSnapshot(snap *profitability.Snapshot) {
	if snap == nil {
		return
	}
	e.score.Reset()
	e.stale.Reset()
	for _, s := range snap.Scores {
		if s.Scored {
			e.score.WithLabelValues(s.TargetName, string(s.Algorithm)).Set(s.Score)
		}
		stale := 0.0
		if s.Stale {
			stale = 1
		}
		e.stale.WithLabelValues(s.TargetName).Set(stale)
	}
}

// ObserveTick records how long a scoring tick took.
func (e *Exporter) ObserveTick(d time.Duration) {
	e.tickDuration.Observe(d.Seconds())
}

// RecordFeedFailure counts one failed fetch.
func (e *Exporter) RecordFeedFailure(target string) {
	e.feedFailures.WithLabelValues(target).Inc()
}

// RecordSwitch counts a switch and updates the generation gauge.
func (e *Exporter) RecordSwitch(entry switchlog.Entry) {
	kind := "profit"
	if entry.Forced {
		kind = "forced"
	}
	e.switches.WithLabelValues(kind).Inc()
	e.generation.Set(float64(entry.Generation))
}

// SetGeneration updates the generation gauge without counting a switch.
func (e *Exporter) SetGeneration(gen uint64) {
	e.generation.Set(float64(gen))
}

// RecordShare counts one recorded share.
func (e *Exporter) RecordShare(ev ledger.ShareEvent) {
	result := "valid"
	if !ev.Valid {
		result = "invalid"
	}
	e.shares.WithLabelValues(result, string(ev.Reason)).Inc()
}

// UpdatePool sets the pool-wide gauges.
func (e *Exporter) UpdatePool(s ledger.PoolSummary) {
	e.miners.WithLabelValues("total").Set(float64(s.TotalMiners))
	e.miners.WithLabelValues("active").Set(float64(s.ActiveMiners))
	e.workers.WithLabelValues("total").Set(float64(s.TotalWorkers))
	e.workers.WithLabelValues("active").Set(float64(s.ActiveWorkers))
	e.poolHashrate.Set(s.PoolHashrate)
}

// RecordRequest counts one API request.
func (e *Exporter) RecordRequest(route, status string) {
	e.apiRequests.WithLabelValues(route, status).Inc()
}
