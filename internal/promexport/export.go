// Package promexport exposes a hazcat process's counters as Prometheus
// metrics, for cmd/hazcat-topicd's -metrics-addr flag.
package promexport

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshotter is the subset of hazcat.Metrics this package depends on,
// kept as an interface so this package never imports the root hazcat
// package (which would create an import cycle back through
// internal/mqueue if the root package ever needed promexport itself).
type Snapshotter interface {
	Snapshot() Snapshot
}

// Snapshot mirrors the fields of hazcat.MetricsSnapshot that are worth
// exporting; cmd/hazcat-topicd adapts a *hazcat.Metrics into this shape.
type Snapshot struct {
	PublishOps        uint64
	TakeOps           uint64
	PublishBytes      uint64
	TakeBytes         uint64
	PublishErrors     uint64
	TakeErrors        uint64
	CrossDomainCopies uint64
	AvgInterestCount  float64
	MaxInterestCount  uint32
	AvgLatencyNs      uint64
}

// Exporter periodically pulls a Snapshot and republishes it as gauges. It
// does not poll on its own; callers call Collect once per
// promhttp.Handler scrape or on a ticker, whichever fits their daemon's
// control flow.
type Exporter struct {
	src Snapshotter

	publishOps        prom.Gauge
	takeOps           prom.Gauge
	publishBytes      prom.Gauge
	takeBytes         prom.Gauge
	publishErrors     prom.Gauge
	takeErrors        prom.Gauge
	crossDomainCopies prom.Gauge
	avgInterestCount  prom.Gauge
	maxInterestCount  prom.Gauge
	avgLatencyNs      prom.Gauge
}

// New creates an Exporter pulling from src and registers its gauges with
// registerer. Pass prom.DefaultRegisterer for the common case.
func New(src Snapshotter, registerer prom.Registerer) *Exporter {
	e := &Exporter{
		src:               src,
		publishOps:        prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "publish_ops_total", Help: "Total Publish calls"}),
		takeOps:           prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "take_ops_total", Help: "Total Take calls"}),
		publishBytes:      prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "publish_bytes_total", Help: "Total bytes published"}),
		takeBytes:         prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "take_bytes_total", Help: "Total bytes taken"}),
		publishErrors:     prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "publish_errors_total", Help: "Total Publish errors"}),
		takeErrors:        prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "take_errors_total", Help: "Total Take errors"}),
		crossDomainCopies: prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "cross_domain_copies_total", Help: "Total Take calls that staged a cross-domain copy"}),
		avgInterestCount:  prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "avg_interest_count", Help: "Average observed row interest_count"}),
		maxInterestCount:  prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "max_interest_count", Help: "Maximum observed row interest_count"}),
		avgLatencyNs:      prom.NewGauge(prom.GaugeOpts{Namespace: "hazcat", Name: "avg_latency_nanoseconds", Help: "Average Publish/Take latency"}),
	}
	registerer.MustRegister(
		e.publishOps, e.takeOps, e.publishBytes, e.takeBytes,
		e.publishErrors, e.takeErrors, e.crossDomainCopies,
		e.avgInterestCount, e.maxInterestCount, e.avgLatencyNs,
	)
	return e
}

// Collect refreshes every gauge from the latest Snapshot. promhttp.Handler
// serves whatever the gauges last held, so Collect must run before or
// during each scrape; a Collect-on-scrape middleware is the simplest way
// to keep it fresh without a background goroutine.
func (e *Exporter) Collect() {
	s := e.src.Snapshot()
	e.publishOps.Set(float64(s.PublishOps))
	e.takeOps.Set(float64(s.TakeOps))
	e.publishBytes.Set(float64(s.PublishBytes))
	e.takeBytes.Set(float64(s.TakeBytes))
	e.publishErrors.Set(float64(s.PublishErrors))
	e.takeErrors.Set(float64(s.TakeErrors))
	e.crossDomainCopies.Set(float64(s.CrossDomainCopies))
	e.avgInterestCount.Set(s.AvgInterestCount)
	e.maxInterestCount.Set(float64(s.MaxInterestCount))
	e.avgLatencyNs.Set(float64(s.AvgLatencyNs))
}

// Handler returns an http.Handler that refreshes the gauges and serves
// them in the Prometheus exposition format on every request.
func (e *Exporter) Handler() http.Handler {
	inner := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Collect()
		inner.ServeHTTP(w, r)
	})
}
