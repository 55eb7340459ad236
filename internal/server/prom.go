package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"surgelab/internal/engine"
)

// engineCollector publishes live engine gauges to Prometheus. Values are
// read from collector snapshots at scrape time; nothing is cached.
type engineCollector struct {
	eng *engine.Engine

	activeTests *prometheus.Desc
	inflight    *prometheus.Desc
	requests    *prometheus.Desc
	errorRate   *prometheus.Desc
	throughput  *prometheus.Desc
	p95         *prometheus.Desc
	concurrency *prometheus.Desc
}

func newEngineCollector(eng *engine.Engine) *engineCollector {
	testLabels := []string{"test_id", "name"}
	return &engineCollector{
		eng: eng,
		activeTests: prometheus.NewDesc("surgelab_active_tests",
			"Number of load tests currently running.", nil, nil),
		inflight: prometheus.NewDesc("surgelab_inflight_requests",
			"Outbound requests currently on the wire.", nil, nil),
		requests: prometheus.NewDesc("surgelab_requests_total",
			"Requests issued by a running test.", testLabels, nil),
		errorRate: prometheus.NewDesc("surgelab_error_rate_percent",
			"Current error rate of a running test.", testLabels, nil),
		throughput: prometheus.NewDesc("surgelab_throughput_rps",
			"Current throughput of a running test.", testLabels, nil),
		p95: prometheus.NewDesc("surgelab_latency_p95_ms",
			"Approximate p95 latency of a running test.", testLabels, nil),
		concurrency: prometheus.NewDesc("surgelab_concurrency",
			"Active virtual users of a running test.", testLabels, nil),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeTests
	ch <- c.inflight
	ch <- c.requests
	ch <- c.errorRate
	ch <- c.throughput
	ch <- c.p95
	ch <- c.concurrency
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	active := c.eng.ListActive()

	ch <- prometheus.MustNewConstMetric(c.activeTests, prometheus.GaugeValue, float64(len(active)))
	ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(c.eng.InflightTotal()))

	for _, m := range active {
		labels := []string{m.TestID, m.Name}
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(m.Total), labels...)
		ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, m.ErrorRate, labels...)
		ch <- prometheus.MustNewConstMetric(c.throughput, prometheus.GaugeValue, m.Throughput, labels...)
		ch <- prometheus.MustNewConstMetric(c.p95, prometheus.GaugeValue, m.Latency.P95Ms, labels...)
		ch <- prometheus.MustNewConstMetric(c.concurrency, prometheus.GaugeValue, float64(m.Concurrency.Current), labels...)
	}
}
