package serverpool

import (
	"github.com/lydakis/omnibridge/internal/omnisharp"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "omnibridge"

var (
	requestDelaysDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "request_delays_total"),
		"Completed requests per command and latency bucket since the server last started",
		[]string{"workspace", "command", "bucket"}, nil,
	)
	requestsQueuedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "requests_queued"),
		"Requests waiting for a concurrency slot",
		[]string{"workspace"}, nil,
	)
	requestsActiveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "requests_active"),
		"Requests sent to the server and awaiting a response",
		[]string{"workspace"}, nil,
	)
	serverUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "server_up"),
		"1 when the workspace server completed its handshake",
		[]string{"workspace", "state"}, nil,
	)
)

type collector struct {
	pool *Pool
}

// Collector exposes per-workspace queue, state and latency metrics. Values
// are read from the servers at scrape time.
func (p *Pool) Collector() prometheus.Collector {
	return collector{pool: p}
}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestDelaysDesc
	ch <- requestsQueuedDesc
	ch <- requestsActiveDesc
	ch <- serverUpDesc
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	for ws, b := range c.pool.snapshot() {
		stats := b.QueueStats()
		ch <- prometheus.MustNewConstMetric(requestsQueuedDesc, prometheus.GaugeValue, float64(stats.Queued), ws)
		ch <- prometheus.MustNewConstMetric(requestsActiveDesc, prometheus.GaugeValue, float64(stats.Active), ws)

		state := b.State()
		up := 0.0
		if state == omnisharp.StateStarted {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(serverUpDesc, prometheus.GaugeValue, up, ws, state.String())

		for _, m := range b.DelayMeasures() {
			for _, bucket := range omnisharp.DelayBuckets {
				ch <- prometheus.MustNewConstMetric(requestDelaysDesc, prometheus.CounterValue,
					float64(m.Measures[bucket]), ws, m.Command, bucket)
			}
		}
	}
}
