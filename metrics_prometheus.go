package cryptopool

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a Metrics instance to Prometheus.
type Collector struct {
	metrics *Metrics

	jobs           *prometheus.Desc
	lateResults    *prometheus.Desc
	inFlight       *prometheus.Desc
	workersSpawned *prometheus.Desc
	workersExited  *prometheus.Desc
	protocolErrors *prometheus.Desc
	latency        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector; register it with prometheus.MustRegister.
func NewCollector(m *Metrics, namespace string) *Collector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "pool", n)
	}
	return &Collector{
		metrics: m,
		jobs: prometheus.NewDesc(name("jobs_total"),
			"Jobs finished, by outcome.", []string{"outcome"}, nil),
		lateResults: prometheus.NewDesc(name("late_results_total"),
			"Results dropped because their job had already timed out.", nil, nil),
		inFlight: prometheus.NewDesc(name("jobs_in_flight"),
			"Jobs currently awaiting a result.", nil, nil),
		workersSpawned: prometheus.NewDesc(name("workers_spawned_total"),
			"Worker processes started.", nil, nil),
		workersExited: prometheus.NewDesc(name("workers_exited_total"),
			"Worker processes that exited.", nil, nil),
		protocolErrors: prometheus.NewDesc(name("protocol_errors_total"),
			"Stream corruptions that killed a worker.", nil, nil),
		latency: prometheus.NewDesc(name("job_latency_milliseconds"),
			"Job latency over the recent sample window.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.lateResults
	ch <- c.inFlight
	ch <- c.workersSpawned
	ch <- c.workersExited
	ch <- c.protocolErrors
	ch <- c.latency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.CounterValue, float64(s.JobsSuccess), "success")
	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.CounterValue, float64(s.JobsFailed-s.JobsTimedOut), "failed")
	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.CounterValue, float64(s.JobsTimedOut), "timeout")
	ch <- prometheus.MustNewConstMetric(c.lateResults, prometheus.CounterValue, float64(s.LateResults))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight))
	ch <- prometheus.MustNewConstMetric(c.workersSpawned, prometheus.CounterValue, float64(s.WorkersSpawned))
	ch <- prometheus.MustNewConstMetric(c.workersExited, prometheus.CounterValue, float64(s.WorkersExited))
	ch <- prometheus.MustNewConstMetric(c.protocolErrors, prometheus.CounterValue, float64(s.ProtocolErrors))

	finished := uint64(s.JobsSuccess + s.JobsFailed)
	ch <- prometheus.MustNewConstSummary(c.latency, finished, s.LatencyAvgMs*float64(finished),
		map[float64]float64{
			0.5:  s.LatencyP50Ms,
			0.95: s.LatencyP95Ms,
			0.99: s.LatencyP99Ms,
		})
}
