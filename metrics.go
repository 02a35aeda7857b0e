package cryptopool

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Jobs
	JobsTotal    int `json:"jobs_total"`
	JobsSuccess  int `json:"jobs_success"`
	JobsFailed   int `json:"jobs_failed"`
	JobsTimedOut int `json:"jobs_timed_out"`
	JobsInline   int `json:"jobs_inline"`
	LateResults  int `json:"late_results"`

	// Latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// In-flight jobs across all workers
	InFlight    int `json:"in_flight"`
	InFlightMax int `json:"in_flight_max"`

	// Worker lifecycle
	WorkersSpawned int `json:"workers_spawned"`
	WorkersExited  int `json:"workers_exited"`
	ProtocolErrors int `json:"protocol_errors"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe collector for a Pool. A nil *Metrics discards everything.
type Metrics struct {
	mu sync.RWMutex

	maxLatencySamples int

	jobsTotal    int
	jobsSuccess  int
	jobsFailed   int
	jobsTimedOut int
	jobsInline   int
	lateResults  int

	inFlight    int
	inFlightMax int

	workersSpawned int
	workersExited  int
	protocolErrors int

	// Latency samples (circular buffer via slice)
	latencies []float64
}

// NewMetrics creates a new Metrics instance
func NewMetrics(maxLatencySamples int) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}

	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		latencies:         make([]float64, 0, maxLatencySamples),
	}
}

// StartJob starts tracking a job and returns the timestamp to pass to EndJob.
func (m *Metrics) StartJob(inline bool) time.Time {
	if m == nil {
		return time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobsTotal++
	if inline {
		m.jobsInline++
	}
	m.inFlight++
	if m.inFlight > m.inFlightMax {
		m.inFlightMax = m.inFlight
	}

	return time.Now()
}

// EndJob ends tracking a job and returns its latency in milliseconds.
func (m *Metrics) EndJob(startTime time.Time, err error) float64 {
	latencyMs := float64(time.Since(startTime).Microseconds()) / 1000
	if m == nil {
		return latencyMs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--

	switch {
	case err == nil:
		m.jobsSuccess++
	case errors.Is(err, ErrJobTimedOut):
		m.jobsTimedOut++
		m.jobsFailed++
	default:
		m.jobsFailed++
	}

	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)

	return latencyMs
}

// RecordLateResult records a result that arrived after its job timed out.
func (m *Metrics) RecordLateResult() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lateResults++
}

// RecordSpawn records a worker process start.
func (m *Metrics) RecordSpawn() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workersSpawned++
}

// RecordExit records a worker process exit.
func (m *Metrics) RecordExit() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workersExited++
}

// RecordProtocolError records a stream corruption that killed a worker.
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocolErrors++
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Timestamp: time.Now()}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		JobsTotal:      m.jobsTotal,
		JobsSuccess:    m.jobsSuccess,
		JobsFailed:     m.jobsFailed,
		JobsTimedOut:   m.jobsTimedOut,
		JobsInline:     m.jobsInline,
		LateResults:    m.lateResults,
		InFlight:       m.inFlight,
		InFlightMax:    m.inFlightMax,
		WorkersSpawned: m.workersSpawned,
		WorkersExited:  m.workersExited,
		ProtocolErrors: m.protocolErrors,
		Timestamp:      time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]

		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snapshot.LatencyAvgMs = sum / float64(n)

		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[n*95/100]
		snapshot.LatencyP99Ms = latencies[n*99/100]
	}

	return snapshot
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobsTotal = 0
	m.jobsSuccess = 0
	m.jobsFailed = 0
	m.jobsTimedOut = 0
	m.jobsInline = 0
	m.lateResults = 0
	m.inFlight = 0
	m.inFlightMax = 0
	m.workersSpawned = 0
	m.workersExited = 0
	m.protocolErrors = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
}
