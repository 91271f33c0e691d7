// Package monitor keeps in-process latency and error statistics for every
// broker endpoint and feeds the durable api_metrics batch writer.
package monitor

import (
	"sort"
	"sync"
	"time"

	"prop-engine/pkg/db"
)

// sampleCap bounds the per-endpoint latency reservoir.
const sampleCap = 512

// EndpointStats is the aggregate view for one gateway endpoint.
type EndpointStats struct {
	Endpoint string  `json:"endpoint"`
	Calls    uint64  `json:"calls"`
	Errors   uint64  `json:"errors"`
	AvgMS    float64 `json:"avg_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	MaxMS    float64 `json:"max_ms"`
}

type endpoint struct {
	calls   uint64
	errors  uint64
	totalMS float64
	maxMS   float64
	samples []float64 // ring buffer of latencies
	next    int
}

// Monitor implements broker.MetricRecorder.
type Monitor struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	writer    *db.MetricWriter
}

// New builds the monitor. writer may be nil for memory-only stats.
func New(writer *db.MetricWriter) *Monitor {
	return &Monitor{
		endpoints: make(map[string]*endpoint),
		writer:    writer,
	}
}

// RecordAPICall ingests one gateway call sample.
func (m *Monitor) RecordAPICall(name string, latency time.Duration, status int) {
	ms := float64(latency.Microseconds()) / 1000

	m.mu.Lock()
	ep, ok := m.endpoints[name]
	if !ok {
		ep = &endpoint{samples: make([]float64, 0, sampleCap)}
		m.endpoints[name] = ep
	}
	ep.calls++
	if status == 0 || status >= 400 {
		ep.errors++
	}
	ep.totalMS += ms
	if ms > ep.maxMS {
		ep.maxMS = ms
	}
	if len(ep.samples) < sampleCap {
		ep.samples = append(ep.samples, ms)
	} else {
		ep.samples[ep.next] = ms
		ep.next = (ep.next + 1) % sampleCap
	}
	m.mu.Unlock()

	m.writer.Record(db.APIMetric{
		Timestamp: time.Now().UTC(),
		Endpoint:  name,
		LatencyMS: ms,
		Status:    status,
	})
}

// Snapshot returns per-endpoint aggregates sorted by endpoint name.
func (m *Monitor) Snapshot() []EndpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EndpointStats, 0, len(m.endpoints))
	for name, ep := range m.endpoints {
		st := EndpointStats{
			Endpoint: name,
			Calls:    ep.calls,
			Errors:   ep.errors,
			MaxMS:    ep.maxMS,
		}
		if ep.calls > 0 {
			st.AvgMS = ep.totalMS / float64(ep.calls)
		}
		if len(ep.samples) > 0 {
			sorted := append([]float64(nil), ep.samples...)
			sort.Float64s(sorted)
			st.P50MS = percentile(sorted, 0.50)
			st.P95MS = percentile(sorted, 0.95)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// percentile reads a quantile from a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
