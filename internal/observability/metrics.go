package observability

import (
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu              sync.Mutex
	requestCount    map[string]int64
	errorCount      map[string]int64
	transitionCount map[string]int64
	conflictCount   int64
	sweepRuns       int64
	sweepBreaches   map[string]int64
	sweepFailures   int64
	realtimeConns   int64
	realtimeEvicted int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Requests          map[string]int64 `json:"requests"`
	Errors            map[string]int64 `json:"errors"`
	Transitions       map[string]int64 `json:"transitions"`
	Conflicts         int64            `json:"conflicts"`
	SweepRuns         int64            `json:"sweepRuns"`
	SweepBreaches     map[string]int64 `json:"sweepBreaches"`
	SweepFailures     int64            `json:"sweepFailures"`
	RealtimeConns     int64            `json:"realtimeConnections"`
	RealtimeEvictions int64            `json:"realtimeEvictions"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]int64),
		errorCount:      make(map[string]int64),
		transitionCount: make(map[string]int64),
		sweepBreaches:   make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordTransition counts a committed status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionCount[from+"->"+to]++
}

// RecordConflict counts a lost compare-and-set race.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictCount++
}

// RecordSweep counts one sweep pass and its outcome per breach kind.
func (m *Metrics) RecordSweep(breaches map[string]int, failures int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepRuns++
	for kind, n := range breaches {
		m.sweepBreaches[kind] += int64(n)
	}
	m.sweepFailures += int64(failures)
}

// RecordRealtimeConnection adjusts the live connection gauge by delta.
func (m *Metrics) RecordRealtimeConnection(delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realtimeConns += delta
}

// RecordRealtimeEviction counts a connection dropped for a full buffer or staleness.
func (m *Metrics) RecordRealtimeEviction() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realtimeEvicted++
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Requests:          copyCounts(m.requestCount),
		Errors:            copyCounts(m.errorCount),
		Transitions:       copyCounts(m.transitionCount),
		Conflicts:         m.conflictCount,
		SweepRuns:         m.sweepRuns,
		SweepBreaches:     copyCounts(m.sweepBreaches),
		SweepFailures:     m.sweepFailures,
		RealtimeConns:     m.realtimeConns,
		RealtimeEvictions: m.realtimeEvicted,
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
