// Package telemetry receives the timing and counting events of producers
// and of the ingestion server.
package telemetry

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

// Counter names a counted event.
type Counter string

const (
	ReadingsGenerated Counter = "readings_generated"
	ReadingsDropped   Counter = "readings_dropped"
	ReadingsSent      Counter = "readings_sent"
	ReadingsLost      Counter = "readings_lost"
	BatchesSent       Counter = "batches_sent"
	BatchesLost       Counter = "batches_lost"
	Retries           Counter = "retries"
	BytesSent         Counter = "bytes_sent"

	ReadingsStored  Counter = "readings_stored"
	DuplicateItems  Counter = "duplicate_items"
	FramesRejected  Counter = "frames_rejected"
	ResultsComputed Counter = "results_computed"
)

// Timer names a timed step.
type Timer string

const (
	Encryption    Timer = "encryption"
	Communication Timer = "communication"
	Aggregation   Timer = "aggregation"
	// Transit is the time between the creation of a packet and its
	// storage at the server.
	Transit Timer = "transit"
)

// Recorder receives events. Implementations must be safe for concurrent
// use and must not block.
type Recorder interface {
	Add(source string, c Counter, n int64)
	Observe(source string, t Timer, d time.Duration)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Add(string, Counter, int64)          {}
func (Nop) Observe(string, Timer, time.Duration) {}

// Summary describes the durations observed for one timer, in milliseconds.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_ms"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Median float64 `json:"median_ms"`
	P95    float64 `json:"p95_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// Summarize computes the summary of a set of durations.
func Summarize(ds []time.Duration) (s Summary) {

	if len(ds) == 0 {
		return
	}

	data := make(stats.Float64Data, len(ds))
	for i, d := range ds {
		data[i] = float64(d) / float64(time.Millisecond)
	}

	s.Count = len(data)
	s.Mean, _ = data.Mean()
	s.Min, _ = data.Min()
	s.Max, _ = data.Max()
	s.Median, _ = data.Median()
	s.P95, _ = data.Percentile(95)
	s.StdDev, _ = data.StandardDeviation()

	return
}

func (s Summary) String() string {
	if s.Count == 0 {
		return "n=0"
	}
	return fmt.Sprintf("n=%d mean=%.2fms min=%.2fms max=%.2fms p95=%.2fms", s.Count, s.Mean, s.Min, s.Max, s.P95)
}

// Report is the state of one source.
type Report struct {
	Source   string            `json:"source"`
	Counters map[Counter]int64 `json:"counters"`
	Timers   map[Timer]Summary `json:"timers"`
}

type series struct {
	counters map[Counter]int64
	timers   map[Timer][]time.Duration
}

// Memory keeps every event in memory. The durations of each timer are
// capped to the most recent Window observations.
type Memory struct {
	// Window bounds the durations kept per source and timer. Zero means
	// 4096.
	Window int

	mu      sync.Mutex
	sources map[string]*series
}

// NewMemory returns an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{sources: map[string]*series{}}
}

func (m *Memory) get(source string) *series {
	s, ok := m.sources[source]
	if !ok {
		s = &series{
			counters: map[Counter]int64{},
			timers:   map[Timer][]time.Duration{},
		}
		m.sources[source] = s
	}
	return s
}

func (m *Memory) Add(source string, c Counter, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(source).counters[c] += n
}

func (m *Memory) Observe(source string, t Timer, d time.Duration) {

	window := m.Window
	if window == 0 {
		window = 4096
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(source)
	ds := append(s.timers[t], d)
	if len(ds) > window {
		ds = ds[len(ds)-window:]
	}
	s.timers[t] = ds
}

// Count returns the value of a counter of a source.
func (m *Memory) Count(source string, c Counter) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[source]; ok {
		return s.counters[c]
	}
	return 0
}

// Sources returns the sources seen so far, sorted.
func (m *Memory) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SortedKeys(m.sources)
}

// Report returns the state of a source.
func (m *Memory) Report(source string) Report {

	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{
		Source:   source,
		Counters: map[Counter]int64{},
		Timers:   map[Timer]Summary{},
	}

	s, ok := m.sources[source]
	if !ok {
		return r
	}

	maps.Copy(r.Counters, s.counters)
	for t, ds := range s.timers {
		r.Timers[t] = Summarize(ds)
	}

	return r
}

// Total returns the sum of a counter over every source.
func (m *Memory) Total(c Counter) (n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		n += s.counters[c]
	}
	return
}

// Overall summarizes a timer over every source.
func (m *Memory) Overall(t Timer) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ds []time.Duration
	for _, s := range m.sources {
		ds = append(ds, s.timers[t]...)
	}
	return Summarize(ds)
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", r.Source)
	for _, c := range SortedKeys(r.Counters) {
		fmt.Fprintf(&b, " %s=%d", c, r.Counters[c])
	}
	for _, t := range SortedKeys(r.Timers) {
		fmt.Fprintf(&b, " %s[%s]", t, r.Timers[t])
	}
	return b.String()
}

// SortedKeys returns the keys of m in increasing order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

type tee []Recorder

// Tee returns a Recorder that forwards every event to each of rs.
func Tee(rs ...Recorder) Recorder {
	return tee(rs)
}

func (t tee) Add(source string, c Counter, n int64) {
	for _, r := range t {
		r.Add(source, c, n)
	}
}

func (t tee) Observe(source string, tm Timer, d time.Duration) {
	for _, r := range t {
		r.Observe(source, tm, d)
	}
}
