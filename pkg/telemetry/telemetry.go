// Package telemetry collects lightweight in-process metrics: monotonic
// counters, last-write-wins gauges, running measurement statistics and a
// bounded ring of recent events. It has no exporter; snapshots are plain
// values a caller can log or serve.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents bounds the event ring when no explicit limit is given.
const DefaultMaxEvents = 200

type counterRecord struct {
	value     float64
	updatedAt int64
}

type measurementRecord struct {
	count         int64
	sum           float64
	min           float64
	max           float64
	last          float64
	lastUpdatedAt int64
}

// CounterSnapshot is one counter at snapshot time.
type CounterSnapshot struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	UpdatedAt int64   `json:"updatedAt"`
}

// GaugeSnapshot is one gauge at snapshot time.
type GaugeSnapshot struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	UpdatedAt int64   `json:"updatedAt"`
}

// MeasurementSnapshot is the running statistics of one measurement.
type MeasurementSnapshot struct {
	Name          string  `json:"name"`
	Count         int64   `json:"count"`
	Sum           float64 `json:"sum"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Average       float64 `json:"average"`
	Last          float64 `json:"last"`
	LastUpdatedAt int64   `json:"lastUpdatedAt"`
}

// EventSnapshot is one recorded event.
type EventSnapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Snapshot is a point-in-time copy of the collector state. Metric slices
// are sorted by name; events keep insertion order.
type Snapshot struct {
	GeneratedAt  int64                 `json:"generatedAt"`
	Counters     []CounterSnapshot     `json:"counters"`
	Gauges       []GaugeSnapshot       `json:"gauges"`
	Measurements []MeasurementSnapshot `json:"measurements"`
	Events       []EventSnapshot       `json:"events"`
}

// Collector accumulates metrics. Safe for concurrent use.
type Collector struct {
	mu           sync.Mutex
	counters     map[string]counterRecord
	gauges       map[string]counterRecord
	measurements map[string]measurementRecord
	events       []EventSnapshot
	maxEvents    int
	clock        func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithMaxEvents bounds the event ring. Values below 1 are raised to 1.
func WithMaxEvents(n int) Option {
	return func(c *Collector) {
		if n < 1 {
			n = 1
		}
		c.maxEvents = n
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Collector) { c.clock = clock }
}

// NewCollector builds an empty Collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		counters:     make(map[string]counterRecord),
		gauges:       make(map[string]counterRecord),
		measurements: make(map[string]measurementRecord),
		maxEvents:    DefaultMaxEvents,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) now() int64 { return c.clock().UnixMilli() }

func clampNumber(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Increment adds delta to a counter, creating it at zero first.
func (c *Collector) Increment(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.counters[name]
	rec.value += clampNumber(delta)
	rec.updatedAt = c.now()
	c.counters[name] = rec
}

// SetCounter overwrites a counter value outright.
func (c *Collector) SetCounter(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = counterRecord{value: clampNumber(value), updatedAt: c.now()}
}

// Counter returns the current counter value, zero when absent.
func (c *Collector) Counter(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name].value
}

// SetGauge records the latest value for a gauge.
func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = counterRecord{value: clampNumber(value), updatedAt: c.now()}
}

// Gauge returns the last gauge value and whether it was ever set.
func (c *Collector) Gauge(name string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.gauges[name]
	return rec.value, ok
}

// Observe folds value into the running statistics of a measurement.
func (c *Collector) Observe(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked(name, value)
}

func (c *Collector) observeLocked(name string, value float64) {
	value = clampNumber(value)
	rec, ok := c.measurements[name]
	if !ok {
		c.measurements[name] = measurementRecord{
			count: 1, sum: value, min: value, max: value,
			last: value, lastUpdatedAt: c.now(),
		}
		return
	}
	rec.count++
	rec.sum += value
	rec.min = math.Min(rec.min, value)
	rec.max = math.Max(rec.max, value)
	rec.last = value
	rec.lastUpdatedAt = c.now()
	c.measurements[name] = rec
}

// Time runs fn and records its elapsed milliseconds under name. When fn
// fails the duration is recorded under "<name>:error" instead and the
// error is returned unchanged.
func (c *Collector) Time(name string, fn func() error) error {
	start := c.clock()
	err := fn()
	elapsed := float64(c.clock().Sub(start).Milliseconds())
	if err != nil {
		c.Observe(name+":error", elapsed)
		return err
	}
	c.Observe(name, elapsed)
	return nil
}

// RecordEvent appends an event to the ring, evicting the oldest entries
// beyond the configured bound.
func (c *Collector) RecordEvent(name string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event := EventSnapshot{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: c.now(),
		Payload:   payload,
	}
	c.events = append(c.events, event)
	if overflow := len(c.events) - c.maxEvents; overflow > 0 {
		c.events = append([]EventSnapshot(nil), c.events[overflow:]...)
	}
}

// ClearEvents empties the event ring, leaving metrics untouched.
func (c *Collector) ClearEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// Reset drops all counters, gauges, measurements and events.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]counterRecord)
	c.gauges = make(map[string]counterRecord)
	c.measurements = make(map[string]measurementRecord)
	c.events = nil
}

// Snapshot copies the current state. The receiver is not mutated and the
// returned slices are owned by the caller.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{GeneratedAt: c.now()}
	for name, rec := range c.counters {
		snap.Counters = append(snap.Counters, CounterSnapshot{Name: name, Value: rec.value, UpdatedAt: rec.updatedAt})
	}
	for name, rec := range c.gauges {
		snap.Gauges = append(snap.Gauges, GaugeSnapshot{Name: name, Value: rec.value, UpdatedAt: rec.updatedAt})
	}
	for name, rec := range c.measurements {
		snap.Measurements = append(snap.Measurements, MeasurementSnapshot{
			Name:          name,
			Count:         rec.count,
			Sum:           rec.sum,
			Min:           rec.min,
			Max:           rec.max,
			Average:       rec.sum / float64(rec.count),
			Last:          rec.last,
			LastUpdatedAt: rec.lastUpdatedAt,
		})
	}
	sort.Slice(snap.Counters, func(i, j int) bool { return snap.Counters[i].Name < snap.Counters[j].Name })
	sort.Slice(snap.Gauges, func(i, j int) bool { return snap.Gauges[i].Name < snap.Gauges[j].Name })
	sort.Slice(snap.Measurements, func(i, j int) bool { return snap.Measurements[i].Name < snap.Measurements[j].Name })
	snap.Events = append([]EventSnapshot(nil), c.events...)
	return snap
}
