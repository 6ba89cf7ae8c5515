// Package stats provides a minimal StatsReceiver backed by go-metrics.
// A receiver can be passed down a call tree and scoped at each level; tests
// that don't care about stats pass the nil receiver.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Hierarchical names use '/' as separator; scope elements containing '/'
// have it replaced rather than failing, since some names are dynamic.
const scopeSep = "/"

type Counter interface {
	Inc(int64)
	Count() int64
}

type Gauge interface {
	Update(int64)
	Value() int64
}

// Latency records call-site durations into a histogram.
type Latency interface {
	// Time starts a stopwatch; Stop on the returned watch records the
	// elapsed duration. Typical use: defer stat.Latency("x_ms").Time().Stop()
	Time() StopWatch
	RecordDuration(time.Duration)
}

type StopWatch interface {
	Stop()
}

type StatsReceiver interface {
	// Scope returns a receiver that namespaces all instruments:
	//   stat.Scope("sched").Counter("jobs") == stat.Counter("sched", "jobs")
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency

	// Render the current values as JSON, for debug endpoints.
	Render() []byte
}

// DefaultStatsReceiver returns a receiver over a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: append(append([]string{}, s.scope...), scope...)}
}

func (s *defaultStatsReceiver) scoped(name ...string) string {
	elems := append(append([]string{}, s.scope...), name...)
	for i, e := range elems {
		elems[i] = strings.ReplaceAll(e, scopeSep, "_SLASH_")
	}
	return strings.Join(elems, scopeSep)
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scoped(name...), metrics.NewCounter).(metrics.Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scoped(name...), metrics.NewGauge).(metrics.Gauge)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	h := s.registry.GetOrRegister(s.scoped(name...), func() metrics.Histogram {
		return metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015))
	}).(metrics.Histogram)
	return &latency{hist: h}
}

func (s *defaultStatsReceiver) Render() []byte {
	out := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			out[name] = m.Count()
		case metrics.Gauge:
			out[name] = m.Value()
		case metrics.Histogram:
			h := m.Snapshot()
			out[name] = map[string]interface{}{
				"count": h.Count(), "mean": h.Mean(), "p95": h.Percentile(0.95),
			}
		}
	})
	b, _ := json.Marshal(out)
	return b
}

type latency struct {
	hist metrics.Histogram
}

func (l *latency) RecordDuration(d time.Duration) { l.hist.Update(int64(d)) }

func (l *latency) Time() StopWatch {
	return &stopWatch{start: time.Now(), l: l}
}

type stopWatch struct {
	start time.Time
	l     *latency
}

func (s *stopWatch) Stop() { s.l.RecordDuration(time.Since(s.start)) }

// NilStatsReceiver discards everything. Safe default for tests.
func NilStatsReceiver() StatsReceiver { return nilStatsReceiver{} }

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (s nilStatsReceiver) Counter(name ...string) Counter      { return nilCounter{} }
func (s nilStatsReceiver) Gauge(name ...string) Gauge          { return nilGauge{} }
func (s nilStatsReceiver) Latency(name ...string) Latency      { return nilLatency{} }
func (s nilStatsReceiver) Render() []byte                      { return []byte("{}") }

type nilCounter struct{}

func (nilCounter) Inc(int64)    {}
func (nilCounter) Count() int64 { return 0 }

type nilGauge struct{}

func (nilGauge) Update(int64) {}
func (nilGauge) Value() int64 { return 0 }

type nilLatency struct{}

func (nilLatency) Time() StopWatch              { return nilStopWatch{} }
func (nilLatency) RecordDuration(time.Duration) {}

type nilStopWatch struct{}

func (nilStopWatch) Stop() {}
