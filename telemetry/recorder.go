package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry is one line captured by a Recorder.
type Entry struct {
	Level   string
	Msg     string
	KeyVals []any
}

// Recorder is an in-memory Logger and Metrics sink. Host applications use it
// to surface diagnostics in replay output; tests use it to assert on them.
type Recorder struct {
	mu       sync.Mutex
	entries  []Entry
	counters map[string]float64
	timers   map[string][]time.Duration
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]float64),
		timers:   make(map[string][]time.Duration),
	}
}

func (r *Recorder) add(level, msg string, keyvals []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, KeyVals: keyvals})
}

func (r *Recorder) Debug(_ context.Context, msg string, keyvals ...any) { r.add("debug", msg, keyvals) }
func (r *Recorder) Info(_ context.Context, msg string, keyvals ...any) { r.add("info", msg, keyvals) }
func (r *Recorder) Warn(_ context.Context, msg string, keyvals ...any) { r.add("warn", msg, keyvals) }
func (r *Recorder) Error(_ context.Context, msg string, keyvals ...any) { r.add("error", msg, keyvals) }

func (r *Recorder) IncCounter(name string, value float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[metricKey(name, tags)] += value
}

func (r *Recorder) RecordTimer(name string, d time.Duration, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metricKey(name, tags)
	r.timers[key] = append(r.timers[key], d)
}

func (r *Recorder) RecordGauge(name string, value float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[metricKey(name, tags)] = value
}

// Entries returns a copy of the captured log lines.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Messages returns the captured log messages at level, or all levels when
// level is empty.
func (r *Recorder) Messages(level string) []string {
	var msgs []string
	for _, e := range r.Entries() {
		if level == "" || e.Level == level {
			msgs = append(msgs, e.Msg)
		}
	}
	return msgs
}

// Counter returns the current value of a counter. Tags must match exactly.
func (r *Recorder) Counter(name string, tags ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[metricKey(name, tags)]
}

// Timings returns the recorded durations for a timer.
func (r *Recorder) Timings(name string, tags ...string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.timers[metricKey(name, tags)]...)
}

func metricKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	return fmt.Sprintf("%s%v", name, tags)
}
