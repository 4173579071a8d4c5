// Package metrics provides the collector injected into the turn engine and
// model gateway, plus an in-memory Registry that serves /v1/metrics.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	TurnsTotal                    = "turns_total"
	ModelCallsTotal               = "model_calls_total"
	ModelRetriesTotal             = "model_retries_total"
	ToolCallsTotal                = "tool_calls_total"
	AdmissionRejectedTotal        = "admission_rejected_total"
	FollowupToolCallsDroppedTotal = "followup_tool_calls_dropped_total"
	CacheErrorsTotal              = "cache_errors_total"
	EventsDroppedTotal            = "sse_events_dropped_total"
	TurnDuration                  = "turn_duration"
	ModelCallDuration             = "model_call_duration"
)

// Collector records counters and durations. labels are key/value pairs.
type Collector interface {
	Inc(name string, labels ...string)
	Observe(name string, d time.Duration, labels ...string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Inc(string, ...string)                    {}
func (Nop) Observe(string, time.Duration, ...string) {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Timing summarizes observed durations for one series.
type Timing struct {
	Count int64   `json:"count"`
	SumMs float64 `json:"sum_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Registry is an in-memory Collector.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]*Timing

	proc *processSampler
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		timings:  make(map[string]*Timing),
		proc:     newProcessSampler(),
	}
}

func (r *Registry) Inc(name string, labels ...string) {
	if r == nil {
		return
	}
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.counters[key]++
	r.mu.Unlock()
}

func (r *Registry) Observe(name string, d time.Duration, labels ...string) {
	if r == nil {
		return
	}
	key := seriesKey(name, labels)
	ms := float64(d) / float64(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.timings[key]
	if t == nil {
		t = &Timing{}
		r.timings[key] = t
	}
	t.Count++
	t.SumMs += ms
	if ms > t.MaxMs {
		t.MaxMs = ms
	}
}

// Counter returns the current value of one series.
func (r *Registry) Counter(name string, labels ...string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, labels)]
}

// seriesKey renders name{k1=v1,k2=v2} with labels sorted by key.
func seriesKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, (len(labels)+1)/2)
	for i := 0; i < len(labels); i += 2 {
		v := ""
		if i+1 < len(labels) {
			v = labels[i+1]
		}
		pairs = append(pairs, labels[i]+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
