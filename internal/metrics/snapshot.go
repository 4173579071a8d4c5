package metrics

import (
	"context"
	"maps"
	"time"
)

type Snapshot struct {
	CollectedAtMs int64             `json:"collected_at_ms"`
	Counters      map[string]int64  `json:"counters"`
	Timings       map[string]Timing `json:"timings"`
	Process       *ProcessStats     `json:"process,omitempty"`
}

// Snapshot copies all series and samples process stats.
func (r *Registry) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()
	out := Snapshot{CollectedAtMs: now.UnixMilli()}
	if r == nil {
		return out
	}

	r.mu.Lock()
	out.Counters = maps.Clone(r.counters)
	out.Timings = make(map[string]Timing, len(r.timings))
	for k, t := range r.timings {
		out.Timings[k] = *t
	}
	r.mu.Unlock()

	if r.proc != nil {
		if ps, ok := r.proc.sample(ctx, now); ok {
			out.Process = &ps
		}
	}
	return out
}
