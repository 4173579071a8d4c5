package metrics

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func TestRegistry_CountersAndLabels(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Inc(TurnsTotal, "outcome", "ok")
	r.Inc(TurnsTotal, "outcome", "ok")
	r.Inc(TurnsTotal, "outcome", "error")
	r.Inc(ModelCallsTotal, "provider", "openai", "mode", "stream")

	if got := r.Counter(TurnsTotal, "outcome", "ok"); got != 2 {
		t.Fatalf("turns ok=%d, want 2", got)
	}
	// Label order does not matter.
	if got := r.Counter(ModelCallsTotal, "mode", "stream", "provider", "openai"); got != 1 {
		t.Fatalf("model calls=%d, want 1", got)
	}

	snap := r.Snapshot(context.Background())
	if snap.Counters["turns_total{outcome=error}"] != 1 {
		t.Fatalf("snapshot counters=%v", snap.Counters)
	}
}

func TestRegistry_ObserveConcurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(ms int) {
			defer wg.Done()
			r.Observe(TurnDuration, time.Duration(ms)*time.Millisecond)
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot(context.Background())
	tm := snap.Timings[TurnDuration]
	if tm.Count != 20 || tm.MaxMs != 20 || tm.SumMs != 210 {
		t.Fatalf("timing=%+v", tm)
	}
}

func TestSnapshot_ProcessStats(t *testing.T) {
	t.Parallel()

	snap := NewRegistry().Snapshot(context.Background())
	if snap.Process == nil {
		t.Skip("process stats unavailable on this platform")
	}
	if snap.Process.PID != int32(os.Getpid()) || snap.Process.Goroutines <= 0 {
		t.Fatalf("process=%+v", snap.Process)
	}
}

func TestNop_IsCollector(t *testing.T) {
	t.Parallel()

	c := OrNop(nil)
	c.Inc(TurnsTotal)
	c.Observe(TurnDuration, time.Second)
}
