package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const processCacheTTL = 2 * time.Second

// ProcessStats describes the running server process.
type ProcessStats struct {
	PID         int32     `json:"pid"`
	Platform    string    `json:"platform"`
	CPUPercent  float64   `json:"cpu_percent"`
	RSSBytes    uint64    `json:"rss_bytes"`
	NumThreads  int32     `json:"num_threads"`
	Goroutines  int       `json:"goroutines"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`
}

type processSampler struct {
	mu      sync.Mutex
	proc    *process.Process
	last    ProcessStats
	lastAt  time.Time
	hasLast bool
}

func newProcessSampler() *processSampler {
	return &processSampler{}
}

func (s *processSampler) sample(ctx context.Context, now time.Time) (ProcessStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLast && now.Sub(s.lastAt) < processCacheTTL {
		st := s.last
		st.Goroutines = runtime.NumGoroutine()
		return st, true
	}

	if s.proc == nil {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return ProcessStats{}, false
		}
		s.proc = p
	}

	st := ProcessStats{
		PID:        s.proc.Pid,
		Platform:   runtime.GOOS,
		Goroutines: runtime.NumGoroutine(),
	}
	if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = pct
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		st.NumThreads = n
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		st.CPUCores = cores
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		st.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	s.last = st
	s.lastAt = now
	s.hasLast = true
	return st, true
}
