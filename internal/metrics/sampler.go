package metrics

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Snapshot is the process portion of a Sample, produced by a Sampler.
type Snapshot struct {
	Memory  MemoryStats
	CPU     CPUStats
	Process ProcessStats
}

// Sampler reads process and runtime counters.
type Sampler interface {
	Sample(now time.Time) (Snapshot, error)
}

// ProcessSampler reads the Go runtime heap counters and, where /proc is
// available, the process CPU time and resident set size.
type ProcessSampler struct {
	mu        sync.Mutex
	startedAt time.Time
	lastCPU   float64
	lastAt    time.Time
	procErr   error
}

// NewProcessSampler creates a sampler anchored at the given process start time.
func NewProcessSampler(startedAt time.Time) *ProcessSampler {
	return &ProcessSampler{startedAt: startedAt}
}

// Sample implements Sampler.
func (s *ProcessSampler) Sample(now time.Time) (Snapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		Memory: MemoryStats{
			HeapUsed:  ms.HeapAlloc,
			HeapTotal: ms.HeapSys,
		},
		Process: ProcessStats{
			PID:        os.Getpid(),
			Uptime:     now.Sub(s.startedAt),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	if ms.HeapSys > 0 {
		snap.Memory.UsagePercent = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Without procfs (non-Linux) CPU and RSS stay zero; that is not a failure.
	if s.procErr != nil {
		return snap, nil
	}
	proc, err := procfs.Self()
	if err != nil {
		s.procErr = err
		return snap, nil
	}
	stat, err := proc.Stat()
	if err != nil {
		return snap, fmt.Errorf("read process stat: %w", err)
	}
	cpu := stat.CPUTime()
	snap.CPU.TotalSeconds = cpu
	snap.Memory.RSS = uint64(stat.ResidentMemory())
	if !s.lastAt.IsZero() {
		if wall := now.Sub(s.lastAt).Seconds(); wall > 0 {
			snap.CPU.UsagePercent = (cpu - s.lastCPU) / wall * 100
		}
	}
	s.lastCPU = cpu
	s.lastAt = now
	return snap, nil
}
