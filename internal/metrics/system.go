package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically copies process resource usage into the
// Process gauges.
type SystemSampler struct {
	proc     *process.Process
	registry *Registry
	interval time.Duration
}

// NewSystemSampler attaches to the current process.
func NewSystemSampler(registry *Registry, interval time.Duration) (*SystemSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process handle: %w", err)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemSampler{proc: proc, registry: registry, interval: interval}, nil
}

// Run samples until ctx is cancelled.
func (s *SystemSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample takes one reading. Failed gopsutil reads leave the previous value.
func (s *SystemSampler) Sample() {
	// Percent(0) compares against the previous call.
	if pct, err := s.proc.Percent(0); err == nil {
		s.registry.Process.CPUPercent.Set(pct)
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		s.registry.Process.RSSBytes.Set(float64(mem.RSS))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.registry.Process.HeapInUse.Set(float64(ms.HeapInuse))
	s.registry.Process.Goroutines.Set(float64(runtime.NumGoroutine()))
}
