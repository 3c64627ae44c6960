package convoy

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/zjrosen/squad/internal/log"
)

// SampleFunc returns current host CPU and memory utilization in percent.
type SampleFunc func() (cpuPct, memPct float64, err error)

// hostSample reads utilization from the OS.
func hostSample() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return cpuPct, 0, err
	}
	return cpuPct, vm.UsedPercent, nil
}

// ResourceMonitor samples host CPU and memory utilization on a fixed
// interval. One monitor serves the whole process; it never holds the
// workspace lock.
type ResourceMonitor struct {
	interval time.Duration
	sample   SampleFunc

	mu       sync.Mutex
	cpuPct   float64
	memPct   float64
	peakCPU  float64
	peakMem  float64
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// NewResourceMonitor builds a monitor sampling every interval (default 5s).
func NewResourceMonitor(interval time.Duration) *ResourceMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceMonitor{interval: interval, sample: hostSample}
}

// SetSampleFunc overrides the host sampler. Intended for tests and embedded
// environments.
func (m *ResourceMonitor) SetSampleFunc(fn SampleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sample = fn
}

// Sample takes an immediate reading, updating current and peak values.
func (m *ResourceMonitor) Sample() (float64, float64, error) {
	m.mu.Lock()
	fn := m.sample
	m.mu.Unlock()

	cpuPct, memPct, err := fn()
	if err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	m.cpuPct, m.memPct = cpuPct, memPct
	if cpuPct > m.peakCPU {
		m.peakCPU = cpuPct
	}
	if memPct > m.peakMem {
		m.peakMem = memPct
	}
	m.mu.Unlock()
	return cpuPct, memPct, nil
}

// Usage returns the most recent reading.
func (m *ResourceMonitor) Usage() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpuPct, m.memPct
}

// Peaks returns the highest readings seen since ResetPeaks.
func (m *ResourceMonitor) Peaks() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakCPU, m.peakMem
}

// ResetPeaks zeroes the peak counters, typically at convoy start.
func (m *ResourceMonitor) ResetPeaks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peakCPU, m.peakMem = 0, 0
}

// SuggestedParallelism maps current load to a member count: full max when
// the host is idle, shrinking linearly toward baseline as the busier of CPU
// and memory approaches saturation. Never below baseline, never above max.
func (m *ResourceMonitor) SuggestedParallelism(baseline, max int) int {
	if baseline < 1 {
		baseline = 1
	}
	if max < baseline {
		max = baseline
	}

	cpuPct, memPct, err := m.Sample()
	if err != nil {
		log.Warn(log.CatConvoy, "resource sample failed, using baseline", "reason", err.Error())
		return baseline
	}
	load := cpuPct
	if memPct > load {
		load = memPct
	}
	if load > 100 {
		load = 100
	}

	suggested := max - int(float64(max-baseline)*load/100.0)
	if suggested < baseline {
		suggested = baseline
	}
	if suggested > max {
		suggested = max
	}
	return suggested
}

// Start launches the background sampling loop.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.Stop()

	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	stopped := make(chan struct{})
	m.stopped = stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := m.Sample(); err != nil {
					log.Warn(log.CatConvoy, "resource sample failed", "reason", err.Error())
				}
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *ResourceMonitor) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}
