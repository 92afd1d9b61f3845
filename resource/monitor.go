package resource

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultCPUThreshold is the CPU usage percentage above which new jobs
// are not admitted.
const DefaultCPUThreshold = 80.0

// Snapshot is one point-in-time view of host resources.
type Snapshot struct {
	// AvailableMemoryMB is the memory available for new allocations.
	AvailableMemoryMB int `json:"available_memory_mb"`

	// TotalMemoryMB is the total physical memory.
	TotalMemoryMB int `json:"total_memory_mb"`

	// UsedMemoryPercent is the fraction of memory in use.
	UsedMemoryPercent float64 `json:"used_memory_percent"`

	// CPUPercent is the host CPU usage across all cores.
	CPUPercent float64 `json:"cpu_percent"`

	// SampledAt is when the sample was taken.
	SampledAt time.Time `json:"sampled_at"`
}

// Sampler abstracts the OS metric source so tests can substitute a fake.
// The default implementation uses gopsutil.
type Sampler interface {
	// VirtualMemory returns host memory statistics.
	VirtualMemory() (*mem.VirtualMemoryStat, error)

	// CPUPercent returns overall CPU usage, blocking for the given
	// interval to compute a delta. A zero interval compares against the
	// previous call, which can report a spurious 0% on the first read.
	CPUPercent(interval time.Duration) (float64, error)
}

// hostSampler is the gopsutil-backed Sampler.
type hostSampler struct{}

func (hostSampler) VirtualMemory() (*mem.VirtualMemoryStat, error) {
	return mem.VirtualMemory()
}

func (hostSampler) CPUPercent(interval time.Duration) (float64, error) {
	percents, err := cpu.Percent(interval, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("cpu sampling returned no values")
	}
	return percents[0], nil
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// CacheTTL is how long a sample is served before resampling.
	// If 0, defaults to 1 second.
	CacheTTL time.Duration

	// SampleInterval is the blocking window for CPU delta sampling.
	// If 0, defaults to 100ms.
	SampleInterval time.Duration

	// Sampler overrides the OS metric source. If nil, gopsutil is used.
	Sampler Sampler
}

// Monitor samples host resources with a short-lived cache.
// Safe for concurrent use.
type Monitor struct {
	sampler        Sampler
	cacheTTL       time.Duration
	sampleInterval time.Duration

	mu     sync.Mutex
	cached Snapshot
	valid  bool
}

// NewMonitor creates a Monitor with the given options.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Second
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = 100 * time.Millisecond
	}
	if opts.Sampler == nil {
		opts.Sampler = hostSampler{}
	}
	return &Monitor{
		sampler:        opts.Sampler,
		cacheTTL:       opts.CacheTTL,
		sampleInterval: opts.SampleInterval,
	}
}

// Snapshot returns current host resource usage, served from cache when the
// last sample is fresher than the cache TTL.
func (m *Monitor) Snapshot() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid && time.Since(m.cached.SampledAt) < m.cacheTTL {
		return m.cached, nil
	}

	vm, err := m.sampler.VirtualMemory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to sample memory: %w", err)
	}

	cpuPct, err := m.sampler.CPUPercent(m.sampleInterval)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to sample cpu: %w", err)
	}

	m.cached = Snapshot{
		AvailableMemoryMB: int(vm.Available / (1024 * 1024)),
		TotalMemoryMB:     int(vm.Total / (1024 * 1024)),
		UsedMemoryPercent: vm.UsedPercent,
		CPUPercent:        cpuPct,
		SampledAt:         time.Now(),
	}
	m.valid = true

	return m.cached, nil
}

// AvailableMemoryMB returns the memory currently available on the host.
func (m *Monitor) AvailableMemoryMB() (int, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return 0, err
	}
	return snap.AvailableMemoryMB, nil
}

// CPUPercent returns current host CPU usage.
func (m *Monitor) CPUPercent() (float64, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return 0, err
	}
	return snap.CPUPercent, nil
}

// HasSufficientResources reports whether a job needing requiredMB of memory
// can start while keeping CPU under cpuThreshold. A cpuThreshold of 0 uses
// DefaultCPUThreshold.
func (m *Monitor) HasSufficientResources(requiredMB int, cpuThreshold float64) (bool, error) {
	if cpuThreshold == 0 {
		cpuThreshold = DefaultCPUThreshold
	}

	snap, err := m.Snapshot()
	if err != nil {
		return false, err
	}

	return snap.AvailableMemoryMB >= requiredMB && snap.CPUPercent < cpuThreshold, nil
}
