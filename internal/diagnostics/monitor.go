// Package diagnostics reports process and host resource state for the
// deep health endpoint.
package diagnostics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSnapshot is one point-in-time resource reading.
type ResourceSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Goroutines      int       `json:"goroutines"`
	HeapAllocBytes  uint64    `json:"heap_alloc_bytes"`
	CPUPercent      float64   `json:"cpu_percent"`
	HostMemPercent  float64   `json:"host_mem_percent"`
	DiskFreeBytes   uint64    `json:"disk_free_bytes"`
	ProcessRSSBytes uint64    `json:"process_rss_bytes"`
}

// HealthWarning flags a resource in a concerning state.
type HealthWarning struct {
	Level    string `json:"level"` // warning, critical
	Resource string `json:"resource"`
	Message  string `json:"message"`
}

// Monitor samples resource usage with a bounded history.
type Monitor struct {
	workspaceDir string

	mu      sync.Mutex
	history []ResourceSnapshot
	maxHist int
}

// NewMonitor creates a monitor. workspaceDir is the disk to watch for
// free space (where clones land).
func NewMonitor(workspaceDir string) *Monitor {
	return &Monitor{workspaceDir: workspaceDir, maxHist: 60}
}

// TakeSnapshot samples current resource usage and records it.
func (m *Monitor) TakeSnapshot() ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := ResourceSnapshot{
		Timestamp:      time.Now(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.HostMemPercent = vm.UsedPercent
	}
	if usage, err := disk.Usage(m.workspaceDir); err == nil {
		snap.DiskFreeBytes = usage.Free
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snap.ProcessRSSBytes = info.RSS
		}
	}

	m.mu.Lock()
	m.history = append(m.history, snap)
	if len(m.history) > m.maxHist {
		m.history = m.history[len(m.history)-m.maxHist:]
	}
	m.mu.Unlock()
	return snap
}

// CheckHealth evaluates the latest snapshot against thresholds.
func (m *Monitor) CheckHealth() []HealthWarning {
	snap := m.TakeSnapshot()
	var warnings []HealthWarning

	if snap.HostMemPercent > 95 {
		warnings = append(warnings, HealthWarning{Level: "critical", Resource: "memory",
			Message: "host memory above 95%"})
	} else if snap.HostMemPercent > 85 {
		warnings = append(warnings, HealthWarning{Level: "warning", Resource: "memory",
			Message: "host memory above 85%"})
	}
	if snap.DiskFreeBytes > 0 && snap.DiskFreeBytes < 1<<30 {
		warnings = append(warnings, HealthWarning{Level: "warning", Resource: "disk",
			Message: "less than 1 GiB free on the workspace disk"})
	}
	if snap.Goroutines > 10_000 {
		warnings = append(warnings, HealthWarning{Level: "warning", Resource: "goroutines",
			Message: "goroutine count unusually high"})
	}
	return warnings
}

// History returns the recorded snapshots, oldest first.
func (m *Monitor) History() []ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResourceSnapshot, len(m.history))
	copy(out, m.history)
	return out
}
