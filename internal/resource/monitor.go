package resource

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"locallab/pkg/types"
)

// Defaults applied when MonitorConfig fields are unset.
const (
	defaultValidity   = 300 * time.Millisecond
	defaultGPUFloorMB = 512
	defaultRAMFloorMB = 1024
	// gpuUsageCeiling marks pressure when this fraction of device memory is in use.
	gpuUsageCeiling = 0.9
)

// MonitorConfig tunes a Monitor.
type MonitorConfig struct {
	Probe      Probe
	Validity   time.Duration
	GPUFloorMB int
	RAMFloorMB int
	Logger     zerolog.Logger
}

// Monitor produces resource snapshots and decides whether memory is under
// pressure. Snapshots are reused for at most Validity.
type Monitor struct {
	probe      Probe
	validity   time.Duration
	gpuFloorMB int
	ramFloorMB int
	log        zerolog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last types.ResourceSnapshot
}

// NewMonitor constructs a Monitor, applying defaults for zero fields.
func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		probe:      cfg.Probe,
		validity:   cfg.Validity,
		gpuFloorMB: cfg.GPUFloorMB,
		ramFloorMB: cfg.RAMFloorMB,
		log:        cfg.Logger,
		now:        time.Now,
	}
	if m.probe == nil {
		m.probe = SystemProbe{}
	}
	if m.validity <= 0 {
		m.validity = defaultValidity
	}
	if m.gpuFloorMB <= 0 {
		m.gpuFloorMB = defaultGPUFloorMB
	}
	if m.ramFloorMB <= 0 {
		m.ramFloorMB = defaultRAMFloorMB
	}
	return m
}

// Probe exposes the underlying provider for placement decisions.
func (m *Monitor) Probe() Probe { return m.probe }

// Snapshot returns a fresh snapshot, or the previous one if it is younger
// than the validity window.
func (m *Monitor) Snapshot(ctx context.Context) types.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.last.Timestamp.IsZero() && now.Sub(m.last.Timestamp) < m.validity {
		return m.last
	}
	s := types.ResourceSnapshot{
		GPUCount:  m.probe.GPUCount(ctx),
		FreeRAMMB: m.probe.FreeHostMemoryMB(ctx),
		Timestamp: now,
	}
	if s.GPUCount > 0 {
		s.FreeGPUMB = m.probe.FreeGPUMemoryMB(ctx)
		s.TotalGPUMB = m.probe.TotalGPUMemoryMB(ctx)
	}
	m.last = s
	return s
}

// Invalidate drops the cached snapshot so the next call re-probes.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.last = types.ResourceSnapshot{}
	m.mu.Unlock()
}

// IsUnderPressure reports whether s is below the configured floor for the
// device family the resident model runs on. Zero readings mean the value
// is unavailable and never count as pressure.
func (m *Monitor) IsUnderPressure(s types.ResourceSnapshot, onGPU bool) bool {
	if onGPU {
		if s.GPUCount == 0 {
			return false
		}
		if s.FreeGPUMB > 0 && s.FreeGPUMB < m.gpuFloorMB {
			return true
		}
		if s.TotalGPUMB > 0 {
			used := float64(s.TotalGPUMB-s.FreeGPUMB) / float64(s.TotalGPUMB)
			return used > gpuUsageCeiling
		}
		return false
	}
	return s.FreeRAMMB > 0 && s.FreeRAMMB < m.ramFloorMB
}

// ReleaseCaches runs the given backend cache releasers, then forces a
// garbage collection and returns freed memory to the OS. Best effort.
func (m *Monitor) ReleaseCaches(releasers ...func()) {
	for _, r := range releasers {
		if r != nil {
			r()
		}
	}
	runtime.GC()
	debug.FreeOSMemory()
	m.Invalidate()
	m.log.Debug().Str("event", "cache_release").Msg("memory caches released")
}
