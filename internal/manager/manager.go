package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"locallab/internal/backend"
	"locallab/internal/generation"
	"locallab/internal/placement"
	"locallab/internal/registry"
	"locallab/internal/resource"
	"locallab/internal/worker"
	"locallab/pkg/types"
)

// Manager is the explicit, constructed owner of the resident model. Load and
// Unload are serialized by loadMu; generation borrows the resident model
// through leases.
type Manager struct {
	mu      sync.RWMutex
	state   State
	res     *resident
	lastErr string

	loadMu sync.Mutex

	registry *registry.Registry
	source   backend.Source
	monitor  *resource.Monitor
	selector placement.Selector
	engine   *generation.Engine
	pool     *worker.Pool
	cache    *lru.Cache[uint64, string]

	publisher EventPublisher
	recorder  Recorder
	metrics   *Metrics
	tracer    trace.Tracer
	log       zerolog.Logger
	now       func() time.Time

	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration
	pollInterval  time.Duration
	workers       int
	maxHops       int
	modelTimeout  time.Duration

	startTime     time.Time
	lastUsed      time.Time
	requestsTotal atomic.Uint64
	loadsTotal    atomic.Uint64
}

// New builds a Manager over the given registry and source with package
// defaults for everything else.
func New(reg *registry.Registry, src backend.Source, log zerolog.Logger) *Manager {
	return NewWithConfig(ManagerConfig{Registry: reg, Source: src, Logger: log})
}

// Close stops the worker pool. The resident model is left to Unload.
func (m *Manager) Close() { m.pool.Close() }

// Ready reports whether a model is loaded and accepting generations.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.res != nil && !m.res.draining
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{State: m.state, Err: m.lastErr}
	if m.res != nil {
		info := m.res.info
		s.CurrentModel = &info
		s.Inflight = m.res.inflight
	}
	return s
}

// CurrentModelInfo returns a copy of the resident model's info, or nil.
func (m *Manager) CurrentModelInfo() *types.ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.res == nil {
		return nil
	}
	info := m.res.info
	return &info
}

// ResourceSnapshot returns the current free memory view.
func (m *Manager) ResourceSnapshot(ctx context.Context) types.ResourceSnapshot {
	return m.monitor.Snapshot(ctx)
}

// ListModels returns the registry entries.
func (m *Manager) ListModels() []types.ModelEntry {
	return m.registry.Entries()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
