package manager

import (
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
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 2 * time.Minute
	defaultWorkers       = 2
	defaultMaxHops       = registry.MaxChainLength
	defaultModelTimeout  = time.Hour
	// closeGrace bounds the wait for outstanding leases after a forced drain.
	closeGrace = 5 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry *registry.Registry
	Source   backend.Source
	Monitor  *resource.Monitor

	MinFreeGPUMB int
	// Streaming chunk sizing, see generation.Config.
	ChunkSize           int
	MinChunkSize        int
	MaxChunkSize        int
	PressureCheckTokens int

	MaxQueueDepth   int
	MaxWait         time.Duration
	DrainTimeout    time.Duration
	Workers         int
	MaxFallbackHops int
	// ResponseCacheSize bounds the single-shot response cache; negative disables it.
	ResponseCacheSize int
	// ModelTimeout is the idle period after which RunIdleUnloader unloads.
	ModelTimeout time.Duration

	Publisher EventPublisher
	Recorder  Recorder
	Metrics   *Metrics
	Tracer    trace.Tracer
	Logger    zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateUnloaded,
		registry:     cfg.Registry,
		source:       cfg.Source,
		monitor:      cfg.Monitor,
		publisher:    cfg.Publisher,
		recorder:     cfg.Recorder,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		log:          cfg.Logger,
		now:          time.Now,
		pollInterval: 10 * time.Millisecond,
	}
	if m.registry == nil {
		m.registry = registry.Default()
	}
	if m.source == nil {
		m.source = backend.NewLlamaSource(backend.LlamaConfig{})
	}
	if m.monitor == nil {
		m.monitor = resource.NewMonitor(resource.MonitorConfig{Logger: cfg.Logger})
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.recorder == nil {
		m.recorder = noopRecorder{}
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.tracer == nil {
		m.tracer = defaultTracer()
	}
	m.maxQueueDepth = orDefault(cfg.MaxQueueDepth, defaultMaxQueueDepth)
	m.maxWait = orDuration(cfg.MaxWait, defaultMaxWait)
	m.drainTimeout = orDuration(cfg.DrainTimeout, defaultDrainTimeout)
	m.workers = orDefault(cfg.Workers, defaultWorkers)
	m.maxHops = orDefault(cfg.MaxFallbackHops, defaultMaxHops)
	m.modelTimeout = orDuration(cfg.ModelTimeout, defaultModelTimeout)

	m.selector = placement.Selector{Probe: m.monitor.Probe(), MinFreeGPUMB: cfg.MinFreeGPUMB}
	m.pool = worker.New(m.workers, cfg.Logger)
	m.engine = generation.NewEngine(generation.Config{
		ChunkSize:           cfg.ChunkSize,
		MinChunkSize:        cfg.MinChunkSize,
		MaxChunkSize:        cfg.MaxChunkSize,
		PressureCheckTokens: cfg.PressureCheckTokens,
		Runner:              m.pool,
		Monitor:             m.monitor,
		Logger:              cfg.Logger,
	})
	if cfg.ResponseCacheSize >= 0 {
		size := orDefault(cfg.ResponseCacheSize, defaultCacheSize)
		if c, err := lru.New[uint64, string](size); err == nil {
			m.cache = c
		}
	}
	m.startTime = m.now()
	return m
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
