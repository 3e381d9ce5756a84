package config

import "time"

// Defaults applied when the corresponding Config fields are unset.
const (
	DefaultAddr               = ":8000"
	DefaultMinFreeGPUMB       = 4000
	DefaultGPUPressureFloorMB = 512
	DefaultRAMPressureFloorMB = 1024
	DefaultSnapshotValidityMS = 300
	DefaultChunkSize          = 4
	DefaultMinChunkSize       = 1
	DefaultMaxChunkSize       = 16
	DefaultPressureCheck      = 16
	DefaultDrainTimeoutSec    = 120
	DefaultMaxQueueDepth      = 32
	DefaultMaxWaitSec         = 30
	DefaultWorkers            = 2
	DefaultMaxFallbackHops    = 8
	DefaultResponseCacheSize  = 100
	DefaultModelTimeoutSec    = 3600
	DefaultLlamaContext       = 2048
	DefaultModel              = "qwen-0.5b"
)

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DefaultModel == "" {
		c.DefaultModel = DefaultModel
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.MinFreeGPUMB = orInt(c.MinFreeGPUMB, DefaultMinFreeGPUMB)
	c.GPUPressureFloorMB = orInt(c.GPUPressureFloorMB, DefaultGPUPressureFloorMB)
	c.RAMPressureFloorMB = orInt(c.RAMPressureFloorMB, DefaultRAMPressureFloorMB)
	c.SnapshotValidityMS = orInt(c.SnapshotValidityMS, DefaultSnapshotValidityMS)
	c.ChunkSize = orInt(c.ChunkSize, DefaultChunkSize)
	c.MinChunkSize = orInt(c.MinChunkSize, DefaultMinChunkSize)
	c.MaxChunkSize = orInt(c.MaxChunkSize, DefaultMaxChunkSize)
	if c.MaxChunkSize < c.ChunkSize {
		c.MaxChunkSize = c.ChunkSize
	}
	if c.MinChunkSize > c.ChunkSize {
		c.MinChunkSize = c.ChunkSize
	}
	c.PressureCheckTokens = orInt(c.PressureCheckTokens, DefaultPressureCheck)
	c.DrainTimeoutSec = orInt(c.DrainTimeoutSec, DefaultDrainTimeoutSec)
	c.MaxQueueDepth = orInt(c.MaxQueueDepth, DefaultMaxQueueDepth)
	c.MaxWaitSec = orInt(c.MaxWaitSec, DefaultMaxWaitSec)
	c.Workers = orInt(c.Workers, DefaultWorkers)
	c.MaxFallbackHops = orInt(c.MaxFallbackHops, DefaultMaxFallbackHops)
	c.ResponseCacheSize = orInt(c.ResponseCacheSize, DefaultResponseCacheSize)
	c.ModelTimeoutSec = orInt(c.ModelTimeoutSec, DefaultModelTimeoutSec)
	c.LlamaContext = orInt(c.LlamaContext, DefaultLlamaContext)
	return c
}

// SnapshotValidity is the MemoryMonitor cache window.
func (c Config) SnapshotValidity() time.Duration {
	return time.Duration(c.SnapshotValidityMS) * time.Millisecond
}

// DrainTimeout bounds how long load/unload wait for in-flight generation.
func (c Config) DrainTimeout() time.Duration { return time.Duration(c.DrainTimeoutSec) * time.Second }

// MaxWait bounds how long a request waits for an admission slot.
func (c Config) MaxWait() time.Duration { return time.Duration(c.MaxWaitSec) * time.Second }

// ModelTimeout is the idle period after which an unused model is unloaded.
func (c Config) ModelTimeout() time.Duration { return time.Duration(c.ModelTimeoutSec) * time.Second }
