package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"locallab/pkg/types"
)

// EnvPrefix prefixes every environment variable read by FromEnv. Unprefixed
// names (e.g. ENABLE_QUANTIZATION) are accepted as well.
const EnvPrefix = "LOCALLAB"

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr" envconfig:"ADDR"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir" envconfig:"MODELS_DIR"`
	RegistryFile string `json:"registry_file" yaml:"registry_file" toml:"registry_file" envconfig:"REGISTRY_FILE"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model" envconfig:"DEFAULT_MODEL"`

	// Placement and memory pressure.
	MinFreeGPUMB       int `json:"min_free_gpu_mb" yaml:"min_free_gpu_mb" toml:"min_free_gpu_mb" envconfig:"MIN_FREE_GPU_MB"`
	GPUPressureFloorMB int `json:"gpu_pressure_floor_mb" yaml:"gpu_pressure_floor_mb" toml:"gpu_pressure_floor_mb" envconfig:"GPU_PRESSURE_FLOOR_MB"`
	RAMPressureFloorMB int `json:"ram_pressure_floor_mb" yaml:"ram_pressure_floor_mb" toml:"ram_pressure_floor_mb" envconfig:"RAM_PRESSURE_FLOOR_MB"`
	SnapshotValidityMS int `json:"snapshot_validity_ms" yaml:"snapshot_validity_ms" toml:"snapshot_validity_ms" envconfig:"SNAPSHOT_VALIDITY_MS"`

	// Streaming chunk sizing.
	ChunkSize           int `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size" envconfig:"CHUNK_SIZE"`
	MinChunkSize        int `json:"min_chunk_size" yaml:"min_chunk_size" toml:"min_chunk_size" envconfig:"MIN_CHUNK_SIZE"`
	MaxChunkSize        int `json:"max_chunk_size" yaml:"max_chunk_size" toml:"max_chunk_size" envconfig:"MAX_CHUNK_SIZE"`
	PressureCheckTokens int `json:"pressure_check_tokens" yaml:"pressure_check_tokens" toml:"pressure_check_tokens" envconfig:"PRESSURE_CHECK_TOKENS"`

	// Admission and lifecycle.
	DrainTimeoutSec   int        `json:"drain_timeout_sec" yaml:"drain_timeout_sec" toml:"drain_timeout_sec" envconfig:"DRAIN_TIMEOUT_SEC"`
	MaxQueueDepth     int        `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth" envconfig:"MAX_QUEUE_DEPTH"`
	MaxWaitSec        int        `json:"max_wait_sec" yaml:"max_wait_sec" toml:"max_wait_sec" envconfig:"MAX_WAIT_SEC"`
	Workers           int        `json:"workers" yaml:"workers" toml:"workers" envconfig:"WORKERS"`
	MaxFallbackHops   int        `json:"max_fallback_hops" yaml:"max_fallback_hops" toml:"max_fallback_hops" envconfig:"MAX_FALLBACK_HOPS"`
	ResponseCacheSize int        `json:"response_cache_size" yaml:"response_cache_size" toml:"response_cache_size" envconfig:"RESPONSE_CACHE_SIZE"`
	UnloadUnused      types.Flag `json:"unload_unused" yaml:"unload_unused" toml:"unload_unused" envconfig:"UNLOAD_UNUSED_MODELS"`
	ModelTimeoutSec   int        `json:"model_timeout_sec" yaml:"model_timeout_sec" toml:"model_timeout_sec" envconfig:"MODEL_TIMEOUT"`

	// llama.cpp backend.
	LlamaContext   int `json:"llama_context" yaml:"llama_context" toml:"llama_context" envconfig:"LLAMA_CONTEXT"`
	LlamaThreads   int `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads" envconfig:"LLAMA_THREADS"`
	LlamaGPULayers int `json:"llama_gpu_layers" yaml:"llama_gpu_layers" toml:"llama_gpu_layers" envconfig:"LLAMA_GPU_LAYERS"`

	BookkeepingDB string   `json:"bookkeeping_db" yaml:"bookkeeping_db" toml:"bookkeeping_db" envconfig:"BOOKKEEPING_DB"`
	LogLevel      string   `json:"log_level" yaml:"log_level" toml:"log_level" envconfig:"LOG_LEVEL"`
	CORSOrigins   []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" envconfig:"CORS_ORIGINS"`

	types.OptimizationFlags `yaml:",inline"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	if err := DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DecodeFile unmarshals the file at path into out, choosing the codec by
// extension. The registry overlay file uses it too.
func DecodeFile(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, out)
	case ".json":
		return json.Unmarshal(b, out)
	case ".toml":
		return toml.Unmarshal(b, out)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv overlays environment variables onto cfg. Variables that are unset
// leave the corresponding field untouched.
func FromEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env config: %w", err)
	}
	return nil
}
