package types

import "time"

// Device is a physical placement target for model weights.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda:0"
)

// IsGPU reports whether d is a CUDA device.
func (d Device) IsGPU() bool { return len(d) >= 4 && d[:4] == "cuda" }

// Quantization is the numeric precision used for loaded weights.
type Quantization string

const (
	QuantNone Quantization = "none"
	QuantFP16 Quantization = "fp16"
	QuantInt8 Quantization = "int8"
	QuantInt4 Quantization = "int4"
)

// ModelEntry describes a registry entry for GET /models/available.
type ModelEntry struct {
	// Short registry id.
	// example: qwen-0.5b
	ID string `json:"id" example:"qwen-0.5b"`
	// Display name.
	// example: Qwen2.5 0.5B Instruct
	Name string `json:"name" example:"Qwen2.5 0.5B Instruct"`
	// Identifier handed to the weight source (hub id or local path).
	// example: Qwen/Qwen2.5-0.5B-Instruct
	SourceID    string `json:"source_id" example:"Qwen/Qwen2.5-0.5B-Instruct"`
	Description string `json:"description,omitempty"`
	// Static VRAM estimate in MB (0 when unknown).
	// example: 1000
	VRAMEstimateMB int `json:"vram_estimate_mb" example:"1000"`
	// Static host RAM estimate in MB (0 when unknown).
	// example: 2000
	RAMEstimateMB int `json:"ram_estimate_mb" example:"2000"`
	// example: 2048
	MaxLength  int    `json:"max_length" example:"2048"`
	FallbackID string `json:"fallback_id,omitempty"`
	// Local is true for entries discovered in the models directory.
	Local bool `json:"local,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models/available.
type ModelsResponse struct {
	Models []ModelEntry `json:"models"`
}

// ModelInfo describes the resident model.
type ModelInfo struct {
	// Registry id (or external identifier) of the loaded model.
	// example: qwen-0.5b
	ID string `json:"model_id" example:"qwen-0.5b"`
	// Id originally requested; differs from ID when a registry fallback served the load.
	RequestedID  string       `json:"requested_id,omitempty"`
	Name         string       `json:"name"`
	SourceID     string       `json:"source_id"`
	Architecture string       `json:"architecture"`
	Device       Device       `json:"device" example:"cpu"`
	Quantization Quantization `json:"quantization" example:"none"`
	UseProcessor bool         `json:"use_processor"`
	MaxLength    int          `json:"max_length"`
	// example: 1000
	VRAMEstimateMB int `json:"vram_estimate_mb"`
	// example: 2000
	RAMEstimateMB int               `json:"ram_estimate_mb"`
	Optimizations OptimizationFlags `json:"optimizations"`
	LoadedAt      time.Time         `json:"loaded_at"`
}

// ResourceSnapshot is a point-in-time view of free memory.
type ResourceSnapshot struct {
	// example: 3500
	FreeGPUMB int `json:"free_gpu_mb" example:"3500"`
	// example: 8192
	TotalGPUMB int `json:"total_gpu_mb" example:"8192"`
	// example: 12000
	FreeRAMMB int       `json:"free_ram_mb" example:"12000"`
	GPUCount  int       `json:"gpu_count"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadRequest is the body of POST /models/load.
type LoadRequest struct {
	// example: qwen-0.5b
	ModelID string            `json:"model_id" example:"qwen-0.5b"`
	Flags   OptimizationFlags `json:"flags"`
}

// Message is one role-tagged chat turn.
type Message struct {
	// system, user or assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// example: Tell me a story
	Content string `json:"content" example:"Tell me a story"`
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// example: Tell me a story
	Prompt string `json:"prompt" example:"Tell me a story"`
	// Optional system instruction replacing the model default.
	System string `json:"system_prompt,omitempty"`
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	GenerationParams
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
	GenerationParams
}

// BatchRequest is the body of POST /generate/batch.
type BatchRequest struct {
	Prompts []string `json:"prompts"`
	GenerationParams
}

// BatchItem is one entry of a batch response.
type BatchItem struct {
	Index int    `json:"index"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchResponse wraps batch results.
type BatchResponse struct {
	Model   string      `json:"model"`
	Results []BatchItem `json:"results"`
}

// GenerateResponse is returned by non-streaming /generate and /chat.
type GenerateResponse struct {
	// example: Once upon a time...
	Text  string `json:"response" example:"Once upon a time..."`
	Model string `json:"model"`
}

// StreamChunk is one NDJSON line of a streaming response.
type StreamChunk struct {
	Token        string `json:"token,omitempty"`
	Done         bool   `json:"done,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Tokens       int    `json:"tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status and GET /system/info.
type StatusResponse struct {
	// Lifecycle state: unloaded, loading, loaded, unloading, error.
	// example: loaded
	State        string     `json:"state" example:"loaded"`
	CurrentModel *ModelInfo `json:"current_model,omitempty"`
	// Last load error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Number of generations currently holding the model.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// example: 32
	MaxQueueDepth int              `json:"max_queue_depth" example:"32"`
	Resources     ResourceSnapshot `json:"resources"`
	// example: 3600
	UptimeSeconds  int64  `json:"uptime_seconds" example:"3600"`
	ServerTimeUnix int64  `json:"server_time_unix"`
	LastUsedUnix   int64  `json:"last_used_unix,omitempty"`
	RequestsTotal  uint64 `json:"requests_total"`
	LoadsTotal     uint64 `json:"loads_total"`
}

// StreamSummary describes how a streaming generation ended.
type StreamSummary struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	// stop, length, repetition, timeout, canceled or error.
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
	Tokens       int    `json:"tokens"`
	Text         string `json:"text,omitempty"`
	Error        string `json:"error,omitempty"`
	// ChunkResizes counts adaptive chunk size changes.
	ChunkResizes int           `json:"chunk_resizes,omitempty"`
	OOMRecovered bool          `json:"oom_recovered,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}
