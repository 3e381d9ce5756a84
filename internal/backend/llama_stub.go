//go:build !llama

package backend

import (
	"context"
	"fmt"
)

// LlamaConfig configures the in-process llama.cpp source.
type LlamaConfig struct {
	ContextSize int
	Threads     int
	GPULayers   int
}

// unavailableSource satisfies Source without the 'llama' build tag. Every
// load fails so binaries built without CGO never fake inference.
type unavailableSource struct{}

// NewLlamaSource returns a Source whose loads fail with ErrUnavailable.
// Build with -tags=llama for the real implementation.
func NewLlamaSource(LlamaConfig) Source { return unavailableSource{} }

func (unavailableSource) Capabilities() Capabilities { return Capabilities{} }

func (unavailableSource) LoadTokenizer(context.Context, string, TokenizerKind) (Tokenizer, error) {
	return nil, fmt.Errorf("%w: llama support not built (missing 'llama' build tag)", ErrUnavailable)
}

func (unavailableSource) LoadWeights(context.Context, LoadRequest) (Weights, error) {
	return nil, fmt.Errorf("%w: llama support not built (missing 'llama' build tag)", ErrUnavailable)
}
