// Package backend defines the weight and tokenizer source the model loader
// consumes, the architecture strategies used to pick model classes, and the
// error predicates the loader and generation engine rely on.
package backend

import (
	"context"
	"errors"
	"time"

	"locallab/internal/placement"
	"locallab/pkg/types"
)

// Class is the model class a source is asked to instantiate.
type Class string

const (
	ClassCausalLM       Class = "causal-lm"
	ClassVisionLanguage Class = "vision-language"
	ClassGeneric        Class = "generic"
	ClassVisionSeq2Seq  Class = "vision-seq2seq"
)

// TokenizerKind selects between a plain tokenizer and a multimodal processor.
type TokenizerKind string

const (
	KindTokenizer TokenizerKind = "tokenizer"
	KindProcessor TokenizerKind = "processor"
)

// ErrUnavailable is returned by sources that were not compiled in.
var ErrUnavailable = errors.New("backend unavailable")

// Options are the per-session sampling options.
type Options struct {
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	DoSample          bool
	Seed              int
	Stop              []string
	MaxTime           time.Duration
	// MaxTokens caps the whole session. Zero leaves it to the backend.
	MaxTokens int
}

// Output is the result of one Session.Next call. Pieces holds the decoded
// text of each newly produced token. EOS is set when the model emitted its
// end-of-sequence token.
type Output struct {
	Pieces []string
	EOS    bool
}

// Session is a single generation run. Next continues from the current token
// position. Sessions are not safe for concurrent use.
type Session interface {
	Next(ctx context.Context, maxTokens int) (Output, error)
	Close() error
}

// Weights is a loaded model.
type Weights interface {
	Start(ctx context.Context, prompt string, opts Options) (Session, error)
	// ReleaseCaches frees allocator caches held by the runtime. Best effort.
	ReleaseCaches()
	Close() error
}

// Tokenizer is the text-side handle loaded alongside the weights.
type Tokenizer interface {
	CountTokens(text string) (int, error)
	// SpecialTokens lists control tokens stripped from decoded output.
	SpecialTokens() []string
}

// LoadRequest describes one weight-loading attempt.
type LoadRequest struct {
	SourceID      string
	Class         Class
	Plan          placement.LoadPlan
	Optimizations types.OptimizationFlags
}

// Capabilities describes what a source supports.
type Capabilities struct {
	Quantization placement.Capabilities
	// ConcurrentInference is true when several sessions may run on the same
	// weights at once.
	ConcurrentInference bool
}

// Source fetches weights and tokenizers. Calls may be slow and network
// bound; errors are opaque.
type Source interface {
	LoadTokenizer(ctx context.Context, sourceID string, kind TokenizerKind) (Tokenizer, error)
	LoadWeights(ctx context.Context, req LoadRequest) (Weights, error)
	Capabilities() Capabilities
}
