// Package generation builds prompts, runs single-shot and chunked streaming
// generation against a loaded model, and applies the quality controls
// (stop markers, repetition detection, adaptive chunking, max_time).
package generation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"locallab/internal/backend"
	"locallab/internal/fallback"
	"locallab/pkg/types"
)

// Chunk sizing defaults.
const (
	DefaultChunkSize     = 4
	DefaultMinChunkSize  = 1
	DefaultMaxChunkSize  = 16
	DefaultPressureCheck = 16

	// oomRetryMaxTokens caps a single-shot retry after an out-of-memory error.
	oomRetryMaxTokens = 256
)

// Finish reasons.
const (
	FinishStop       = "stop"
	FinishLength     = "length"
	FinishRepetition = "repetition"
	FinishTimeout    = "timeout"
	FinishCanceled   = "canceled"
	FinishError      = "error"
)

// Runner executes blocking model calls away from the caller goroutine.
// worker.Pool implements it.
type Runner interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

type inline struct{}

func (inline) Do(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

// Monitor is the memory pressure source consulted while streaming.
// resource.Monitor implements it.
type Monitor interface {
	Snapshot(ctx context.Context) types.ResourceSnapshot
	IsUnderPressure(s types.ResourceSnapshot, onGPU bool) bool
	ReleaseCaches(releasers ...func())
}

// Config tunes an Engine.
type Config struct {
	ChunkSize           int
	MinChunkSize        int
	MaxChunkSize        int
	PressureCheckTokens int
	Runner              Runner
	Monitor             Monitor
	Logger              zerolog.Logger
}

// Engine runs generations. It holds no per-request state.
type Engine struct {
	chunk, minChunk, maxChunk int
	checkEvery                int
	runner                    Runner
	monitor                   Monitor
	log                       zerolog.Logger
	now                       func() time.Time
}

// NewEngine applies defaults for zero Config fields.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		chunk:      cfg.ChunkSize,
		minChunk:   cfg.MinChunkSize,
		maxChunk:   cfg.MaxChunkSize,
		checkEvery: cfg.PressureCheckTokens,
		runner:     cfg.Runner,
		monitor:    cfg.Monitor,
		log:        cfg.Logger,
		now:        time.Now,
	}
	if e.chunk <= 0 {
		e.chunk = DefaultChunkSize
	}
	if e.minChunk <= 0 {
		e.minChunk = DefaultMinChunkSize
	}
	if e.maxChunk <= 0 {
		e.maxChunk = DefaultMaxChunkSize
	}
	if e.minChunk > e.chunk {
		e.minChunk = e.chunk
	}
	if e.maxChunk < e.chunk {
		e.maxChunk = e.chunk
	}
	if e.checkEvery <= 0 {
		e.checkEvery = DefaultPressureCheck
	}
	if e.runner == nil {
		e.runner = inline{}
	}
	return e
}

// Target is the model a generation borrows for its duration.
type Target struct {
	ModelID      string
	Weights      backend.Weights
	Tokenizer    backend.Tokenizer
	OnGPU        bool
	Format       string
	SystemPrompt string
	MaxLength    int
}

func (t Target) special() []string {
	if t.Tokenizer == nil {
		return nil
	}
	return t.Tokenizer.SpecialTokens()
}

// Result is a finished single-shot generation.
type Result struct {
	Text         string
	FinishReason string
	Tokens       int
	OOMRecovered bool
}

// prepare resolves params, renders the prompt and fits max_new_tokens into
// the context window.
func (e *Engine) prepare(t Target, in Input, p types.GenerationParams, streaming bool) (string, Params, error) {
	params, err := Resolve(p, t.MaxLength, streaming)
	if err != nil {
		return "", Params{}, err
	}
	prompt, err := BuildPrompt(in, t.Format, t.SystemPrompt)
	if err != nil {
		return "", Params{}, err
	}
	if t.Tokenizer != nil && t.MaxLength > 0 {
		n, err := t.Tokenizer.CountTokens(prompt)
		if err == nil {
			if n >= t.MaxLength {
				return "", Params{}, invalid("prompt", "%d tokens exceed the %d token context", n, t.MaxLength)
			}
			if room := t.MaxLength - n; params.MaxNewTokens > room {
				params.MaxNewTokens = room
			}
		}
	}
	return prompt, params, nil
}

// Generate runs one complete generation and post-processes the text. When
// max_time elapses after some output was produced the partial text is
// returned with FinishTimeout; with no output at all a *TimeoutError is
// returned.
func (e *Engine) Generate(ctx context.Context, t Target, in Input, p types.GenerationParams) (Result, error) {
	prompt, params, err := e.prepare(t, in, p, false)
	if err != nil {
		return Result{}, err
	}
	start := e.now()
	dctx, cancel := context.WithDeadline(ctx, start.Add(params.MaxTime))
	defer cancel()

	var res Result
	var raw strings.Builder
	budget := params.MaxNewTokens
	run := func(ctx context.Context) error {
		raw.Reset()
		res.Tokens = 0
		return e.runner.Do(ctx, func(ctx context.Context) error {
			sess, err := t.Weights.Start(ctx, prompt, params.Options())
			if err != nil {
				return err
			}
			defer sess.Close()
			ms := markers(params.Stop)
			for res.Tokens < budget {
				out, err := sess.Next(ctx, budget-res.Tokens)
				for _, piece := range out.Pieces {
					raw.WriteString(piece)
				}
				res.Tokens += len(out.Pieces)
				if err != nil {
					return err
				}
				if out.EOS || len(out.Pieces) == 0 {
					res.FinishReason = FinishStop
					return nil
				}
				if firstMarker(raw.String(), ms) >= 0 {
					res.FinishReason = FinishStop
					return nil
				}
			}
			res.FinishReason = FinishLength
			return nil
		})
	}
	err = fallback.RetryOnce(dctx, e.log, "generate", run, backend.IsOutOfMemory, func() {
		res.OOMRecovered = true
		e.releaseCaches(t)
		if budget > oomRetryMaxTokens {
			budget = oomRetryMaxTokens
		}
	})

	text := PostProcess(raw.String(), t.special(), params.Stop)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || dctx.Err() != nil:
		if text == "" {
			return Result{}, &TimeoutError{}
		}
		res.FinishReason = FinishTimeout
	case backend.IsOutOfMemory(err):
		return Result{}, &OutOfMemoryError{Partial: text, Cause: err}
	default:
		return Result{}, err
	}
	res.Text = text
	e.log.Debug().Str("event", "generate_done").Str("model", t.ModelID).
		Str("finish", res.FinishReason).Int("tokens", res.Tokens).
		Dur("elapsed", e.now().Sub(start)).Msg("")
	return res, nil
}

func (e *Engine) releaseCaches(t Target) {
	var rel func()
	if t.Weights != nil {
		rel = t.Weights.ReleaseCaches
	}
	if e.monitor != nil {
		e.monitor.ReleaseCaches(rel)
		return
	}
	if rel != nil {
		rel()
	}
}

// StreamOptions carries the hooks a caller attaches to a stream.
type StreamOptions struct {
	// Alive is checked at every chunk boundary; a non-nil error ends the
	// stream with that error.
	Alive func() error
	// OnDone runs exactly once when the stream reaches a terminal state.
	OnDone func(types.StreamSummary)
}

// Stream starts a chunked generation. The returned stream owns a backend
// session until it finishes or is closed.
func (e *Engine) Stream(ctx context.Context, t Target, in Input, p types.GenerationParams, opts StreamOptions) (*Stream, error) {
	prompt, params, err := e.prepare(t, in, p, true)
	if err != nil {
		return nil, err
	}
	chunk := e.chunk
	if e.monitor != nil {
		snap := e.monitor.Snapshot(ctx)
		if e.monitor.IsUnderPressure(snap, t.OnGPU) {
			e.releaseCaches(t)
			chunk = max(e.minChunk, chunk/2)
			e.log.Info().Str("event", "stream_pressure").Str("model", t.ModelID).Int("chunk", chunk).Msg("starting under memory pressure")
		}
	}
	var sess backend.Session
	err = e.runner.Do(ctx, func(ctx context.Context) error {
		s, err := t.Weights.Start(ctx, prompt, params.Options())
		sess = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return newStream(e, t, sess, params, chunk, opts), nil
}
