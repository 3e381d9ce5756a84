package generation

import (
	"math"
	"strings"
	"time"

	"locallab/internal/backend"
	"locallab/pkg/types"
)

// Defaults for unset GenerationParams fields.
const (
	DefaultMaxNewTokens      = 512
	DefaultTemperature       = 0.7
	DefaultTopP              = 0.9
	DefaultTopK              = 40
	DefaultRepetitionPenalty = 1.1
	DefaultSingleMaxTime     = 30 * time.Second
	DefaultStreamMaxTime     = 120 * time.Second

	maxTopK    = 1000
	maxTimeCap = 600 * time.Second
)

// Params is the validated, defaulted form of types.GenerationParams.
type Params struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	DoSample          bool
	MaxTime           time.Duration
	Stop              []string
	Seed              int
}

func badFloat(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }

// Resolve validates p and fills defaults. max_new_tokens is capped at
// maxLength when maxLength is positive.
func Resolve(p types.GenerationParams, maxLength int, streaming bool) (Params, error) {
	out := Params{
		MaxNewTokens:      DefaultMaxNewTokens,
		Temperature:       DefaultTemperature,
		TopP:              DefaultTopP,
		TopK:              DefaultTopK,
		RepetitionPenalty: DefaultRepetitionPenalty,
		DoSample:          true,
		MaxTime:           DefaultSingleMaxTime,
	}
	if streaming {
		out.MaxTime = DefaultStreamMaxTime
	}

	if p.MaxNewTokens != nil {
		if *p.MaxNewTokens < 1 {
			return Params{}, invalid("max_new_tokens", "must be >= 1, got %d", *p.MaxNewTokens)
		}
		out.MaxNewTokens = *p.MaxNewTokens
	}
	if maxLength > 0 && out.MaxNewTokens > maxLength {
		out.MaxNewTokens = maxLength
	}
	if p.Temperature != nil {
		v := *p.Temperature
		if badFloat(v) || v < 0 || v > 2 {
			return Params{}, invalid("temperature", "must be within [0, 2], got %v", v)
		}
		out.Temperature = v
	}
	if p.TopP != nil {
		v := *p.TopP
		if badFloat(v) || v <= 0 || v > 1 {
			return Params{}, invalid("top_p", "must be within (0, 1], got %v", v)
		}
		out.TopP = v
	}
	if p.TopK != nil {
		if *p.TopK < 0 || *p.TopK > maxTopK {
			return Params{}, invalid("top_k", "must be within [0, %d], got %d", maxTopK, *p.TopK)
		}
		out.TopK = *p.TopK
	}
	if p.RepetitionPenalty != nil {
		v := *p.RepetitionPenalty
		if badFloat(v) || v <= 0 || v > 2 {
			return Params{}, invalid("repetition_penalty", "must be within (0, 2], got %v", v)
		}
		out.RepetitionPenalty = v
	}
	if p.MaxTime != nil {
		v := *p.MaxTime
		if badFloat(v) || v <= 0 || time.Duration(v*float64(time.Second)) > maxTimeCap {
			return Params{}, invalid("max_time", "must be within (0, %v], got %vs", maxTimeCap.Seconds(), v)
		}
		out.MaxTime = time.Duration(v * float64(time.Second))
	}
	if p.DoSample != nil {
		out.DoSample = *p.DoSample
	}
	if out.Temperature == 0 {
		out.DoSample = false
	}
	for _, s := range p.Stop {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out.Stop = append(out.Stop, s)
	}
	if p.Seed != nil {
		if *p.Seed < 0 {
			return Params{}, invalid("seed", "must be >= 0, got %d", *p.Seed)
		}
		out.Seed = *p.Seed
	}
	return out, nil
}

// Options converts p into backend sampling options.
func (p Params) Options() backend.Options {
	return backend.Options{
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		TopK:              p.TopK,
		RepetitionPenalty: p.RepetitionPenalty,
		DoSample:          p.DoSample,
		Seed:              p.Seed,
		Stop:              append([]string(nil), p.Stop...),
		MaxTime:           p.MaxTime,
		MaxTokens:         p.MaxNewTokens,
	}
}
