package types

import (
	"encoding/json"
	"strconv"
	"strings"
)

// GenerationParams carries optional generation options. Nil fields take the
// server defaults.
type GenerationParams struct {
	// Maximum number of new tokens to generate.
	// example: 128
	MaxNewTokens *int `json:"max_new_tokens,omitempty" example:"128"`
	// Sampling temperature (0 = greedy).
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK *int `json:"top_k,omitempty" example:"40"`
	// Penalty applied to repeated tokens.
	// example: 1.1
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" example:"1.1"`
	// Wall-clock cap in seconds.
	// example: 30
	MaxTime *float64 `json:"max_time,omitempty" example:"30"`
	// Enables stochastic sampling.
	DoSample *bool `json:"do_sample,omitempty"`
	// Extra stop sequences.
	Stop []string `json:"stop,omitempty"`
	// Random seed; nil lets the backend choose.
	Seed *int `json:"seed,omitempty"`
}

// IsDefault reports whether no option was set.
func (p GenerationParams) IsDefault() bool {
	return p.MaxNewTokens == nil && p.Temperature == nil && p.TopP == nil && p.TopK == nil &&
		p.RepetitionPenalty == nil && p.MaxTime == nil && p.DoSample == nil && len(p.Stop) == 0 && p.Seed == nil
}

// Ptr returns a pointer to v. Handy for building GenerationParams literals.
func Ptr[T any](v T) *T { return &v }

// Flag is a boolean that tolerates string-typed configuration sources.
// Empty strings and the words false, 0, none, off and no decode as false.
type Flag bool

// ParseFlag applies the Flag decoding rules to s.
func ParseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "none", "off", "no", "n", "f":
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return true
}

// Decode implements envconfig.Decoder.
func (f *Flag) Decode(value string) error {
	*f = Flag(ParseFlag(value))
	return nil
}

// UnmarshalText lets YAML and TOML scalars of any kind populate a Flag.
func (f *Flag) UnmarshalText(b []byte) error {
	*f = Flag(ParseFlag(string(b)))
	return nil
}

// UnmarshalJSON accepts JSON booleans, strings, numbers and null.
func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*f = false
	case bool:
		*f = Flag(x)
	case string:
		*f = Flag(ParseFlag(x))
	case float64:
		*f = x != 0
	default:
		*f = false
	}
	return nil
}

// OptimizationFlags are the load-time optimizations requested by the caller.
type OptimizationFlags struct {
	EnableQuantization Flag `json:"enable_quantization" yaml:"enable_quantization" toml:"enable_quantization" envconfig:"ENABLE_QUANTIZATION"`
	// fp16, int8 or int4. Empty, "none" and "false" mean no preference.
	QuantizationType  string `json:"quantization_type,omitempty" yaml:"quantization_type" toml:"quantization_type" envconfig:"QUANTIZATION_TYPE"`
	AttentionSlicing  Flag   `json:"attention_slicing" yaml:"attention_slicing" toml:"attention_slicing" envconfig:"ENABLE_ATTENTION_SLICING"`
	FlashAttention    Flag   `json:"flash_attention" yaml:"flash_attention" toml:"flash_attention" envconfig:"ENABLE_FLASH_ATTENTION"`
	BetterTransformer Flag   `json:"better_transformer" yaml:"better_transformer" toml:"better_transformer" envconfig:"ENABLE_BETTERTRANSFORMER"`
	CPUOffloading     Flag   `json:"cpu_offloading" yaml:"cpu_offloading" toml:"cpu_offloading" envconfig:"ENABLE_CPU_OFFLOADING"`
}

// Enabled lists the names of the enabled optimizations.
func (o OptimizationFlags) Enabled() []string {
	var out []string
	if o.EnableQuantization {
		out = append(out, "quantization")
	}
	if o.AttentionSlicing {
		out = append(out, "attention_slicing")
	}
	if o.FlashAttention {
		out = append(out, "flash_attention")
	}
	if o.BetterTransformer {
		out = append(out, "better_transformer")
	}
	if o.CPUOffloading {
		out = append(out, "cpu_offloading")
	}
	return out
}
