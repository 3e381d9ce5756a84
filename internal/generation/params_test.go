package generation

import (
	"errors"
	"math"
	"testing"
	"time"

	"locallab/pkg/types"
)

func TestResolveDefaults(t *testing.T) {
	p, err := Resolve(types.GenerationParams{}, 2048, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.MaxNewTokens != 512 || p.Temperature != 0.7 || p.TopP != 0.9 || p.TopK != 40 || p.RepetitionPenalty != 1.1 || !p.DoSample {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.MaxTime != 30*time.Second {
		t.Fatalf("single-shot max_time default = %v", p.MaxTime)
	}
	s, _ := Resolve(types.GenerationParams{}, 2048, true)
	if s.MaxTime != 120*time.Second {
		t.Fatalf("stream max_time default = %v", s.MaxTime)
	}
}

func TestResolveCapsAtMaxLength(t *testing.T) {
	p, err := Resolve(types.GenerationParams{}, 256, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.MaxNewTokens != 256 {
		t.Fatalf("want 256 got %d", p.MaxNewTokens)
	}
	p, _ = Resolve(types.GenerationParams{MaxNewTokens: types.Ptr(5000)}, 1024, false)
	if p.MaxNewTokens != 1024 {
		t.Fatalf("want 1024 got %d", p.MaxNewTokens)
	}
}

func TestResolveRejectsOutOfRange(t *testing.T) {
	cases := map[string]types.GenerationParams{
		"max_new_tokens":     {MaxNewTokens: types.Ptr(0)},
		"temperature":        {Temperature: types.Ptr(2.5)},
		"top_p":              {TopP: types.Ptr(0.0)},
		"top_k":              {TopK: types.Ptr(-1)},
		"repetition_penalty": {RepetitionPenalty: types.Ptr(3.0)},
		"max_time":           {MaxTime: types.Ptr(601.0)},
		"seed":               {Seed: types.Ptr(-3)},
	}
	for field, in := range cases {
		_, err := Resolve(in, 2048, false)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: want ValidationError got %v", field, err)
		}
		if ve.Field != field {
			t.Fatalf("%s: field = %q", field, ve.Field)
		}
	}
	if _, err := Resolve(types.GenerationParams{Temperature: types.Ptr(math.NaN())}, 0, false); err == nil {
		t.Fatalf("NaN temperature accepted")
	}
}

func TestResolveZeroTemperatureIsGreedy(t *testing.T) {
	p, err := Resolve(types.GenerationParams{Temperature: types.Ptr(0.0), DoSample: types.Ptr(true)}, 0, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.DoSample {
		t.Fatalf("temperature 0 must disable sampling")
	}
	p, _ = Resolve(types.GenerationParams{Stop: []string{"", "  ", "END"}, MaxTime: types.Ptr(1.5)}, 0, false)
	if len(p.Stop) != 1 || p.Stop[0] != "END" {
		t.Fatalf("stop = %q", p.Stop)
	}
	if p.MaxTime != 1500*time.Millisecond {
		t.Fatalf("max_time = %v", p.MaxTime)
	}
	if o := p.Options(); o.MaxTime != p.MaxTime || len(o.Stop) != 1 || o.MaxTokens != p.MaxNewTokens {
		t.Fatalf("options = %+v", o)
	}
}
