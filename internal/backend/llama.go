//go:build llama

package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"locallab/internal/common/fsutil"
	"locallab/pkg/types"
)

// LlamaConfig configures the in-process llama.cpp source.
type LlamaConfig struct {
	ContextSize int
	Threads     int
	// GPULayers is the layer count offloaded when a plan targets cuda.
	// Zero offloads every layer.
	GPULayers int
}

// LlamaSource loads GGUF models in-process through go-llama.cpp. Source ids
// are file paths; quantization is baked into the GGUF file, so the source
// reports no runtime quantization kernels.
type LlamaSource struct {
	cfg LlamaConfig

	mu     sync.Mutex
	loaded map[string]*llamaWeights
}

// NewLlamaSource returns a llama.cpp backed Source.
func NewLlamaSource(cfg LlamaConfig) Source {
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = 2048
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	return &LlamaSource{cfg: cfg, loaded: make(map[string]*llamaWeights)}
}

func (s *LlamaSource) Capabilities() Capabilities {
	return Capabilities{}
}

func (s *LlamaSource) LoadTokenizer(ctx context.Context, sourceID string, kind TokenizerKind) (Tokenizer, error) {
	if kind == KindProcessor {
		return nil, errors.New("llama.cpp source has no multimodal processor")
	}
	p, err := fsutil.ExpandHome(sourceID)
	if err != nil {
		return nil, err
	}
	if !fsutil.PathExists(p) {
		return nil, fmt.Errorf("model file not found: %s", sourceID)
	}
	return &llamaTokenizer{src: s, path: p}, nil
}

func (s *LlamaSource) LoadWeights(ctx context.Context, req LoadRequest) (Weights, error) {
	if req.Class == ClassVisionLanguage || req.Class == ClassVisionSeq2Seq {
		return nil, fmt.Errorf("llama.cpp source cannot load class %s", req.Class)
	}
	p, err := fsutil.ExpandHome(req.SourceID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p) == "" {
		return nil, errors.New("model path is empty")
	}
	opts := []llama.ModelOption{llama.SetContext(s.cfg.ContextSize), llama.SetMMap(true)}
	if req.Plan.Device.IsGPU() {
		layers := s.cfg.GPULayers
		if layers <= 0 {
			layers = 9999
		}
		opts = append(opts, llama.SetGPULayers(layers))
	}
	if req.Plan.Quantization == types.QuantFP16 {
		opts = append(opts, llama.EnableF16Memory)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := llama.New(p, opts...)
	if err != nil {
		return nil, err
	}
	w := &llamaWeights{src: s, path: p, model: m, threads: s.cfg.Threads}
	s.mu.Lock()
	s.loaded[p] = w
	s.mu.Unlock()
	return w, nil
}

type llamaTokenizer struct {
	src  *LlamaSource
	path string
}

// CountTokens uses the loaded model's vocabulary when available and falls
// back to a four-bytes-per-token estimate otherwise.
func (t *llamaTokenizer) CountTokens(text string) (int, error) {
	t.src.mu.Lock()
	w := t.src.loaded[t.path]
	t.src.mu.Unlock()
	if w == nil {
		return (len(text) + 3) / 4, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return (len(text) + 3) / 4, nil
	}
	n, _, err := w.model.TokenizeString(text, llama.SetThreads(w.threads))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *llamaTokenizer) SpecialTokens() []string {
	return []string{"<s>", "</s>", "<unk>"}
}

// llamaWeights owns one llama.cpp context. Predictions are serialized
// because a context cannot run two at once.
type llamaWeights struct {
	src     *LlamaSource
	path    string
	threads int

	mu    sync.Mutex
	model *llama.LLama

	smu      sync.Mutex
	sessions map[*callbackSession]struct{}
}

// Start launches a single Predict for the whole session; Next calls take
// tokens from it as they are produced.
func (w *llamaWeights) Start(ctx context.Context, prompt string, opts Options) (Session, error) {
	w.mu.Lock()
	ready := w.model != nil
	w.mu.Unlock()
	if !ready {
		return nil, errors.New("llama model not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newCallbackSession(func(emit func(string) bool) error {
		return w.predict(prompt, opts, emit)
	})
	w.smu.Lock()
	if w.sessions == nil {
		w.sessions = make(map[*callbackSession]struct{})
	}
	w.sessions[s] = struct{}{}
	w.smu.Unlock()
	go func() {
		<-s.done
		w.forget(s)
	}()
	return s, nil
}

func (w *llamaWeights) predict(prompt string, opts Options, emit func(string) bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return errors.New("llama model released")
	}
	po := append(predictOptions(opts, w.threads), llama.SetTokenCallback(emit))
	_, err := w.model.Predict(prompt, po...)
	return err
}

func (w *llamaWeights) forget(s *callbackSession) {
	w.smu.Lock()
	delete(w.sessions, s)
	w.smu.Unlock()
}

func (w *llamaWeights) ReleaseCaches() {}

// Close stops live sessions and frees the context.
func (w *llamaWeights) Close() error {
	w.smu.Lock()
	live := make([]*callbackSession, 0, len(w.sessions))
	for s := range w.sessions {
		live = append(live, s)
	}
	w.smu.Unlock()
	for _, s := range live {
		_ = s.Close()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model != nil {
		w.model.Free()
		w.model = nil
	}
	w.src.mu.Lock()
	if w.src.loaded[w.path] == w {
		delete(w.src.loaded, w.path)
	}
	w.src.mu.Unlock()
	return nil
}

func orFloat(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// predictOptions converts session options into go-llama.cpp options.
func predictOptions(o Options, threads int) []llama.PredictOption {
	tokens := o.MaxTokens
	if tokens <= 0 {
		tokens = llama.DefaultOptions.Tokens
	}
	temp := orFloat(o.Temperature, llama.DefaultOptions.Temperature)
	if !o.DoSample {
		temp = 0
	}
	po := []llama.PredictOption{
		llama.SetTokens(tokens),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(orFloat(o.TopP, llama.DefaultOptions.TopP)),
		llama.SetTemperature(temp),
		llama.SetPenalty(orFloat(o.RepetitionPenalty, llama.DefaultOptions.Penalty)),
	}
	if o.TopK > 0 {
		po = append(po, llama.SetTopK(o.TopK))
	}
	if o.Seed != 0 {
		po = append(po, llama.SetSeed(o.Seed))
	}
	if len(o.Stop) > 0 {
		po = append(po, llama.SetStopWords(o.Stop...))
	}
	return po
}
