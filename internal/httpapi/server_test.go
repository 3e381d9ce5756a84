package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"locallab/internal/backend/backendtest"
	"locallab/internal/bookkeeping"
	"locallab/internal/generation"
	"locallab/internal/manager"
	"locallab/pkg/types"
)

type fakeService struct {
	models  []types.ModelEntry
	current *types.ModelInfo
	status  types.StatusResponse
	err     error
	model   *backendtest.Model

	loadedID string
	lastIn   generation.Input
	lastP    types.GenerationParams
}

func (f *fakeService) ListModels() []types.ModelEntry { return f.models }

func (f *fakeService) Load(_ context.Context, id string, _ types.OptimizationFlags) (types.ModelInfo, error) {
	if f.err != nil {
		return types.ModelInfo{}, f.err
	}
	f.loadedID = id
	f.current = &types.ModelInfo{ID: id, Device: types.DeviceCPU}
	return *f.current, nil
}

func (f *fakeService) Unload(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.current = nil
	return nil
}

func (f *fakeService) CurrentModelInfo() *types.ModelInfo { return f.current }

func (f *fakeService) Generate(_ context.Context, in generation.Input, p types.GenerationParams) (string, error) {
	f.lastIn, f.lastP = in, p
	if f.err != nil {
		return "", f.err
	}
	return "hello", nil
}

func (f *fakeService) GenerateStream(ctx context.Context, in generation.Input, p types.GenerationParams) (*generation.Stream, error) {
	f.lastIn, f.lastP = in, p
	if f.err != nil {
		return nil, f.err
	}
	e := generation.NewEngine(generation.Config{ChunkSize: 2, Logger: zerolog.Nop()})
	t := generation.Target{ModelID: "m", Weights: f.model, Tokenizer: backendtest.Tokenizer{}, MaxLength: 2048}
	return e.Stream(ctx, t, in, p, generation.StreamOptions{})
}

func (f *fakeService) GenerateBatch(_ context.Context, prompts []string, _ types.GenerationParams) []types.BatchItem {
	out := make([]types.BatchItem, len(prompts))
	for i, p := range prompts {
		out[i] = types.BatchItem{Index: i, Text: "re: " + p}
	}
	return out
}

func (f *fakeService) Status(context.Context) types.StatusResponse { return f.status }
func (f *fakeService) Ready() bool                                 { return f.current != nil }

type fakeHistory struct {
	model string
	limit int
}

func (h *fakeHistory) History(_ context.Context, model string, limit int) ([]bookkeeping.Entry, error) {
	h.model, h.limit = model, limit
	return []bookkeeping.Entry{{ID: "1", Kind: bookkeeping.KindLoad, ModelID: "qwen-0.5b"}}, nil
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "custom" }
func (e statusErr) StatusCode() int { return e.code }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v (%q)", err, w.Body.String())
	}
	return v
}

func TestModelsAvailable(t *testing.T) {
	svc := &fakeService{models: []types.ModelEntry{{ID: "a"}, {ID: "b"}}}
	w := do(t, NewMux(svc, nil), http.MethodGet, "/models/available", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	if body := decode[types.ModelsResponse](t, w); len(body.Models) != 2 {
		t.Fatalf("models=%v", body.Models)
	}
}

func TestLoadCurrentUnload(t *testing.T) {
	svc := &fakeService{}
	h := NewMux(svc, nil)
	if w := do(t, h, http.MethodGet, "/models/current", ""); w.Code != http.StatusNotFound {
		t.Fatalf("current before load: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before load: %d", w.Code)
	}
	w := do(t, h, http.MethodPost, "/models/load", `{"model_id":"qwen-0.5b","flags":{"enable_quantization":"false"}}`)
	if w.Code != http.StatusOK || svc.loadedID != "qwen-0.5b" {
		t.Fatalf("load: %d %s", w.Code, w.Body.String())
	}
	if info := decode[types.ModelInfo](t, do(t, h, http.MethodGet, "/models/current", "")); info.ID != "qwen-0.5b" {
		t.Fatalf("current=%+v", info)
	}
	if w := do(t, h, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz: %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/models/unload", ""); w.Code != http.StatusOK || svc.current != nil {
		t.Fatalf("unload: %d", w.Code)
	}
}

func TestLoadRequiresModelID(t *testing.T) {
	w := do(t, NewMux(&fakeService{}, nil), http.MethodPost, "/models/load", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRejectsNonJSON(t *testing.T) {
	h := NewMux(&fakeService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/generate", `{"prompt":`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", w.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	t.Cleanup(func() { SetMaxBodyBytes(0) })
	SetMaxBodyBytes(16)
	w := do(t, NewMux(&fakeService{}, nil), http.MethodPost, "/generate", `{"prompt":"`+strings.Repeat("x", 64)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGenerateSingleShot(t *testing.T) {
	svc := &fakeService{current: &types.ModelInfo{ID: "m"}}
	w := do(t, NewMux(svc, nil), http.MethodPost, "/generate", `{"prompt":"hi","system_prompt":"be brief","max_new_tokens":5,"stop":["END"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d %s", w.Code, w.Body.String())
	}
	body := decode[types.GenerateResponse](t, w)
	if body.Text != "hello" || body.Model != "m" {
		t.Fatalf("body=%+v", body)
	}
	if svc.lastIn.System != "be brief" || svc.lastP.MaxNewTokens == nil || *svc.lastP.MaxNewTokens != 5 || svc.lastP.Stop[0] != "END" {
		t.Fatalf("request not forwarded: %+v %+v", svc.lastIn, svc.lastP)
	}
}

func TestGenerateRequiresPrompt(t *testing.T) {
	if w := do(t, NewMux(&fakeService{}, nil), http.MethodPost, "/generate", `{"prompt":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if w := do(t, NewMux(&fakeService{}, nil), http.MethodPost, "/chat", `{"messages":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("chat status=%d", w.Code)
	}
}

func readChunks(t *testing.T, body []byte) []types.StreamChunk {
	t.Helper()
	var out []types.StreamChunk
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var c types.StreamChunk
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, c)
	}
	return out
}

func TestChatStreamsNDJSON(t *testing.T) {
	svc := &fakeService{model: &backendtest.Model{Tokens: []string{"Hel", "lo", " there"}}}
	w := do(t, NewMux(svc, nil), http.MethodPost, "/chat", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	chunks := readChunks(t, w.Body.Bytes())
	if len(chunks) < 2 {
		t.Fatalf("chunks=%+v", chunks)
	}
	var text strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		if c.Done {
			t.Fatalf("done before the end: %+v", chunks)
		}
		text.WriteString(c.Token)
	}
	last := chunks[len(chunks)-1]
	if !last.Done || last.FinishReason != generation.FinishStop || last.Tokens != 3 || last.Error != "" {
		t.Fatalf("last=%+v", last)
	}
	if text.String() != "Hello there" {
		t.Fatalf("text=%q", text.String())
	}
	if len(svc.lastIn.Messages) != 1 {
		t.Fatalf("messages not forwarded")
	}
}

func TestStreamReportsMidStreamError(t *testing.T) {
	svc := &fakeService{model: &backendtest.Model{
		Tokens: []string{"a ", "b ", "c ", "d ", "e ", "f "},
		FailOn: map[int]error{2: errors.New("device lost")},
	}}
	w := do(t, NewMux(svc, nil), http.MethodPost, "/generate", `{"prompt":"hi","stream":true}`)
	chunks := readChunks(t, w.Body.Bytes())
	last := chunks[len(chunks)-1]
	if !last.Done || !strings.Contains(last.Error, "device lost") || last.FinishReason != generation.FinishError {
		t.Fatalf("last=%+v", last)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{manager.ErrModelNotFound("x"), http.StatusNotFound},
		{&manager.InsufficientResourceError{ModelID: "x", Device: "cpu", RequiredMB: 10, FreeMB: 1}, http.StatusInsufficientStorage},
		{&manager.ModelLoadError{ModelID: "x", Stage: manager.StageWeights, Cause: errors.New("boom")}, http.StatusBadGateway},
		{&generation.ValidationError{Field: "temperature", Reason: "must be >= 0"}, http.StatusBadRequest},
		{&generation.TimeoutError{}, http.StatusGatewayTimeout},
		{&generation.OutOfMemoryError{Cause: errors.New("oom")}, http.StatusInsufficientStorage},
		{manager.ErrNoModelLoaded, http.StatusServiceUnavailable},
		{manager.ErrLoadInProgress, http.StatusConflict},
		{manager.ErrModelSwapped, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", statusErr{code: http.StatusTeapot}), http.StatusTeapot},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		svc := &fakeService{err: c.err}
		w := do(t, NewMux(svc, nil), http.MethodPost, "/generate", `{"prompt":"hi"}`)
		if w.Code != c.want {
			t.Fatalf("%v: status=%d want %d", c.err, w.Code, c.want)
		}
		body := decode[types.ErrorResponse](t, w)
		if body.Code != c.want || body.Error == "" {
			t.Fatalf("%v: body=%+v", c.err, body)
		}
	}
}

func TestStreamErrorBeforeFirstToken(t *testing.T) {
	svc := &fakeService{err: manager.ErrNoModelLoaded}
	w := do(t, NewMux(svc, nil), http.MethodPost, "/generate", `{"prompt":"hi","stream":true}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestBatch(t *testing.T) {
	svc := &fakeService{current: &types.ModelInfo{ID: "m"}}
	h := NewMux(svc, nil)
	w := do(t, h, http.MethodPost, "/generate/batch", `{"prompts":["a","b"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decode[types.BatchResponse](t, w)
	if body.Model != "m" || len(body.Results) != 2 || body.Results[1].Text != "re: b" {
		t.Fatalf("body=%+v", body)
	}
	if w := do(t, h, http.MethodPost, "/generate/batch", `{"prompts":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty batch status=%d", w.Code)
	}
	svc.current = nil
	if w := do(t, h, http.MethodPost, "/generate/batch", `{"prompts":["a"]}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no model status=%d", w.Code)
	}
}

func TestStatusAndSystemInfo(t *testing.T) {
	svc := &fakeService{status: types.StatusResponse{State: "loaded", MaxQueueDepth: 32}}
	h := NewMux(svc, nil)
	for _, path := range []string{"/status", "/system/info"} {
		w := do(t, h, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, w.Code)
		}
		if body := decode[types.StatusResponse](t, w); body.State != "loaded" || body.MaxQueueDepth != 32 {
			t.Fatalf("%s body=%+v", path, body)
		}
	}
}

func TestHistoryRoute(t *testing.T) {
	if w := do(t, NewMux(&fakeService{}, nil), http.MethodGet, "/models/history", ""); w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("history mounted without a reader: %d", w.Code)
	}
	hist := &fakeHistory{}
	h := NewMux(&fakeService{}, hist)
	w := do(t, h, http.MethodGet, "/models/history?model=qwen-0.5b&limit=5", "")
	if w.Code != http.StatusOK || hist.model != "qwen-0.5b" || hist.limit != 5 {
		t.Fatalf("history: %d model=%q limit=%d", w.Code, hist.model, hist.limit)
	}
	if w := do(t, h, http.MethodGet, "/models/history?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", w.Code)
	}
}

func TestHealthzAndHeaders(t *testing.T) {
	w := do(t, NewMux(&fakeService{}, nil), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security header missing")
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Cleanup(func() { SetCORSOptions(false, nil, nil, nil) })
	SetCORSOptions(true, []string{"http://ui.local"}, nil, nil)
	h := NewMux(&fakeService{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestGenerateCanceledByShutdown(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	t.Cleanup(func() { SetBaseContext(nil) })
	svc := &fakeService{model: &backendtest.Model{Tokens: []string{"x "}, Repeat: true, TokenDelay: 5 * time.Millisecond}}
	cancel()
	w := do(t, NewMux(svc, nil), http.MethodPost, "/generate", `{"prompt":"hi","stream":true}`)
	chunks := readChunks(t, w.Body.Bytes())
	if len(chunks) > 1 {
		t.Fatalf("stream kept running after shutdown: %d chunks", len(chunks))
	}
}
