// Package httpapi is the HTTP route layer over the model manager.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"locallab/internal/bookkeeping"
	"locallab/internal/generation"
	"locallab/pkg/types"
)

// Service is the manager surface used by the routes.
type Service interface {
	ListModels() []types.ModelEntry
	Load(ctx context.Context, modelID string, flags types.OptimizationFlags) (types.ModelInfo, error)
	Unload(ctx context.Context) error
	CurrentModelInfo() *types.ModelInfo
	Generate(ctx context.Context, in generation.Input, p types.GenerationParams) (string, error)
	GenerateStream(ctx context.Context, in generation.Input, p types.GenerationParams) (*generation.Stream, error)
	GenerateBatch(ctx context.Context, prompts []string, p types.GenerationParams) []types.BatchItem
	Status(ctx context.Context) types.StatusResponse
	Ready() bool
}

// HistoryReader serves GET /models/history.
type HistoryReader interface {
	History(ctx context.Context, modelID string, limit int) ([]bookkeeping.Entry, error)
}

// NewMux builds the router. hist may be nil, in which case the history
// route is not mounted.
func NewMux(svc Service, hist HistoryReader) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsMethods(),
			AllowedHeaders: corsHeaders(),
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc, hist: hist}

	r.Route("/models", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/available", h.available)
		r.Get("/current", h.current)
		r.Post("/load", h.load)
		r.Post("/unload", h.unload)
		if hist != nil {
			r.Get("/history", h.history)
		}
	})

	r.Post("/generate", h.generate)
	r.Post("/chat", h.chat)
	r.Post("/generate/batch", h.batch)

	r.Get("/status", h.status)
	r.Get("/system/info", h.status)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no model loaded"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc  Service
	hist HistoryReader
}

// decodeJSON enforces the content type and body cap. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) available(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels()})
}

func (h *handlers) current(w http.ResponseWriter, r *http.Request) {
	info := h.svc.CurrentModelInfo()
	if info == nil {
		writeJSONError(w, http.StatusNotFound, "no model loaded")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ModelID) == "" {
		writeJSONError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	info, err := h.svc.Load(ctx, req.ModelID, req.Flags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.hist.History(r.Context(), r.URL.Query().Get("model"), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []bookkeeping.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) modelID() string {
	if info := h.svc.CurrentModelInfo(); info != nil {
		return info.ID
	}
	return ""
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	h.run(w, r, generation.Input{Prompt: req.Prompt, System: req.System}, req.GenerationParams, req.Stream)
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}
	h.run(w, r, generation.Input{Messages: req.Messages}, req.GenerationParams, req.Stream)
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request, in generation.Input, p types.GenerationParams, stream bool) {
	rl := newReqLog(r)
	rl.begin(h.modelID())
	ctx, cancel := requestContext(r.Context())
	defer cancel()

	if stream {
		s, err := h.svc.GenerateStream(ctx, in, p)
		if err != nil {
			rl.end(writeError(w, err), err)
			return
		}
		err = writeStream(ctx, w, s, rl)
		rl.end(http.StatusOK, err)
		return
	}

	text, err := h.svc.Generate(ctx, in, p)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		rl.end(writeError(w, err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.GenerateResponse{Text: text, Model: h.modelID()})
	rl.end(http.StatusOK, nil)
}

func (h *handlers) batch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Prompts) == 0 {
		writeJSONError(w, http.StatusBadRequest, "prompts are required")
		return
	}
	model := h.modelID()
	if model == "" {
		writeJSONError(w, http.StatusServiceUnavailable, "no model loaded")
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	results := h.svc.GenerateBatch(ctx, req.Prompts, req.GenerationParams)
	writeJSON(w, http.StatusOK, types.BatchResponse{Model: model, Results: results})
}
