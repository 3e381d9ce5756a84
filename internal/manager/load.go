package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"

	"locallab/internal/backend"
	"locallab/internal/fallback"
	"locallab/internal/placement"
	"locallab/internal/registry"
	"locallab/pkg/types"
)

// Load makes modelID the resident model. Unknown ids that are not usable
// external identifiers fail with a model-not-found error before any device
// query. When every local fallback fails the registry fallback chain is
// followed; on final failure the lifecycle reports ERROR and then settles
// back to the previous model (when it was kept) or to UNLOADED.
func (m *Manager) Load(ctx context.Context, modelID string, flags types.OptimizationFlags) (info types.ModelInfo, err error) {
	ctx, span := m.startSpan(ctx, "manager.Load", attribute.String("model.requested", modelID))
	defer func() { endSpan(span, err) }()

	if !m.loadMu.TryLock() {
		return types.ModelInfo{}, ErrLoadInProgress
	}
	defer m.loadMu.Unlock()

	desc, err := m.registry.Resolve(modelID)
	if err != nil {
		m.metrics.loadAttempts.WithLabelValues(StageResolve).Inc()
		return types.ModelInfo{}, ErrModelNotFound(modelID)
	}

	m.mu.RLock()
	prev := m.res
	m.mu.RUnlock()
	if prev != nil && prev.serves(desc.ID, modelID) && prev.info.Optimizations == flags {
		return prev.info, nil
	}

	start := m.now()
	m.setState(StateLoading)
	m.publish("load_start", desc.ID, map[string]any{"requested": modelID})

	if prev != nil && !m.fitsAlongside(ctx, desc) {
		m.log.Info().Str("event", "swap_unload_first").Str("model", prev.info.ID).Str("next", desc.ID).Msg("new model does not fit alongside the resident one")
		m.drainAndClose(prev, "swap")
		prev = nil
	}

	r, err := m.loadChain(ctx, desc, flags)
	if err != nil {
		m.metrics.loadsTotal.WithLabelValues("failure").Inc()
		m.mu.Lock()
		m.lastErr = err.Error()
		m.state = StateError
		m.mu.Unlock()
		m.publish("load_error", desc.ID, map[string]any{"error": err.Error()})
		m.log.Error().Str("event", "load_failed").Str("model", desc.ID).Err(err).Msg("")
		if prev != nil {
			m.setState(StateLoaded)
		} else {
			m.setState(StateUnloaded)
		}
		return types.ModelInfo{}, err
	}
	if desc.ID != r.info.ID {
		r.info.RequestedID = desc.ID
	} else if modelID != desc.ID {
		r.info.RequestedID = modelID
	}

	if prev != nil {
		m.drainAndClose(prev, "swap")
	}
	elapsed := m.now().Sub(start)
	m.mu.Lock()
	m.res = r
	m.state = StateLoaded
	m.lastErr = ""
	m.lastUsed = m.now()
	m.mu.Unlock()
	m.purgeCache()
	m.loadsTotal.Add(1)
	m.metrics.loadsTotal.WithLabelValues("success").Inc()
	m.metrics.loadDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.String("model.id", r.info.ID),
		attribute.String("model.device", string(r.info.Device)),
		attribute.String("model.quantization", string(r.info.Quantization)),
	)
	m.publish("load_done", r.info.ID, map[string]any{"device": string(r.info.Device), "quantization": string(r.info.Quantization), "elapsed_ms": elapsed.Milliseconds()})
	m.log.Info().Str("event", "model_loaded").Str("model", r.info.ID).Str("device", string(r.info.Device)).
		Str("quantization", string(r.info.Quantization)).Dur("elapsed", elapsed).Msg("model ready")
	m.recordLoad(r.info, elapsed)
	return r.info, nil
}

// fitsAlongside reports whether desc can be loaded while the resident model
// stays in memory. Models without an estimate never qualify.
func (m *Manager) fitsAlongside(ctx context.Context, desc registry.Descriptor) bool {
	if !desc.HasEstimate() {
		return false
	}
	m.monitor.Invalidate()
	if m.selector.SelectDevice(ctx, desc.VRAMEstimateMB).Device.IsGPU() {
		return true
	}
	snap := m.monitor.Snapshot(ctx)
	return snap.FreeRAMMB > 0 && desc.RAMEstimateMB > 0 && snap.FreeRAMMB >= 2*desc.RAMEstimateMB
}

// loadChain tries desc and then its registry fallbacks. A chain of k
// fallbacks makes at most k+1 attempts; a hop guard stops cycles.
func (m *Manager) loadChain(ctx context.Context, desc registry.Descriptor, flags types.OptimizationFlags) (*resident, error) {
	guard := fallback.NewGuard(m.maxHops)
	cur := desc
	var last error
	for {
		if err := guard.Visit(cur.ID); err != nil {
			return nil, &ModelLoadError{ModelID: desc.ID, Stage: StageFallback, Cause: errors.Join(err, last)}
		}
		r, err := m.loadOne(ctx, cur, flags)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		last = err
		if cur.FallbackID == "" {
			return nil, last
		}
		next, ok := m.registry.Lookup(cur.FallbackID)
		if !ok {
			return nil, &ModelLoadError{ModelID: cur.ID, Stage: StageFallback, Cause: fmt.Errorf("unknown fallback id %q: %w", cur.FallbackID, last)}
		}
		m.metrics.fallbackHops.Inc()
		m.log.Warn().Str("event", "registry_fallback").Str("model", cur.ID).Str("fallback", next.ID).Err(err).Msg("trying fallback model")
		m.publish("load_fallback", cur.ID, map[string]any{"fallback": next.ID, "error": err.Error()})
		cur = next
	}
}

// loadOne runs a single descriptor through preflight, the architecture class
// walk for the weights and then tokenizer or processor resolution. Each
// stage's local alternatives are handled here.
func (m *Manager) loadOne(ctx context.Context, desc registry.Descriptor, flags types.OptimizationFlags) (*resident, error) {
	strat := backend.ArchitectureFor(desc.SourceID, desc.ArchitectureHint)

	decision, err := m.preflight(ctx, desc)
	if err != nil {
		m.metrics.loadAttempts.WithLabelValues(StagePreflight).Inc()
		return nil, err
	}
	caps := m.source.Capabilities()
	plan, notice := placement.Plan(decision, flags, caps.Quantization, strat.UseProcessor())
	if notice != "" {
		m.log.Info().Str("event", "quantization_notice").Str("model", desc.ID).Msg(notice)
	}
	m.log.Info().Str("event", "load_plan").Str("model", desc.ID).Str("strategy", strat.Name()).
		Str("device", string(plan.Device)).Str("quantization", string(plan.Quantization)).
		Str("reason", decision.Reason).Msg("")

	weights, used, err := m.loadWeights(ctx, desc, strat, plan, flags)
	if err != nil {
		m.metrics.loadAttempts.WithLabelValues(StageWeights).Inc()
		return nil, &ModelLoadError{ModelID: desc.ID, Stage: StageWeights, Cause: err}
	}

	tok, kind, err := m.loadTokenizer(ctx, desc, strat)
	if err != nil {
		m.metrics.loadAttempts.WithLabelValues(StageTokenizer).Inc()
		if cerr := weights.Close(); cerr != nil {
			m.log.Warn().Str("event", "weights_close_failed").Str("model", desc.ID).Err(cerr).Msg("")
		}
		return nil, &ModelLoadError{ModelID: desc.ID, Stage: StageTokenizer, Cause: err}
	}
	used.UseProcessor = kind == backend.KindProcessor

	genSlots := 1
	if caps.ConcurrentInference {
		genSlots = m.workers
	}
	info := types.ModelInfo{
		ID:             desc.ID,
		Name:           desc.Name,
		SourceID:       desc.SourceID,
		Architecture:   strat.Name(),
		Device:         used.Device,
		Quantization:   used.Quantization,
		UseProcessor:   used.UseProcessor,
		MaxLength:      desc.MaxLength,
		VRAMEstimateMB: desc.VRAMEstimateMB,
		RAMEstimateMB:  desc.RAMEstimateMB,
		Optimizations:  flags,
		LoadedAt:       m.now(),
	}
	return &resident{
		desc:      desc,
		info:      info,
		plan:      used,
		weights:   weights,
		tokenizer: tok,
		genCh:     make(chan struct{}, genSlots),
		queueCh:   make(chan struct{}, m.maxQueueDepth+genSlots),
		lastUsed:  m.now(),
	}, nil
}

// preflight picks a device. Descriptors without an estimate skip the memory
// check and only learn whether a GPU with the configured floor is free.
func (m *Manager) preflight(ctx context.Context, desc registry.Descriptor) (placement.Decision, error) {
	m.monitor.Invalidate()
	if !desc.HasEstimate() {
		return m.selector.SelectDevice(ctx, 0), nil
	}
	d := m.selector.SelectDevice(ctx, desc.VRAMEstimateMB)
	if d.Device.IsGPU() {
		return d, nil
	}
	snap := m.monitor.Snapshot(ctx)
	if snap.FreeRAMMB > 0 && desc.RAMEstimateMB > 0 && snap.FreeRAMMB < desc.RAMEstimateMB {
		m.log.Warn().Str("event", "preflight_failed").Str("model", desc.ID).
			Str("need", humanize.IBytes(uint64(desc.RAMEstimateMB)<<20)).
			Str("free", humanize.IBytes(uint64(snap.FreeRAMMB)<<20)).Msg("not enough host memory")
		return d, &InsufficientResourceError{ModelID: desc.ID, Device: string(types.DeviceCPU), RequiredMB: desc.RAMEstimateMB, FreeMB: snap.FreeRAMMB}
	}
	return d, nil
}

// loadTokenizer prefers the processor for vision-language strategies and
// falls back to the plain tokenizer. It reports which kind was loaded.
func (m *Manager) loadTokenizer(ctx context.Context, desc registry.Descriptor, strat backend.Strategy) (backend.Tokenizer, backend.TokenizerKind, error) {
	attempt := func(kind backend.TokenizerKind) fallback.Attempt[backend.Tokenizer] {
		return fallback.Attempt[backend.Tokenizer]{
			Name: string(kind),
			Run: func(ctx context.Context) (backend.Tokenizer, error) {
				return m.source.LoadTokenizer(ctx, desc.SourceID, kind)
			},
		}
	}
	attempts := []fallback.Attempt[backend.Tokenizer]{attempt(backend.KindTokenizer)}
	if strat.UseProcessor() {
		attempts = append([]fallback.Attempt[backend.Tokenizer]{attempt(backend.KindProcessor)}, attempts...)
	}
	tok, name, err := fallback.First(ctx, m.log.With().Str("model", desc.ID).Logger(), StageTokenizer, attempts...)
	return tok, backend.TokenizerKind(name), err
}

// loadWeights tries each class of the strategy in order. The first load
// that looks like a disk offload is retried once on the CPU plan, and every
// later attempt keeps that plan.
func (m *Manager) loadWeights(ctx context.Context, desc registry.Descriptor, strat backend.Strategy, plan placement.LoadPlan, flags types.OptimizationFlags) (backend.Weights, placement.LoadPlan, error) {
	log := m.log.With().Str("model", desc.ID).Logger()
	current := plan
	cpuForced := false

	var attempts []fallback.Attempt[backend.Weights]
	for _, cls := range strat.Classes() {
		cls := cls // per-iteration copy; go.mod targets go1.21 loop semantics
		attempts = append(attempts, fallback.Attempt[backend.Weights]{
			Name: string(cls),
			Run: func(ctx context.Context) (backend.Weights, error) {
				var w backend.Weights
				op := func(ctx context.Context) error {
					var err error
					w, err = m.source.LoadWeights(ctx, backend.LoadRequest{
						SourceID:      desc.SourceID,
						Class:         cls,
						Plan:          current,
						Optimizations: flags,
					})
					return err
				}
				recoverable := func(err error) bool {
					return !cpuForced && backend.LooksLikeDiskOffloadError(err)
				}
				err := fallback.RetryOnce(ctx, log, StageWeights, op, recoverable, func() {
					cpuForced = true
					current = placement.CPUPlan(plan.UseProcessor)
					m.publish("load_cpu_retry", desc.ID, map[string]any{"class": string(cls)})
				})
				return w, err
			},
		})
	}
	w, _, err := fallback.First(ctx, log, StageWeights, attempts...)
	if err != nil {
		return nil, current, err
	}
	return w, current, nil
}
