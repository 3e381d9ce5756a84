package manager

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"locallab/internal/generation"
	"locallab/pkg/types"
)

// Generate runs a single-shot generation on the resident model. Requests
// with default parameters are answered from the response cache when
// possible.
func (m *Manager) Generate(ctx context.Context, in generation.Input, p types.GenerationParams) (text string, err error) {
	ctx, span := m.startSpan(ctx, "manager.Generate")
	defer func() { endSpan(span, err) }()
	m.requestsTotal.Add(1)

	l, err := m.beginGeneration(ctx)
	if err != nil {
		return "", err
	}
	defer l.release()
	id := l.info().ID
	span.SetAttributes(attribute.String("model.id", id))

	cacheable := p.IsDefault()
	if cacheable {
		if text, ok := m.cacheGet(id, in); ok {
			m.metrics.cacheHits.Inc()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return text, nil
		}
	}

	res, err := m.engine.Generate(ctx, l.target(), in, p)
	if err != nil {
		m.metrics.observeGeneration("single", generation.FinishError, 0, false)
		return "", err
	}
	if err := l.alive(); err != nil {
		return "", err
	}
	m.metrics.observeGeneration("single", res.FinishReason, res.Tokens, res.OOMRecovered)
	span.SetAttributes(attribute.String("generation.finish", res.FinishReason), attribute.Int("generation.tokens", res.Tokens))
	if cacheable && res.FinishReason != generation.FinishTimeout {
		m.cachePut(id, in, res.Text)
	}
	return res.Text, nil
}

// GenerateStream starts a streaming generation. The stream holds the
// resident model until it ends or is closed; callers must Close it.
func (m *Manager) GenerateStream(ctx context.Context, in generation.Input, p types.GenerationParams) (*generation.Stream, error) {
	ctx, span := m.startSpan(ctx, "manager.GenerateStream")
	m.requestsTotal.Add(1)

	l, err := m.beginGeneration(ctx)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("model.id", l.info().ID))
	s, err := m.engine.Stream(ctx, l.target(), in, p, generation.StreamOptions{
		Alive: l.alive,
		OnDone: func(sum types.StreamSummary) {
			l.release()
			m.metrics.observeGeneration("stream", sum.FinishReason, sum.Tokens, sum.OOMRecovered)
			span.SetAttributes(
				attribute.String("generation.finish", sum.FinishReason),
				attribute.Int("generation.tokens", sum.Tokens),
				attribute.String("stream.id", sum.ID),
			)
			var err error
			if sum.Error != "" {
				err = errors.New(sum.Error)
			}
			endSpan(span, err)
		},
	})
	if err != nil {
		l.release()
		endSpan(span, err)
		return nil, err
	}
	return s, nil
}

// GenerateBatch runs prompts one after another against the resident model.
// Each item carries its own text or error.
func (m *Manager) GenerateBatch(ctx context.Context, prompts []string, p types.GenerationParams) []types.BatchItem {
	out := make([]types.BatchItem, len(prompts))
	for i, prompt := range prompts {
		out[i].Index = i
		if err := ctx.Err(); err != nil {
			out[i].Error = err.Error()
			continue
		}
		text, err := m.Generate(ctx, generation.Input{Prompt: prompt}, p)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Text = text
	}
	return out
}
