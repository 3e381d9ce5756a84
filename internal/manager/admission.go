package manager

import (
	"context"
	"sync"
	"time"

	"locallab/internal/generation"
	"locallab/pkg/types"
)

// lease is a generation's borrowed reference to the resident model.
type lease struct {
	m    *Manager
	r    *resident
	once sync.Once
}

// beginGeneration reserves a queue slot and then an in-flight slot on the
// resident model. The returned lease must be released exactly once.
func (m *Manager) beginGeneration(ctx context.Context) (*lease, error) {
	m.mu.RLock()
	r := m.res
	var draining bool
	if r != nil {
		draining = r.draining
	}
	m.mu.RUnlock()
	if r == nil {
		return nil, ErrNoModelLoaded
	}
	if draining {
		return nil, tooBusyError{modelID: r.info.ID}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case r.queueCh <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, tooBusyError{modelID: r.info.ID}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-r.queueCh
		}
	}()
	select {
	case r.genCh <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, tooBusyError{modelID: r.info.ID}
	}

	m.mu.Lock()
	if r.closed {
		m.mu.Unlock()
		<-r.genCh
		return nil, ErrModelSwapped
	}
	r.inflight++
	now := m.now()
	r.lastUsed = now
	m.lastUsed = now
	m.mu.Unlock()
	acquired = true
	m.metrics.inflight.Inc()
	return &lease{m: m, r: r}, nil
}

func (l *lease) release() {
	l.once.Do(func() {
		m := l.m
		m.mu.Lock()
		l.r.inflight--
		now := m.now()
		l.r.lastUsed = now
		m.lastUsed = now
		m.mu.Unlock()
		m.metrics.inflight.Dec()
		<-l.r.genCh
		<-l.r.queueCh
	})
}

// alive fails once the leased model was released under the lease.
func (l *lease) alive() error {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	if l.r.closed {
		return ErrModelSwapped
	}
	return nil
}

func (l *lease) target() generation.Target {
	r := l.r
	return generation.Target{
		ModelID:      r.info.ID,
		Weights:      r.weights,
		Tokenizer:    r.tokenizer,
		OnGPU:        r.plan.Device.IsGPU(),
		Format:       r.desc.ChatFormat,
		SystemPrompt: r.desc.SystemPrompt,
		MaxLength:    r.info.MaxLength,
	}
}

func (l *lease) info() types.ModelInfo { return l.r.info }
