package manager

import (
	"context"
	"time"
)

// RunIdleUnloader unloads the resident model once it has not served a
// generation for the configured model timeout. It returns when ctx ends.
func (m *Manager) RunIdleUnloader(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = min(m.modelTimeout/4, 30*time.Second)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.unloadIfIdle(ctx)
		}
	}
}

func (m *Manager) unloadIfIdle(ctx context.Context) bool {
	m.mu.RLock()
	r := m.res
	idle := r != nil && r.inflight == 0 && len(r.queueCh) == 0 && m.now().Sub(r.lastUsed) >= m.modelTimeout
	m.mu.RUnlock()
	if !idle {
		return false
	}
	m.log.Info().Str("event", "idle_unload").Str("model", r.info.ID).Dur("idle_for", m.modelTimeout).Msg("unloading unused model")
	if err := m.Unload(ctx); err != nil {
		m.log.Warn().Str("event", "idle_unload_failed").Err(err).Msg("")
		return false
	}
	return true
}
