package manager

import (
	"context"
	"time"
)

// Unload drains the resident model and releases it. It is a no-op when
// nothing is loaded.
// - Marks the model draining so new generations are rejected.
// - Waits up to the drain timeout for queued and in-flight generations.
// - On timeout, invalidates outstanding leases and releases the weights.
func (m *Manager) Unload(ctx context.Context) (err error) {
	_, span := m.startSpan(ctx, "manager.Unload")
	defer func() { endSpan(span, err) }()

	if !m.loadMu.TryLock() {
		return ErrLoadInProgress
	}
	defer m.loadMu.Unlock()

	m.mu.RLock()
	r := m.res
	m.mu.RUnlock()
	if r == nil {
		return nil
	}
	m.setState(StateUnloading)
	m.drainAndClose(r, "unload")
	m.setState(StateUnloaded)
	return nil
}

// drainAndClose waits for r's generations, releases its weights and clears
// it from the manager. Callers hold loadMu.
func (m *Manager) drainAndClose(r *resident, reason string) {
	id := r.info.ID
	m.mu.Lock()
	r.draining = true
	m.mu.Unlock()
	m.publish("unload_start", id, map[string]any{"reason": reason})

	if !m.waitIdle(r, m.now().Add(m.drainTimeout)) {
		m.mu.RLock()
		inflight, qlen := r.inflight, len(r.queueCh)
		m.mu.RUnlock()
		m.publish("unload_timeout", id, map[string]any{"inflight": inflight, "queue": qlen})
		m.log.Warn().Str("event", "unload_timeout").Str("model", id).Int("inflight", inflight).Msg("forcing unload")
		m.mu.Lock()
		r.closed = true
		m.mu.Unlock()
		// streams notice at their next chunk boundary and release
		m.waitIdle(r, m.now().Add(closeGrace))
	}

	if err := r.weights.Close(); err != nil {
		m.log.Warn().Str("event", "weights_close_failed").Str("model", id).Err(err).Msg("")
	}
	m.monitor.ReleaseCaches()

	m.mu.Lock()
	r.closed = true
	if m.res == r {
		m.res = nil
	}
	m.mu.Unlock()
	m.purgeCache()
	m.publish("unload_done", id, map[string]any{"reason": reason})
	m.log.Info().Str("event", "model_unloaded").Str("model", id).Str("reason", reason).Msg("")
	m.recordUnload(id, reason)
}

// waitIdle polls until r has no queued or in-flight generations or the
// deadline passes.
func (m *Manager) waitIdle(r *resident, deadline time.Time) bool {
	for {
		m.mu.RLock()
		qlen := len(r.queueCh)
		inflight := r.inflight
		m.mu.RUnlock()
		if inflight == 0 && qlen == 0 {
			return true
		}
		if m.now().After(deadline) {
			return false
		}
		time.Sleep(m.pollInterval)
	}
}
