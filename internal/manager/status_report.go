package manager

import (
	"context"

	"locallab/pkg/types"
)

// Status builds the response for /status and /system/info.
func (m *Manager) Status(ctx context.Context) types.StatusResponse {
	snap := m.monitor.Snapshot(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	resp := types.StatusResponse{
		State:          string(m.state),
		LastError:      m.lastErr,
		MaxQueueDepth:  m.maxQueueDepth,
		Resources:      snap,
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
		RequestsTotal:  m.requestsTotal.Load(),
		LoadsTotal:     m.loadsTotal.Load(),
	}
	if !m.lastUsed.IsZero() {
		resp.LastUsedUnix = m.lastUsed.Unix()
	}
	if r := m.res; r != nil {
		info := r.info
		resp.CurrentModel = &info
		resp.Inflight = r.inflight
		resp.QueueLen = max(0, len(r.queueCh)-r.inflight)
	}
	return resp
}
