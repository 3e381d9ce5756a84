package manager

import (
	"context"
	"time"

	"locallab/pkg/types"
)

// Recorder is the model cache bookkeeping sink. The manager informs it of
// loads and unloads and ignores its errors beyond logging them.
type Recorder interface {
	RecordLoad(ctx context.Context, info types.ModelInfo, elapsed time.Duration) error
	RecordUnload(ctx context.Context, modelID, reason string) error
}

type noopRecorder struct{}

func (noopRecorder) RecordLoad(context.Context, types.ModelInfo, time.Duration) error { return nil }
func (noopRecorder) RecordUnload(context.Context, string, string) error               { return nil }

func (m *Manager) recordLoad(info types.ModelInfo, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.RecordLoad(ctx, info, elapsed); err != nil {
		m.log.Warn().Str("event", "bookkeeping_failed").Str("model", info.ID).Err(err).Msg("")
	}
}

func (m *Manager) recordUnload(modelID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.RecordUnload(ctx, modelID, reason); err != nil {
		m.log.Warn().Str("event", "bookkeeping_failed").Str("model", modelID).Err(err).Msg("")
	}
}
