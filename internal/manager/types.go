package manager

import (
	"time"

	"locallab/internal/backend"
	"locallab/internal/placement"
	"locallab/internal/registry"
	"locallab/pkg/types"
)

// State is the model lifecycle state.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
	StateError     State = "error"
)

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State        State
	CurrentModel *types.ModelInfo
	Err          string
	Inflight     int
}

// resident is the single loaded model. Fields other than the counters are
// immutable after install; counters and flags are guarded by Manager.mu.
type resident struct {
	desc      registry.Descriptor
	info      types.ModelInfo
	plan      placement.LoadPlan
	weights   backend.Weights
	tokenizer backend.Tokenizer

	genCh   chan struct{} // in-flight slots
	queueCh chan struct{} // queue slots, held for the whole generation

	inflight int
	draining bool
	// closed is set when the weights were released while leases were still
	// outstanding; those leases end with ErrModelSwapped.
	closed   bool
	lastUsed time.Time
}

// serves reports whether a load of id (asked for as requested) would yield
// this resident model, including a model that a registry fallback served.
func (r *resident) serves(id, requested string) bool {
	if r.desc.ID == id {
		return true
	}
	return r.info.RequestedID != "" && (r.info.RequestedID == id || r.info.RequestedID == requested)
}
