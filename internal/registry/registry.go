// Package registry maps short model ids to immutable model descriptors and
// validates registry fallback chains.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"locallab/internal/common/fsutil"
	"locallab/pkg/types"
)

// MaxChainLength bounds the number of fallback hops reachable from any entry.
const MaxChainLength = 8

// DefaultMaxLength is used for synthesized descriptors.
const DefaultMaxLength = 2048

// ErrNotFound is returned when an id is neither registered nor a usable
// external identifier.
var ErrNotFound = errors.New("model not found")

// Descriptor describes one loadable model. Values are immutable once
// registered; callers receive copies.
type Descriptor struct {
	ID             string `json:"id" yaml:"id" toml:"id"`
	Name           string `json:"name" yaml:"name" toml:"name"`
	SourceID       string `json:"source_id" yaml:"source_id" toml:"source_id"`
	Description    string `json:"description,omitempty" yaml:"description" toml:"description"`
	VRAMEstimateMB int    `json:"vram_estimate_mb" yaml:"vram_estimate_mb" toml:"vram_estimate_mb"`
	RAMEstimateMB  int    `json:"ram_estimate_mb" yaml:"ram_estimate_mb" toml:"ram_estimate_mb"`
	MaxLength      int    `json:"max_length" yaml:"max_length" toml:"max_length"`
	FallbackID     string `json:"fallback_id,omitempty" yaml:"fallback_id" toml:"fallback_id"`
	// ArchitectureHint overrides name-based detection: text, vision or encoder.
	ArchitectureHint string `json:"architecture_hint,omitempty" yaml:"architecture_hint" toml:"architecture_hint"`
	// ChatFormat selects the prompt template: tagged (default), chatml or llama3.
	ChatFormat   string `json:"chat_format,omitempty" yaml:"chat_format" toml:"chat_format"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt" toml:"system_prompt"`

	// External is set for descriptors synthesized from raw identifiers.
	External bool `json:"-" yaml:"-" toml:"-"`
	// Local is set for descriptors discovered on disk.
	Local bool `json:"-" yaml:"-" toml:"-"`
}

// HasEstimate reports whether the descriptor carries a memory estimate that
// can drive a pre-flight check.
func (d Descriptor) HasEstimate() bool { return d.VRAMEstimateMB > 0 || d.RAMEstimateMB > 0 }

// Entry projects d into its API shape.
func (d Descriptor) Entry() types.ModelEntry {
	return types.ModelEntry{
		ID:             d.ID,
		Name:           d.Name,
		SourceID:       d.SourceID,
		Description:    d.Description,
		VRAMEstimateMB: d.VRAMEstimateMB,
		RAMEstimateMB:  d.RAMEstimateMB,
		MaxLength:      d.MaxLength,
		FallbackID:     d.FallbackID,
		Local:          d.Local,
	}
}

func (d Descriptor) normalized() Descriptor {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.SourceID == "" {
		d.SourceID = d.ID
	}
	if d.MaxLength <= 0 {
		d.MaxLength = DefaultMaxLength
	}
	return d
}

// Registry is a concurrency-safe descriptor table.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Descriptor
	order []string
}

// New builds a registry from ds and validates it.
func New(ds []Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(ds))}
	if err := r.Add(ds...); err != nil {
		return nil, err
	}
	return r, nil
}

// Default returns a registry holding the built-in table.
func Default() *Registry {
	r, err := New(Builtin())
	if err != nil {
		panic(fmt.Sprintf("builtin registry invalid: %v", err))
	}
	return r
}

// Add registers or replaces descriptors. The whole batch is rejected if the
// resulting table fails validation.
func (r *Registry) Add(ds ...Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]Descriptor, len(r.byID)+len(ds))
	for id, d := range r.byID {
		next[id] = d
	}
	order := append([]string(nil), r.order...)
	for _, d := range ds {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("descriptor with empty id")
		}
		if _, ok := next[d.ID]; !ok {
			order = append(order, d.ID)
		}
		next[d.ID] = d.normalized()
	}
	if err := Validate(next); err != nil {
		return err
	}
	r.byID = next
	r.order = order
	return nil
}

// Lookup returns the registered descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Resolve returns the registered descriptor for id or, when id looks like an
// external identifier, a synthesized descriptor without estimates.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	if d, ok := r.Lookup(id); ok {
		return d, nil
	}
	if IsExternalIdentifier(id) {
		return Synthesize(id), nil
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Entries returns the API projection of List.
func (r *Registry) Entries() []types.ModelEntry {
	ds := r.List()
	out := make([]types.ModelEntry, len(ds))
	for i, d := range ds {
		out[i] = d.Entry()
	}
	return out
}

// Chain returns id followed by its fallback ids in order.
func (r *Registry) Chain(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := []string{id}
	cur := id
	for i := 0; i < MaxChainLength; i++ {
		d, ok := r.byID[cur]
		if !ok || d.FallbackID == "" {
			break
		}
		chain = append(chain, d.FallbackID)
		cur = d.FallbackID
	}
	return chain
}

// ChainError reports an invalid fallback chain.
type ChainError struct {
	Chain  []string
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("invalid fallback chain %s: %s", strings.Join(e.Chain, " -> "), e.Reason)
}

// Validate checks that every fallback id is registered, that no chain cycles
// and that no chain exceeds MaxChainLength hops.
func Validate(byID map[string]Descriptor) error {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		seen := map[string]bool{id: true}
		chain := []string{id}
		cur := byID[id]
		for cur.FallbackID != "" {
			next := cur.FallbackID
			chain = append(chain, next)
			if seen[next] {
				return &ChainError{Chain: chain, Reason: "cycle"}
			}
			if len(chain)-1 > MaxChainLength {
				return &ChainError{Chain: chain, Reason: "too long"}
			}
			d, ok := byID[next]
			if !ok {
				return &ChainError{Chain: chain, Reason: "unknown fallback id " + next}
			}
			seen[next] = true
			cur = d
		}
	}
	return nil
}

// hubID matches owner/name identifiers such as "Qwen/Qwen2.5-0.5B-Instruct".
var hubID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*/[A-Za-z0-9][A-Za-z0-9._-]*$`)

// IsExternalIdentifier reports whether id can be handed to the weight source
// directly: a hub-style owner/name id or an existing local path.
func IsExternalIdentifier(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if hubID.MatchString(id) {
		return true
	}
	if strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, "~") {
		p, err := fsutil.ExpandHome(id)
		if err != nil {
			return false
		}
		return fsutil.PathExists(p)
	}
	return false
}

// Synthesize builds a descriptor for a raw external identifier. It carries no
// memory estimate and no fallback.
func Synthesize(id string) Descriptor {
	name := id
	if i := strings.LastIndexAny(id, `/\`); i >= 0 && i < len(id)-1 {
		name = id[i+1:]
	}
	if ext := filepath.Ext(name); strings.EqualFold(ext, ".gguf") || strings.EqualFold(ext, ".bin") {
		name = strings.TrimSuffix(name, ext)
	}
	return Descriptor{
		ID:        id,
		Name:      name,
		SourceID:  id,
		MaxLength: DefaultMaxLength,
		External:  true,
	}
}
