package manager

import (
	"github.com/cespare/xxhash/v2"

	"locallab/internal/generation"
)

const defaultCacheSize = 100

func cacheKey(modelID string, in generation.Input) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(modelID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(in.Text())
	return d.Sum64()
}

func (m *Manager) cacheGet(modelID string, in generation.Input) (string, bool) {
	if m.cache == nil {
		return "", false
	}
	return m.cache.Get(cacheKey(modelID, in))
}

func (m *Manager) cachePut(modelID string, in generation.Input, text string) {
	if m.cache == nil || text == "" {
		return
	}
	m.cache.Add(cacheKey(modelID, in), text)
}

func (m *Manager) purgeCache() {
	if m.cache != nil {
		m.cache.Purge()
	}
}
