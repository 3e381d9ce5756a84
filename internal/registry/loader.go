package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"locallab/internal/common/fsutil"
	"locallab/internal/config"
)

// LoadDir scans a directory for *.gguf files and builds descriptors from them.
// ID is the full filename (including extension); SourceID is the absolute file
// path. Memory estimates derive from the file size.
func LoadDir(dir string) ([]Descriptor, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []Descriptor
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		p := filepath.Join(abs, name)
		sizeMB, err := fsutil.FileSizeMB(p)
		if err != nil {
			return nil, err
		}
		out = append(out, Descriptor{
			ID:             name,
			Name:           strings.TrimSuffix(name, filepath.Ext(name)),
			SourceID:       p,
			VRAMEstimateMB: EstimateMB(sizeMB),
			RAMEstimateMB:  EstimateMB(sizeMB),
			MaxLength:      DefaultMaxLength,
			Local:          true,
		})
	}
	return out, nil
}

// EstimateMB adds runtime overhead (KV cache, scratch buffers) to a weights
// file size.
func EstimateMB(fileMB int) int {
	if fileMB <= 0 {
		return 1
	}
	return fileMB + fileMB/5 + 256
}

// fileTable is the on-disk shape of a registry overlay file.
type fileTable struct {
	Models []Descriptor `json:"models" yaml:"models" toml:"models"`
}

// LoadFile reads descriptors from a YAML, JSON or TOML file with a top-level
// "models" list.
func LoadFile(path string) ([]Descriptor, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	var t fileTable
	if err := config.DecodeFile(p, &t); err != nil {
		return nil, fmt.Errorf("registry file %s: %w", path, err)
	}
	return t.Models, nil
}
