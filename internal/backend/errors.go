package backend

import (
	"errors"
	"strings"
)

// ErrOutOfMemory marks allocation failures during generation.
var ErrOutOfMemory = errors.New("out of memory")

var oomPatterns = []string{
	"out of memory",
	"failed to allocate",
	"cuda error: out of memory",
	"cublas_status_alloc_failed",
}

// IsOutOfMemory reports whether err is an allocation failure, either wrapped
// ErrOutOfMemory or an opaque runtime error with a known message.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), oomPatterns)
}

var diskOffloadPatterns = []string{
	"offload the whole model to the disk",
	"dispatched on the cpu or the disk",
	"offload_folder",
	"disk offload",
	"offloaded to disk",
}

// LooksLikeDiskOffloadError reports whether a weight-loading error means the
// source tried to page weights to disk. Sources only surface this as a
// message, so this is the single place that matches on wording.
func LooksLikeDiskOffloadError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), diskOffloadPatterns)
}

func containsAny(s string, subs []string) bool {
	for _, p := range subs {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
