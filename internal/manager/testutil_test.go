package manager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"locallab/internal/backend/backendtest"
	"locallab/internal/registry"
	"locallab/internal/resource"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func words(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%d ", i)
	}
	return out
}

type fixture struct {
	m     *Manager
	src   *backendtest.Source
	probe *resource.StaticProbe
	pub   *MemoryPublisher
}

// cpuHost is a GPU-less box with plenty of RAM.
func cpuHost() *resource.StaticProbe { return &resource.StaticProbe{FreeHost: 16000} }

func newFixture(t *testing.T, probe *resource.StaticProbe, src *backendtest.Source, mutate func(*ManagerConfig)) *fixture {
	t.Helper()
	if probe == nil {
		probe = cpuHost()
	}
	if src == nil {
		src = &backendtest.Source{Default: &backendtest.Model{Tokens: words(8)}}
	}
	cfg := ManagerConfig{
		Registry:     registry.Default(),
		Source:       src,
		Monitor:      resource.NewMonitor(resource.MonitorConfig{Probe: probe, Validity: time.Nanosecond}),
		DrainTimeout: time.Second,
		MaxWait:      time.Second,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewWithConfig(cfg)
	m.pollInterval = time.Millisecond
	pub := NewMemoryPublisher()
	m.SetEventPublisher(pub)
	t.Cleanup(m.Close)
	return &fixture{m: m, src: src, probe: probe, pub: pub}
}

func mustRegistry(t *testing.T, ds ...registry.Descriptor) *registry.Registry {
	t.Helper()
	r, err := registry.New(ds)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func hasEvent(pub *MemoryPublisher, name string) bool {
	for _, n := range pub.Names() {
		if n == name {
			return true
		}
	}
	return false
}
