package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"locallab/pkg/types"
)

func TestParseNvidiaSMI(t *testing.T) {
	out := []byte("3500, 8192, NVIDIA GeForce RTX 3070\n\n100, 24576, Tesla, P40\nbogus\n")
	stats := parseNvidiaSMI(out)
	if len(stats) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(stats))
	}
	if stats[0].FreeMB != 3500 || stats[0].TotalMB != 8192 || stats[0].Name != "NVIDIA GeForce RTX 3070" {
		t.Fatalf("row0=%+v", stats[0])
	}
	if stats[1].Name != "Tesla, P40" {
		t.Fatalf("row1 name=%q", stats[1].Name)
	}
}

func TestSystemProbeDegradesWithoutDriver(t *testing.T) {
	p := SystemProbe{GPU: NvidiaSMI{Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("executable file not found in $PATH")
	}}}
	ctx := context.Background()
	if p.GPUCount(ctx) != 0 || p.FreeGPUMemoryMB(ctx) != 0 || p.TotalGPUMemoryMB(ctx) != 0 {
		t.Fatalf("expected zero GPU readings without a driver")
	}
	if p.FreeHostMemoryMB(ctx) < 0 {
		t.Fatalf("negative host memory")
	}
}

func TestSystemProbeReadsFirstGPU(t *testing.T) {
	p := SystemProbe{GPU: NvidiaSMI{Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("6000, 8000, A\n1000, 8000, B\n"), nil
	}}}
	ctx := context.Background()
	if p.GPUCount(ctx) != 2 || p.FreeGPUMemoryMB(ctx) != 6000 || p.TotalGPUMemoryMB(ctx) != 8000 {
		t.Fatalf("unexpected readings")
	}
}

func TestMonitorSnapshotCaching(t *testing.T) {
	probe := &StaticProbe{FreeGPU: 5000, TotalGPU: 8000, FreeHost: 16000, GPUs: 1}
	m := NewMonitor(MonitorConfig{Probe: probe, Validity: time.Second})
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	s1 := m.Snapshot(context.Background())
	calls := probe.Calls()
	now = now.Add(500 * time.Millisecond)
	s2 := m.Snapshot(context.Background())
	if probe.Calls() != calls || !s2.Timestamp.Equal(s1.Timestamp) {
		t.Fatalf("snapshot not reused within validity window")
	}
	now = now.Add(600 * time.Millisecond)
	s3 := m.Snapshot(context.Background())
	if probe.Calls() == calls || s3.Timestamp.Equal(s1.Timestamp) {
		t.Fatalf("stale snapshot returned past validity window")
	}
	if s3.FreeGPUMB != 5000 || s3.FreeRAMMB != 16000 {
		t.Fatalf("unexpected snapshot %+v", s3)
	}
	m.Invalidate()
	calls = probe.Calls()
	m.Snapshot(context.Background())
	if probe.Calls() == calls {
		t.Fatalf("Invalidate did not force a re-probe")
	}
}

func TestMonitorSkipsGPUQueriesWithoutGPU(t *testing.T) {
	probe := &StaticProbe{FreeHost: 4000}
	m := NewMonitor(MonitorConfig{Probe: probe})
	s := m.Snapshot(context.Background())
	if s.FreeGPUMB != 0 || s.GPUCount != 0 {
		t.Fatalf("unexpected GPU readings %+v", s)
	}
	if probe.Calls() != 2 {
		t.Fatalf("expected only count and host queries, got %d calls", probe.Calls())
	}
}

func TestIsUnderPressure(t *testing.T) {
	m := NewMonitor(MonitorConfig{Probe: &StaticProbe{}, GPUFloorMB: 500, RAMFloorMB: 1000})
	cases := []struct {
		name  string
		s     types.ResourceSnapshot
		onGPU bool
		want  bool
	}{
		{"gpu below floor", types.ResourceSnapshot{GPUCount: 1, FreeGPUMB: 200, TotalGPUMB: 8000}, true, true},
		{"gpu nearly full", types.ResourceSnapshot{GPUCount: 1, FreeGPUMB: 700, TotalGPUMB: 8000}, true, true},
		{"gpu healthy", types.ResourceSnapshot{GPUCount: 1, FreeGPUMB: 4000, TotalGPUMB: 8000}, true, false},
		{"no gpu", types.ResourceSnapshot{FreeRAMMB: 100}, true, false},
		{"ram low", types.ResourceSnapshot{FreeRAMMB: 999}, false, true},
		{"ram unknown", types.ResourceSnapshot{FreeRAMMB: 0}, false, false},
		{"ram healthy", types.ResourceSnapshot{FreeRAMMB: 8000}, false, false},
	}
	for _, tc := range cases {
		if got := m.IsUnderPressure(tc.s, tc.onGPU); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestReleaseCachesRunsReleasers(t *testing.T) {
	m := NewMonitor(MonitorConfig{Probe: &StaticProbe{FreeHost: 1}})
	n := 0
	m.ReleaseCaches(func() { n++ }, nil, func() { n++ })
	if n != 2 {
		t.Fatalf("expected 2 releasers to run, got %d", n)
	}
}
