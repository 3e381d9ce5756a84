// Package resource probes GPU and host memory and tracks memory pressure.
package resource

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Probe reports free device memory. Implementations never fail: when a GPU
// driver or host statistic is unavailable they report 0.
type Probe interface {
	FreeGPUMemoryMB(ctx context.Context) int
	TotalGPUMemoryMB(ctx context.Context) int
	FreeHostMemoryMB(ctx context.Context) int
	GPUCount(ctx context.Context) int
}

// CommandRunner executes an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// GPUStat is one row of nvidia-smi output.
type GPUStat struct {
	Name    string
	FreeMB  int
	TotalMB int
}

// NvidiaSMI queries GPU memory through the nvidia-smi CLI.
type NvidiaSMI struct {
	Run     CommandRunner
	Timeout time.Duration
}

// Stats returns per-GPU memory, or nil when nvidia-smi is missing or fails.
func (n NvidiaSMI) Stats(ctx context.Context) []GPUStat {
	run := n.Run
	if run == nil {
		run = execRunner
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := run(ctx, "nvidia-smi", "--query-gpu=memory.free,memory.total,name", "--format=csv,noheader,nounits")
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(out)
}

func parseNvidiaSMI(out []byte) []GPUStat {
	var stats []GPUStat
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		free, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		total, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			continue
		}
		st := GPUStat{FreeMB: free, TotalMB: total}
		if len(parts) > 2 {
			st.Name = strings.TrimSpace(strings.Join(parts[2:], ","))
		}
		stats = append(stats, st)
	}
	return stats
}

// SystemProbe reads host memory through gopsutil and GPU memory through
// nvidia-smi. Placement only targets the first GPU, so free/total refer to
// device 0.
type SystemProbe struct {
	GPU NvidiaSMI
}

func (p SystemProbe) first(ctx context.Context) (GPUStat, int) {
	stats := p.GPU.Stats(ctx)
	if len(stats) == 0 {
		return GPUStat{}, 0
	}
	return stats[0], len(stats)
}

func (p SystemProbe) FreeGPUMemoryMB(ctx context.Context) int {
	st, _ := p.first(ctx)
	return st.FreeMB
}

func (p SystemProbe) TotalGPUMemoryMB(ctx context.Context) int {
	st, _ := p.first(ctx)
	return st.TotalMB
}

func (p SystemProbe) GPUCount(ctx context.Context) int {
	_, n := p.first(ctx)
	return n
}

func (p SystemProbe) FreeHostMemoryMB(ctx context.Context) int {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		// Fallback to runtime stats; this undercounts but never fails.
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.Sys > ms.Alloc {
			return int((ms.Sys - ms.Alloc) >> 20)
		}
		return 0
	}
	return int(vm.Available >> 20)
}

// StaticProbe returns fixed values and counts how often it was queried.
// Used by tests and by hosts that want to pin placement.
type StaticProbe struct {
	FreeGPU  int
	TotalGPU int
	FreeHost int
	GPUs     int

	calls atomic.Int64
}

// Calls reports how many probe methods have been invoked.
func (p *StaticProbe) Calls() int64 { return p.calls.Load() }

func (p *StaticProbe) FreeGPUMemoryMB(context.Context) int {
	p.calls.Add(1)
	return p.FreeGPU
}

func (p *StaticProbe) TotalGPUMemoryMB(context.Context) int {
	p.calls.Add(1)
	return p.TotalGPU
}

func (p *StaticProbe) FreeHostMemoryMB(context.Context) int {
	p.calls.Add(1)
	return p.FreeHost
}

func (p *StaticProbe) GPUCount(context.Context) int {
	p.calls.Add(1)
	return p.GPUs
}
