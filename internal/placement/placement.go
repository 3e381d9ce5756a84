// Package placement decides where a model is loaded and at which precision.
package placement

import (
	"context"
	"fmt"
	"strings"

	"locallab/internal/resource"
	"locallab/pkg/types"
)

// DefaultMinFreeGPUMB is the free-memory floor below which the GPU is never
// chosen.
const DefaultMinFreeGPUMB = 4000

// LoadPlan is the concrete configuration for one load attempt. A failed
// attempt yields a new plan; plans are never patched.
type LoadPlan struct {
	Device       types.Device
	Quantization types.Quantization
	UseProcessor bool
}

// CPUPlan returns the plan used for the disk-offload retry.
func CPUPlan(useProcessor bool) LoadPlan {
	return LoadPlan{Device: types.DeviceCPU, Quantization: types.QuantNone, UseProcessor: useProcessor}
}

func (p LoadPlan) String() string {
	return fmt.Sprintf("%s/%s", p.Device, p.Quantization)
}

// Decision is the outcome of device selection.
type Decision struct {
	Device    types.Device
	Reason    string
	FreeGPUMB int
}

// Selector picks a device from free GPU memory.
type Selector struct {
	Probe        resource.Probe
	MinFreeGPUMB int
}

// SelectDevice returns cuda:0 only when a GPU is present and its free memory
// is at least max(requiredMB, MinFreeGPUMB). It never uses automatic
// placement, which may spill weights to disk.
func (s Selector) SelectDevice(ctx context.Context, requiredMB int) Decision {
	floor := s.MinFreeGPUMB
	if floor <= 0 {
		floor = DefaultMinFreeGPUMB
	}
	need := max(requiredMB, floor)
	if s.Probe == nil || s.Probe.GPUCount(ctx) == 0 {
		return Decision{Device: types.DeviceCPU, Reason: "no gpu available"}
	}
	free := s.Probe.FreeGPUMemoryMB(ctx)
	if free < need {
		return Decision{
			Device:    types.DeviceCPU,
			Reason:    fmt.Sprintf("free gpu memory %d MB below required %d MB", free, need),
			FreeGPUMB: free,
		}
	}
	return Decision{Device: types.DeviceCUDA, Reason: fmt.Sprintf("%d MB free on gpu", free), FreeGPUMB: free}
}

// Capabilities describes which quantized kernels the backend provides.
type Capabilities struct {
	Int8 bool
	Int4 bool
}

// Quantization is the planner result. Notice is non-empty when the request
// could not be honored as asked.
type Quantization struct {
	Mode   types.Quantization
	Notice string
}

// PlanQuantization turns optimization flags and a device into a quantization
// mode. Quantization only applies on CUDA devices.
func PlanQuantization(flags types.OptimizationFlags, device types.Device, caps Capabilities) Quantization {
	requested := normalizeType(flags.QuantizationType)
	if !device.IsGPU() {
		if flags.EnableQuantization {
			return Quantization{Mode: types.QuantNone, Notice: "quantization requires a cuda device; loading without quantization on cpu"}
		}
		return Quantization{Mode: types.QuantNone}
	}
	if !flags.EnableQuantization {
		return Quantization{Mode: types.QuantFP16}
	}
	switch requested {
	case types.QuantInt8:
		if !caps.Int8 {
			return Quantization{Mode: types.QuantFP16, Notice: "int8 kernels unavailable; using fp16"}
		}
		return Quantization{Mode: types.QuantInt8}
	case types.QuantInt4:
		if !caps.Int8 {
			return Quantization{Mode: types.QuantFP16, Notice: "int4 requires int8 support; using fp16"}
		}
		if !caps.Int4 {
			return Quantization{Mode: types.QuantFP16, Notice: "int4 kernels unavailable; using fp16"}
		}
		return Quantization{Mode: types.QuantInt4}
	case types.QuantFP16:
		return Quantization{Mode: types.QuantFP16}
	default:
		return Quantization{Mode: types.QuantFP16, Notice: fmt.Sprintf("unknown quantization type %q; using fp16", flags.QuantizationType)}
	}
}

// normalizeType maps free-form config strings onto a quantization mode.
// Values that read as false select fp16.
func normalizeType(s string) types.Quantization {
	v := strings.ToLower(strings.TrimSpace(s))
	if !types.ParseFlag(v) {
		return types.QuantFP16
	}
	switch v {
	case "int8", "8bit", "8-bit":
		return types.QuantInt8
	case "int4", "4bit", "4-bit", "nf4":
		return types.QuantInt4
	case "fp16", "float16", "half":
		return types.QuantFP16
	}
	return types.Quantization(v)
}

// Plan combines device selection and quantization planning.
func Plan(d Decision, flags types.OptimizationFlags, caps Capabilities, useProcessor bool) (LoadPlan, string) {
	q := PlanQuantization(flags, d.Device, caps)
	return LoadPlan{Device: d.Device, Quantization: q.Mode, UseProcessor: useProcessor}, q.Notice
}
