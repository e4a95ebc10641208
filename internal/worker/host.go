package worker

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"titangrid/pkg/model"
)

const mib = 1024 * 1024

// Sampler reports how much of each resource the host is using right now.
type Sampler func(ctx context.Context) (model.Resources, error)

// HostUsage samples cpu cores and memory in use on this machine.
func HostUsage(ctx context.Context) (model.Resources, error) {
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	usage := model.Resources{model.ResourceMemory: float64(vm.Used) / mib}
	if len(percent) > 0 {
		usage[model.ResourceCPU] = percent[0] / 100 * float64(cores)
	}
	return usage, nil
}

// DetectCapabilities fills in cpu cores and memory from the host when caps
// does not set them. Other kinds are taken as configured.
func DetectCapabilities(ctx context.Context, caps model.Resources) (model.Resources, error) {
	out := caps.Clone()
	if out == nil {
		out = model.Resources{}
	}
	if _, ok := out[model.ResourceCPU]; !ok {
		cores, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return nil, err
		}
		out[model.ResourceCPU] = float64(cores)
	}
	if _, ok := out[model.ResourceMemory]; !ok {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, err
		}
		out[model.ResourceMemory] = float64(vm.Total / mib)
	}
	return out, nil
}
