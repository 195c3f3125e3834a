package governor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads host-wide utilisation through gopsutil.
type HostSampler struct{}

// Sample returns CPU and memory utilisation as ratios in 0..1.
func (HostSampler) Sample(ctx context.Context) (float64, float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu percent: %w", err)
	}
	var c float64
	if len(pcts) > 0 {
		c = pcts[0] / 100
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("virtual memory: %w", err)
	}
	return c, vm.UsedPercent / 100, nil
}
