// Package hoststat reads host-level capacity used by admission control and the
// resource monitor.
package hoststat

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one reading of host capacity.
type Snapshot struct {
	MemTotal       uint64
	MemAvailable   uint64
	MemUsedPercent float64
	CPUPercent     float64
}

// Probe reads host statistics through gopsutil.
type Probe struct{}

func New() *Probe { return &Probe{} }

// AvailableMemory returns the bytes of memory the kernel considers available
// for new allocations without swapping.
func (p *Probe) AvailableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading host memory: %w", err)
	}
	return vm.Available, nil
}

// Snapshot reads memory and an instantaneous CPU percentage (since the last call).
func (p *Probe) Snapshot(ctx context.Context) (*Snapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host memory: %w", err)
	}
	snap := &Snapshot{
		MemTotal:       vm.Total,
		MemAvailable:   vm.Available,
		MemUsedPercent: vm.UsedPercent,
	}

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("reading host cpu: %w", err)
	}
	if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	return snap, nil
}
