package workerruntime

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

// Capacity computes C = max(1, min(floor((RAM-reserve)/ramPerSim),
// floor((CPU-2)/cpuPerSim), hardCap)), further capped by override if set
// (spec §4.E). totalRAMMB/numCPU are parameters rather than read globally so
// tests can exercise the formula without depending on the host machine.
func Capacity(totalRAMMB int, numCPU int, cfg CapacityConfig) int {
	ramBudget := totalRAMMB - cfg.SystemReserveMB
	ramSlots := 1
	if cfg.RAMPerSimMB > 0 && ramBudget > 0 {
		ramSlots = ramBudget / cfg.RAMPerSimMB
	} else {
		ramSlots = 0
	}

	cpuSlots := 0
	if cfg.CPUsPerSim > 0 {
		cpuSlots = (numCPU - 2) / cfg.CPUsPerSim
	}

	c := min3(ramSlots, cpuSlots, cfg.HardCap)
	if cfg.Override != nil {
		c = minInt(c, *cfg.Override)
	}
	if c < 1 {
		c = 1
	}
	return c
}

// CapacityConfig carries the formula's tunable inputs.
type CapacityConfig struct {
	RAMPerSimMB     int
	SystemReserveMB int
	CPUsPerSim      int
	HardCap         int
	Override        *int
}

// DetectHostCapacity reads total system RAM via gopsutil and the runtime's visible
// CPU count, then applies Capacity. Detection failures fall back to a single slot
// rather than erroring — a worker with unknown capacity should still run one
// simulation at a time instead of refusing to start.
func DetectHostCapacity(cfg CapacityConfig) int {
	totalMB := 0
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMB = int(vm.Total / (1024 * 1024))
	}
	if totalMB == 0 {
		return 1
	}
	return Capacity(totalMB, runtime.NumCPU(), cfg)
}

func min3(a, b, c int) int {
	return minInt(minInt(a, b), c)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
