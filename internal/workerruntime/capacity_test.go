package workerruntime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapacity_RAMBound(t *testing.T) {
	cfg := CapacityConfig{RAMPerSimMB: 1200, SystemReserveMB: 2048, CPUsPerSim: 2, HardCap: 16}
	// (8192-2048)/1200 = 5, (16-2)/2 = 7, hardCap 16 -> min is 5.
	require.Equal(t, 5, Capacity(8192, 16, cfg))
}

func TestCapacity_CPUBound(t *testing.T) {
	cfg := CapacityConfig{RAMPerSimMB: 1200, SystemReserveMB: 2048, CPUsPerSim: 2, HardCap: 16}
	// (32768-2048)/1200 = 25, (4-2)/2 = 1 -> min is 1.
	require.Equal(t, 1, Capacity(32768, 4, cfg))
}

func TestCapacity_HardCapBound(t *testing.T) {
	cfg := CapacityConfig{RAMPerSimMB: 100, SystemReserveMB: 0, CPUsPerSim: 1, HardCap: 3}
	require.Equal(t, 3, Capacity(1_000_000, 64, cfg))
}

func TestCapacity_OverrideWins(t *testing.T) {
	override := 2
	cfg := CapacityConfig{RAMPerSimMB: 1200, SystemReserveMB: 2048, CPUsPerSim: 2, HardCap: 16, Override: &override}
	require.Equal(t, 2, Capacity(8192, 16, cfg))
}

func TestCapacity_NeverBelowOne(t *testing.T) {
	cfg := CapacityConfig{RAMPerSimMB: 1200, SystemReserveMB: 4096, CPUsPerSim: 2, HardCap: 16}
	require.Equal(t, 1, Capacity(2048, 4, cfg))
}
