package config

import "testing"

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Defaults()

	t.Setenv("RAM_PER_SIM_MB", "2400")
	t.Setenv("MAX_CONCURRENT_SIMS", "12")
	t.Setenv("CLOUD_PROJECT_ID", "proj-1")
	t.Setenv("SIMULATION_IMAGE", "registry/sim:latest")

	ApplyEnvOverrides(&cfg)

	if cfg.Worker.RAMPerSimMB != 2400 {
		t.Errorf("RAMPerSimMB = %d, want 2400", cfg.Worker.RAMPerSimMB)
	}
	if cfg.Worker.MaxConcurrentSims != 12 {
		t.Errorf("MaxConcurrentSims = %d, want 12", cfg.Worker.MaxConcurrentSims)
	}
	if !cfg.UsesDocStore() {
		t.Errorf("expected UsesDocStore() true once CLOUD_PROJECT_ID is set")
	}
	if cfg.Worker.SimulationImage != "registry/sim:latest" {
		t.Errorf("SimulationImage = %q", cfg.Worker.SimulationImage)
	}
}

func TestDefaultsUsesSQLStore(t *testing.T) {
	cfg := Defaults()
	if cfg.UsesDocStore() {
		t.Errorf("expected default config to select the embedded SQL store")
	}
}
