package model

import "testing"

func TestCanTransitionSim(t *testing.T) {
	cases := []struct {
		from, to SimState
		want     bool
	}{
		{SimPending, SimRunning, true},
		{SimPending, SimCancelled, true},
		{SimPending, SimCompleted, false},
		{SimRunning, SimCompleted, true},
		{SimRunning, SimFailed, true},
		{SimRunning, SimCancelled, true},
		{SimRunning, SimPending, false},
		{SimFailed, SimPending, true},
		{SimFailed, SimRunning, false},
		{SimCompleted, SimPending, false},
		{SimCancelled, SimRunning, false},
	}
	for _, c := range cases {
		if got := CanTransitionSim(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionSim(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionJob(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobFailed, true},
		{JobQueued, JobCancelled, true},
		{JobRunning, JobCompleted, true},
		{JobFailed, JobQueued, true},
		{JobFailed, JobRunning, false},
		{JobCompleted, JobQueued, false},
		{JobCancelled, JobRunning, false},
	}
	for _, c := range cases {
		if got := CanTransitionJob(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionJob(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsSimTerminal(SimCompleted) || !IsSimTerminal(SimCancelled) {
		t.Fatal("COMPLETED and CANCELLED must be terminal sim states")
	}
	if IsSimTerminal(SimFailed) {
		t.Fatal("FAILED is terminal-but-retryable, not terminal")
	}
	if !IsJobTerminal(JobCompleted) || !IsJobTerminal(JobCancelled) {
		t.Fatal("COMPLETED and CANCELLED must be terminal job states")
	}
	if IsJobTerminal(JobFailed) {
		t.Fatal("job FAILED is terminal-but-retryable, not terminal")
	}
}

func TestFormatSimID(t *testing.T) {
	if got := FormatSimID(0); got != "sim_000" {
		t.Fatalf("FormatSimID(0) = %q", got)
	}
	if got := FormatSimID(42); got != "sim_042" {
		t.Fatalf("FormatSimID(42) = %q", got)
	}
}

func TestTotalSimCount(t *testing.T) {
	cases := map[int]int{
		0:  0,
		1:  1,
		4:  1,
		5:  2,
		8:  2,
		9:  3,
		100: 25,
	}
	for sims, want := range cases {
		if got := TotalSimCount(sims); got != want {
			t.Errorf("TotalSimCount(%d) = %d, want %d", sims, got, want)
		}
	}
}
