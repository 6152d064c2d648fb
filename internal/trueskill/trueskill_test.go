package trueskill

import (
	"math"
	"testing"
)

func TestUpdateGameWinnerImproves(t *testing.T) {
	w := New()
	losers := [3]Rating{New(), New(), New()}

	newWinner, newLosers := UpdateGame(w, losers)

	if newWinner.Display() <= w.Display() {
		t.Fatalf("winner display rating did not improve: before=%v after=%v", w.Display(), newWinner.Display())
	}
	for i, l := range newLosers {
		if l.Display() >= losers[i].Display() {
			t.Fatalf("loser %d display rating did not worsen: before=%v after=%v", i, losers[i].Display(), l.Display())
		}
	}
}

func TestUpdateGameDeterministic(t *testing.T) {
	w := Rating{Mu: 28, Sigma: 6}
	losers := [3]Rating{{Mu: 24, Sigma: 7}, {Mu: 22, Sigma: 8}, {Mu: 20, Sigma: 5}}

	w1, l1 := UpdateGame(w, losers)
	w2, l2 := UpdateGame(w, losers)

	if w1 != w2 || l1 != l2 {
		t.Fatal("UpdateGame must be a pure deterministic function of its inputs")
	}
}

func TestUpdateGameSigmaNeverCollapsesBelowTau(t *testing.T) {
	w := Rating{Mu: 25, Sigma: 0.2}
	losers := [3]Rating{{Mu: 25, Sigma: 0.2}, {Mu: 25, Sigma: 0.2}, {Mu: 25, Sigma: 0.2}}

	newWinner, newLosers := UpdateGame(w, losers)

	if newWinner.Sigma < Tau {
		t.Fatalf("winner sigma collapsed below tau floor: %v", newWinner.Sigma)
	}
	for _, l := range newLosers {
		if l.Sigma < Tau {
			t.Fatalf("loser sigma collapsed below tau floor: %v", l.Sigma)
		}
	}
}

func TestBigPhiMonotonic(t *testing.T) {
	prev := bigPhi(-5)
	for _, x := range []float64{-3, -1, 0, 1, 3, 5} {
		cur := bigPhi(x)
		if cur < prev {
			t.Fatalf("bigPhi not monotonic at x=%v", x)
		}
		prev = cur
	}
	if math.Abs(bigPhi(0)-0.5) > 1e-9 {
		t.Fatalf("bigPhi(0) = %v, want 0.5", bigPhi(0))
	}
}

func TestIdenticalMatchSequenceReplaysIdentically(t *testing.T) {
	// Two independent replays of the same game sequence (same initial ratings,
	// same winner/loser assignment) must reach identical final ratings, per
	// spec testable-property 9.
	play := func() (Rating, [3]Rating) {
		w := New()
		losers := [3]Rating{New(), New(), New()}
		for i := 0; i < 5; i++ {
			w, losers = UpdateGame(w, losers)
		}
		return w, losers
	}

	w1, l1 := play()
	w2, l2 := play()

	if w1 != w2 || l1 != l2 {
		t.Fatal("identical game sequences must produce identical final ratings")
	}
}
