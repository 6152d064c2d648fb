// Package trueskill implements the pairwise TrueSkill update of spec §4.H.1: for
// each game, three winner-vs-loser simultaneous updates using the initial
// ratings of that game; loser-vs-loser ties are skipped. No TrueSkill/Glicko/Elo
// library appears anywhere in the retrieved pack, so this is hand-implemented
// from the spec's formulas using only math (erf-based Phi/phi) — the one
// deliberate stdlib-only exception recorded in DESIGN.md.
package trueskill

import "math"

// Default parameters from spec §4.H.1.
const (
	DefaultMu    = 25.0
	DefaultSigma = 25.0 / 3.0
	Beta         = 25.0 / 6.0
	Tau          = 25.0 / 300.0

	minDenominator = 1e-10
	minWClamp      = 1e-10
	minSigmaSq     = 0.01
)

// Rating is a deck's skill belief distribution at a point in time.
type Rating struct {
	Mu    float64
	Sigma float64
}

// Display is the conservative skill estimate used for leaderboards.
func (r Rating) Display() float64 { return r.Mu - 3*r.Sigma }

// New returns the default prior rating.
func New() Rating { return Rating{Mu: DefaultMu, Sigma: DefaultSigma} }

// delta accumulates the pending mu/sigma-squared adjustments for one player
// across all pairwise comparisons within a single game, applied once at the end
// (spec: "After all pairwise updates in a game").
type delta struct {
	dMu   float64
	dWSig float64 // accumulated sigma^2 reduction
}

// UpdateGame applies one game's pairwise winner-vs-loser updates. winner and
// losers carry the *initial* ratings for this game (the spec requires every
// pairwise comparison within a game to use the pre-game ratings, not
// intermediate ones). It returns the post-game ratings in the same order:
// (newWinner, newLosers[0..2]).
func UpdateGame(winner Rating, losers [3]Rating) (Rating, [3]Rating) {
	winnerDelta := delta{}
	loserDeltas := [3]delta{}

	for i, loser := range losers {
		dw, dl := pairwiseUpdate(winner, loser)
		winnerDelta.dMu += dw.dMu
		winnerDelta.dWSig += dw.dWSig
		loserDeltas[i].dMu += dl.dMu
		loserDeltas[i].dWSig += dl.dWSig
	}

	newWinner := applyDelta(winner, winnerDelta)
	var newLosers [3]Rating
	for i, loser := range losers {
		newLosers[i] = applyDelta(loser, loserDeltas[i])
	}
	return newWinner, newLosers
}

// pairwiseUpdate computes the delta contributions for one winner-vs-loser
// comparison, per spec §4.H.1's formulas.
func pairwiseUpdate(w, l Rating) (winnerDelta, loserDelta delta) {
	c := math.Sqrt(w.Sigma*w.Sigma + l.Sigma*l.Sigma + 2*Beta*Beta)
	t := (w.Mu - l.Mu) / c

	v := vFunc(t)
	wt := wFunc(t, v)

	winnerDelta.dMu = (w.Sigma * w.Sigma / c) * v
	loserDelta.dMu = -(l.Sigma * l.Sigma / c) * v

	winnerDelta.dWSig = (w.Sigma * w.Sigma * w.Sigma * w.Sigma / (c * c)) * wt
	loserDelta.dWSig = (l.Sigma * l.Sigma * l.Sigma * l.Sigma / (c * c)) * wt

	return winnerDelta, loserDelta
}

// vFunc is v(t) = phi(t)/Phi(t), denominator clamped to >= 1e-10.
func vFunc(t float64) float64 {
	denom := bigPhi(t)
	if denom < minDenominator {
		denom = minDenominator
	}
	return smallPhi(t) / denom
}

// wFunc is w(t) = v(t)*(v(t)+t), clamped to [0, 1-1e-10].
func wFunc(t, v float64) float64 {
	w := v * (v + t)
	if w < 0 {
		w = 0
	}
	if w > 1-minWClamp {
		w = 1 - minWClamp
	}
	return w
}

// smallPhi is the standard normal PDF.
func smallPhi(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// bigPhi is the standard normal CDF, via the error function.
func bigPhi(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// applyDelta produces the post-game rating from a pre-game rating and its
// accumulated delta: sigma_new = sqrt(max(sigma^2 - dWSig, 0.01) + tau^2),
// mu_new = mu + dMu.
func applyDelta(r Rating, d delta) Rating {
	sigmaSq := r.Sigma*r.Sigma - d.dWSig
	if sigmaSq < minSigmaSq {
		sigmaSq = minSigmaSq
	}
	newSigma := math.Sqrt(sigmaSq + Tau*Tau)
	newMu := r.Mu + d.dMu
	return Rating{Mu: newMu, Sigma: newSigma}
}
