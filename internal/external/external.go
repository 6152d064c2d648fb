// Package external defines the minimal interfaces for the collaborators spec §1
// explicitly places out of scope (deck content resolution, per-account business
// limits, log parsing/analysis, outbound notification). Each interface has a
// no-op or local-only implementation here so the dispatcher/aggregator can be
// fully wired and tested without a real identity provider, billing system or LLM
// analysis pipeline behind them.
package external

import (
	"context"

	"simbatch/internal/model"
)

// DeckResolver turns opaque deck references supplied in a job request into full
// deck content. A real implementation would call out to the deck-building
// service; ResolverFunc lets callers (including tests) supply decks directly.
type DeckResolver interface {
	ResolveDecks(ctx context.Context, refs [4]string) ([4]model.Deck, error)
}

// ResolverFunc adapts a function to a DeckResolver.
type ResolverFunc func(ctx context.Context, refs [4]string) ([4]model.Deck, error)

func (f ResolverFunc) ResolveDecks(ctx context.Context, refs [4]string) ([4]model.Deck, error) {
	return f(ctx, refs)
}

// PassthroughResolver treats the supplied references as already-resolved deck
// content, used when callers submit full deck bodies directly (the only path
// this repository implements end to end).
func PassthroughResolver() DeckResolver {
	return ResolverFunc(func(_ context.Context, refs [4]string) ([4]model.Deck, error) {
		var decks [4]model.Deck
		for i, r := range refs {
			decks[i] = model.Deck{Name: r, Content: r}
		}
		return decks, nil
	})
}

// LimitsChecker enforces per-account simulation quotas before a job is admitted.
// A real implementation would consult a billing/usage service.
type LimitsChecker interface {
	CheckLimits(ctx context.Context, createdBy string, simulations int) error
}

// LimitsCheckerFunc adapts a function to a LimitsChecker.
type LimitsCheckerFunc func(ctx context.Context, createdBy string, simulations int) error

func (f LimitsCheckerFunc) CheckLimits(ctx context.Context, createdBy string, simulations int) error {
	return f(ctx, createdBy, simulations)
}

// AllowAllLimits never rejects a job, the default when no quota system is wired
// in.
func AllowAllLimits() LimitsChecker {
	return LimitsCheckerFunc(func(context.Context, string, int) error { return nil })
}

// LogParser extracts per-game winners and winning turn counts from one
// container's raw stdout log. A real implementation would know the simulation
// engine's log format; this repository never interprets the log body itself.
type LogParser interface {
	ParseLog(ctx context.Context, logText string, gamesPlayed int) (winners []string, winningTurns []int, err error)
}

type noopParser struct{}

// ParseLog returns no winners, leaving Simulation.Winners/WinningTurns empty.
// Used only where no real log parser is wired, so aggregation still completes.
func (noopParser) ParseLog(context.Context, string, int) ([]string, []int, error) {
	return nil, nil, nil
}

func NoopParser() LogParser { return noopParser{} }

// LogAnalyzer runs the heavier, optional analysis pass over aggregated raw
// simulation logs (e.g. an LLM-driven summary), producing the artifact URL
// recorded on JobResults.AnalysisArtifactURL. A real implementation would call
// out to an analysis service; NoopAnalyzer skips the step entirely.
type LogAnalyzer interface {
	Analyze(ctx context.Context, jobID string, rawLogKeys []string) (artifactURL string, err error)
}

type noopAnalyzer struct{}

func (noopAnalyzer) Analyze(context.Context, string, []string) (string, error) { return "", nil }

func NoopAnalyzer() LogAnalyzer { return noopAnalyzer{} }

// Notifier sends completion/failure notifications to job owners (email, webhook,
// etc.). A real implementation would be an external collaborator; NoopNotifier
// just logs nothing and returns nil, matching spec §1's "notification delivery
// is out of scope" note.
type Notifier interface {
	NotifyJobTerminal(ctx context.Context, job *model.Job) error
}

type noopNotifier struct{}

func (noopNotifier) NotifyJobTerminal(context.Context, *model.Job) error { return nil }

func NoopNotifier() Notifier { return noopNotifier{} }
