// Package aggregator implements the aggregation step of spec §4.H: once every
// simulation in a job is terminal, ingest the raw per-game logs, produce the
// analysis artifact via the external log analyzer, persist the job's final
// results, update deck ratings via TrueSkill, and clear the ephemeral progress
// projection. Grounded on the teacher's processor package's
// "gather results, then finalize" shape (internal/processor/batch_processor.go),
// generalized from a flat batch-result slice into the job/simulation/raw-log
// triple this aggregation reads.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"simbatch/internal/apperr"
	"simbatch/internal/blobstore"
	"simbatch/internal/external"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/store"
	"simbatch/internal/trueskill"
)

// Aggregator turns a job's terminal simulations into a finished job result and
// updates deck ratings.
type Aggregator struct {
	store    store.Store
	blobs    blobstore.Store
	progress progress.Store
	analyzer external.LogAnalyzer
}

// Options configures an Aggregator.
type Options struct {
	Store    store.Store
	Blobs    blobstore.Store
	Progress progress.Store
	Analyzer external.LogAnalyzer
}

func New(opts Options) *Aggregator {
	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = external.NoopAnalyzer()
	}
	return &Aggregator{store: opts.Store, blobs: opts.Blobs, progress: opts.Progress, analyzer: analyzer}
}

// Aggregate implements spec §4.H steps 1-9. It is safe to call repeatedly for
// the same job (guarded by job status, then by MatchResult idempotency for the
// rating update specifically).
func (a *Aggregator) Aggregate(ctx context.Context, jobID string) error {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil
		}
		return fmt.Errorf("fetch job: %w", err)
	}
	if job.Status == model.JobCompleted || job.Status == model.JobFailed {
		return nil // already aggregated; idempotency guard
	}

	sims, err := a.store.GetSimulationStatuses(ctx, jobID)
	if err != nil {
		return fmt.Errorf("fetch simulations: %w", err)
	}

	allDone := true
	allCancelled := true
	for _, s := range sims {
		if !model.IsSimTerminal(s.State) {
			allDone = false
		}
		if s.State != model.SimCancelled {
			allCancelled = false
		}
	}
	if !allDone {
		return nil // FAILED sims still pending retry; recovery will re-trigger
	}

	rawLogKeys := a.collectRawLogKeys(ctx, jobID, sims)

	artifactURL, err := a.analyzer.Analyze(ctx, jobID, rawLogKeys)
	if err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("log analysis failed; continuing with empty artifact")
	}

	if job.Status == model.JobCancelled {
		// Preserve CANCELLED status, but logs were still ingested above.
		if a.progress != nil {
			_ = a.progress.DeleteJobProgress(ctx, jobID)
		}
		return nil
	}

	if allCancelled {
		return nil // no COMPLETED sims at all; no state change (spec §4.H step 6)
	}

	gamesCompleted := 0
	deckWins := make(map[string]int)
	var durations []int64
	for _, s := range sims {
		if s.State != model.SimCompleted {
			continue
		}
		gamesCompleted += len(s.Winners)
		for _, w := range s.Winners {
			if w != "" {
				deckWins[w]++
			}
		}
		if s.DurationMs != nil {
			durations = append(durations, *s.DurationMs)
		}
	}

	results := model.JobResults{
		GamesCompleted:      gamesCompleted,
		AnalysisArtifactURL: artifactURL,
		DeckWins:            deckWins,
	}

	if err := a.store.SetJobCompleted(ctx, jobID, durations, results); err != nil {
		return fmt.Errorf("set job completed: %w", err)
	}

	if err := a.updateRatings(ctx, job, sims); err != nil {
		// Rating failures are logged, never affect job status (spec §7).
		log.Error().Err(err).Str("jobID", jobID).Msg("trueskill rating update failed")
	}

	if a.progress != nil {
		if err := a.progress.DeleteJobProgress(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("jobID", jobID).Msg("failed to delete ephemeral progress projection")
		}
	}

	return nil
}

func (a *Aggregator) collectRawLogKeys(ctx context.Context, jobID string, sims []*model.Simulation) []string {
	var keys []string
	for _, s := range sims {
		if s.State != model.SimCompleted {
			continue
		}
		key := blobstore.RawLogKey(jobID, s.Index+1)
		if a.blobs != nil {
			if _, err := a.blobs.Fetch(ctx, key); err != nil {
				log.Warn().Err(err).Str("jobID", jobID).Str("key", key).
					Msg("raw log missing or unreadable; tolerated per spec")
				continue
			}
		}
		keys = append(keys, key)
	}
	return keys
}

// updateRatings performs the TrueSkill update of spec §4.H.1, guarded by
// MatchResult idempotency (spec invariant 8): if any MatchResult already exists
// for this job, the whole update is skipped.
func (a *Aggregator) updateRatings(ctx context.Context, job *model.Job, sims []*model.Simulation) error {
	exists, err := a.store.HasMatchResults(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("check existing match results: %w", err)
	}
	if exists {
		return nil
	}

	deckIDs := [4]string{}
	for i, d := range job.Decks {
		id := d.ID
		if id == "" {
			id = d.Name
		}
		deckIDs[i] = id
	}

	ratings := make(map[string]trueskill.Rating, 4)
	for _, id := range deckIDs {
		existing, err := a.store.GetDeckRating(ctx, id)
		if err != nil {
			if apperr.KindOf(err) == apperr.NotFound {
				ratings[id] = trueskill.New()
				continue
			}
			return fmt.Errorf("fetch deck rating %s: %w", id, err)
		}
		ratings[id] = trueskill.Rating{Mu: existing.Mu, Sigma: existing.Sigma}
	}

	gamesPlayed := map[string]int{}
	wins := map[string]int{}

	var matchResults []model.MatchResult
	gameIndex := 0
	now := time.Now()

	for _, sim := range sims {
		if sim.State != model.SimCompleted {
			continue
		}
		for gi, winner := range sim.Winners {
			var turnCount *int
			if gi < len(sim.WinningTurns) {
				t := sim.WinningTurns[gi]
				turnCount = &t
			}

			matchResults = append(matchResults, model.MatchResult{
				ID:           model.MatchResultID(job.ID, gameIndex),
				JobID:        job.ID,
				GameIndex:    gameIndex,
				DeckIDs:      deckIDs,
				WinnerDeckID: winner,
				TurnCount:    turnCount,
				PlayedAt:     now,
			})

			if winner != "" {
				applyGame(ratings, deckIDs, winner)
				wins[winner]++
			}
			for _, id := range deckIDs {
				gamesPlayed[id]++
			}
			gameIndex++
		}
	}

	if len(matchResults) == 0 {
		return nil
	}

	if err := a.store.PutMatchResults(ctx, matchResults); err != nil {
		return fmt.Errorf("put match results: %w", err)
	}

	for _, id := range deckIDs {
		r := ratings[id]
		if err := a.store.PutDeckRating(ctx, model.DeckRating{
			DeckID:      id,
			Mu:          r.Mu,
			Sigma:       r.Sigma,
			GamesPlayed: gamesPlayed[id],
			Wins:        wins[id],
			LastUpdated: now,
		}); err != nil {
			return fmt.Errorf("put deck rating %s: %w", id, err)
		}
	}

	return nil
}

// applyGame mutates ratings in place for one game's winner-vs-three-losers
// TrueSkill update. Loser-vs-loser ties are skipped per spec §4.H.1.
func applyGame(ratings map[string]trueskill.Rating, deckIDs [4]string, winnerID string) {
	var loserIDs []string
	for _, id := range deckIDs {
		if id != winnerID {
			loserIDs = append(loserIDs, id)
		}
	}
	if len(loserIDs) != 3 {
		return // malformed game (duplicate deck ids); skip rather than guess
	}

	var losers [3]trueskill.Rating
	for i, id := range loserIDs {
		losers[i] = ratings[id]
	}

	newWinner, newLosers := trueskill.UpdateGame(ratings[winnerID], losers)
	ratings[winnerID] = newWinner
	for i, id := range loserIDs {
		ratings[id] = newLosers[i]
	}
}
