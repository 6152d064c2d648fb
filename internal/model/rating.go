package model

import (
	"strconv"
	"time"
)

// DeckRating is the TrueSkill belief distribution for one deck's skill.
type DeckRating struct {
	DeckID      string    `json:"deckId" bson:"_id"`
	Mu          float64   `json:"mu" bson:"mu"`
	Sigma       float64   `json:"sigma" bson:"sigma"`
	GamesPlayed int       `json:"gamesPlayed" bson:"gamesPlayed"`
	Wins        int       `json:"wins" bson:"wins"`
	LastUpdated time.Time `json:"lastUpdated" bson:"lastUpdated"`
}

// Display is the conservative skill estimate (mu - 3 sigma) used for leaderboards.
func (r DeckRating) Display() float64 {
	return r.Mu - 3*r.Sigma
}

// MatchResult is one game's outcome, used both to drive TrueSkill updates and, via
// its deterministic ID, as the idempotency guard for rating updates (spec invariant
// 8: MatchResult.id uniqueness provides job-level idempotency).
type MatchResult struct {
	ID            string    `json:"id" bson:"_id"`
	JobID         string    `json:"jobId" bson:"jobId"`
	GameIndex     int       `json:"gameIndex" bson:"gameIndex"`
	DeckIDs       [4]string `json:"deckIds" bson:"deckIds"`
	WinnerDeckID  string    `json:"winnerDeckId,omitempty" bson:"winnerDeckId,omitempty"`
	TurnCount     *int      `json:"turnCount,omitempty" bson:"turnCount,omitempty"`
	PlayedAt      time.Time `json:"playedAt" bson:"playedAt"`
}

// MatchResultID builds the "{jobId}_{gameIndex}" primary key spec §3 mandates.
func MatchResultID(jobID string, gameIndex int) string {
	return jobID + "_" + strconv.Itoa(gameIndex)
}
