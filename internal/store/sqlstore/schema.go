package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO)
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	created_at           TEXT NOT NULL,
	created_by           TEXT NOT NULL,
	decks_json           TEXT NOT NULL,
	simulations          INTEGER NOT NULL,
	parallelism          INTEGER NOT NULL,
	status               TEXT NOT NULL,
	idempotency_key      TEXT,
	started_at           TEXT,
	completed_at         TEXT,
	claimed_at           TEXT,
	worker_id            TEXT NOT NULL DEFAULT '',
	worker_name          TEXT NOT NULL DEFAULT '',
	retry_count          INTEGER NOT NULL DEFAULT 0,
	completed_sim_count  INTEGER NOT NULL DEFAULT 0,
	total_sim_count      INTEGER NOT NULL DEFAULT 0,
	needs_aggregation    INTEGER NOT NULL DEFAULT 0,
	docker_run_durations TEXT NOT NULL DEFAULT '[]',
	error_message        TEXT NOT NULL DEFAULT '',
	results_json         TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency_key
	ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != '';

CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created_by ON jobs(created_by);

CREATE TABLE IF NOT EXISTS simulations (
	job_id             TEXT NOT NULL,
	sim_id             TEXT NOT NULL,
	idx                INTEGER NOT NULL,
	state              TEXT NOT NULL,
	worker_id          TEXT NOT NULL DEFAULT '',
	worker_name        TEXT NOT NULL DEFAULT '',
	started_at         TEXT,
	completed_at       TEXT,
	duration_ms        INTEGER,
	error_message      TEXT NOT NULL DEFAULT '',
	winners_json       TEXT NOT NULL DEFAULT '[]',
	winning_turns_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (job_id, sim_id)
);

CREATE INDEX IF NOT EXISTS idx_simulations_job_id ON simulations(job_id);

CREATE TABLE IF NOT EXISTS workers (
	worker_id               TEXT PRIMARY KEY,
	worker_name             TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL,
	current_job_id          TEXT NOT NULL DEFAULT '',
	capacity                INTEGER NOT NULL DEFAULT 0,
	active_simulations      INTEGER NOT NULL DEFAULT 0,
	uptime_ms               INTEGER NOT NULL DEFAULT 0,
	last_heartbeat          TEXT NOT NULL,
	version                 TEXT NOT NULL DEFAULT '',
	max_concurrent_override INTEGER,
	owner_email             TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS deck_ratings (
	deck_id      TEXT PRIMARY KEY,
	mu           REAL NOT NULL,
	sigma        REAL NOT NULL,
	games_played INTEGER NOT NULL DEFAULT 0,
	wins         INTEGER NOT NULL DEFAULT 0,
	last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS match_results (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL,
	game_index      INTEGER NOT NULL,
	deck_ids_json   TEXT NOT NULL,
	winner_deck_id  TEXT NOT NULL,
	turn_count      INTEGER,
	played_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_match_results_job_id ON match_results(job_id);
`

// Open mirrors the teacher pack's embedded-sqlite Open helper: WAL journal, a busy
// timeout so concurrent dispatcher/worker/recovery processes don't spuriously fail
// on SQLITE_BUSY, and a single-connection pool since modernc.org/sqlite serializes
// writes anyway. path == ":memory:" is used by tests.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	dsn := path +
		"?_pragma=foreign_keys(ON)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}
