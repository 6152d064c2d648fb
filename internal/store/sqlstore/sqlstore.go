// Package sqlstore implements store.Store against an embedded, file-backed SQLite
// database via modernc.org/sqlite, the pure-Go driver used by the pack's own
// sqlite-backed repo. It is the default backend when no cloud project ID is
// configured (spec §4.A, §9).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"simbatch/internal/apperr"
	"simbatch/internal/model"
	"simbatch/internal/store"
)

type sqlStore struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (store.Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		log.Error().Err(err).Msg("sqlstore health check failed")
		return err
	}
	return nil
}

func timeToSQL(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func sqlToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}

// CreateJob inserts a job and, when IdempotencyKey is set, relies on the unique
// index in schema.go to reject a duplicate; on a uniqueness violation it re-reads
// and returns the job that already exists (spec §4.A invariant 7).
func (s *sqlStore) CreateJob(ctx context.Context, p store.CreateJobParams) (*model.Job, error) {
	job := &model.Job{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      p.CreatedBy,
		Decks:          p.Decks,
		Simulations:    p.Simulations,
		Parallelism:    p.Parallelism,
		Status:         model.JobQueued,
		IdempotencyKey: p.IdempotencyKey,
		TotalSimCount:  model.TotalSimCount(p.Simulations),
	}

	var idempotencyKey any
	if p.IdempotencyKey != "" {
		idempotencyKey = p.IdempotencyKey
	}

	const q = `
INSERT INTO jobs (id, created_at, created_by, decks_json, simulations, parallelism, status,
	idempotency_key, retry_count, completed_sim_count, total_sim_count, needs_aggregation,
	docker_run_durations, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, 0, '[]', '')`

	_, err := s.db.ExecContext(ctx, q, job.ID, timeToSQL(&job.CreatedAt), job.CreatedBy,
		marshalJSON(job.Decks), job.Simulations, job.Parallelism, job.Status,
		idempotencyKey, job.TotalSimCount)
	if err != nil {
		if isUniqueViolation(err) && p.IdempotencyKey != "" {
			existing, getErr := s.getJobByIdempotencyKey(ctx, p.IdempotencyKey)
			if getErr != nil {
				return nil, getErr
			}
			log.Debug().Str("idempotencyKey", p.IdempotencyKey).Str("jobID", existing.ID).
				Msg("CreateJob idempotency collision, returning existing job")
			return existing, nil
		}
		log.Error().Err(err).Msg("failed to insert job")
		return nil, fmt.Errorf("insert job: %w", err)
	}

	log.Info().Str("jobID", job.ID).Int("simulations", job.Simulations).Msg("created job")
	return job, nil
}

const jobColumns = `id, created_at, created_by, decks_json, simulations, parallelism, status,
	idempotency_key, started_at, completed_at, claimed_at, worker_id, worker_name, retry_count,
	completed_sim_count, total_sim_count, needs_aggregation, docker_run_durations, error_message, results_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var createdAt string
	var decksJSON, durationsJSON string
	var idemKey, resultsJSON sql.NullString
	var startedAt, completedAt, claimedAt sql.NullString
	var needsAgg int

	err := row.Scan(&j.ID, &createdAt, &j.CreatedBy, &decksJSON, &j.Simulations, &j.Parallelism,
		&j.Status, &idemKey, &startedAt, &completedAt, &claimedAt, &j.WorkerID, &j.WorkerName,
		&j.RetryCount, &j.CompletedSimCount, &j.TotalSimCount, &needsAgg, &durationsJSON,
		&j.ErrorMessage, &resultsJSON)
	if err != nil {
		return nil, err
	}

	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		j.CreatedAt = t
	}
	_ = json.Unmarshal([]byte(decksJSON), &j.Decks)
	_ = json.Unmarshal([]byte(durationsJSON), &j.DockerRunDurationsMs)
	j.IdempotencyKey = idemKey.String
	j.StartedAt = sqlToTime(startedAt)
	j.CompletedAt = sqlToTime(completedAt)
	j.ClaimedAt = sqlToTime(claimedAt)
	j.NeedsAggregation = needsAgg != 0
	if resultsJSON.Valid && resultsJSON.String != "" {
		var results model.JobResults
		if err := json.Unmarshal([]byte(resultsJSON.String), &results); err == nil {
			j.Results = &results
		}
	}
	return &j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "job not found: "+id)
		}
		return nil, err
	}
	return job, nil
}

func (s *sqlStore) getJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE idempotency_key = ?", key)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "job not found for idempotency key")
		}
		return nil, err
	}
	return job, nil
}

func (s *sqlStore) queryJobs(ctx context.Context, whereClause string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs "+whereClause+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *sqlStore) ListJobs(ctx context.Context, filter store.ListJobsFilter) ([]*model.Job, error) {
	where := ""
	var args []any
	if filter.UserID != "" {
		where = "WHERE created_by = ?"
		args = append(args, filter.UserID)
	}
	jobs, err := s.queryJobs(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *sqlStore) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	return s.queryJobs(ctx, "WHERE status IN ('QUEUED', 'RUNNING')")
}

func (s *sqlStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus) error {
	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", status, id)
	return err
}

func (s *sqlStore) SetJobStartedAt(ctx context.Context, id, workerID, workerName string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET started_at = ?, claimed_at = ?, worker_id = ?, worker_name = ?, status = ? WHERE id = ?",
		timeToSQL(&now), timeToSQL(&now), workerID, workerName, model.JobRunning, id)
	return err
}

func (s *sqlStore) SetJobCompleted(ctx context.Context, id string, durations []int64, results model.JobResults) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, completed_at = ?, docker_run_durations = ?, results_json = ?, needs_aggregation = 0 WHERE id = ?",
		model.JobCompleted, timeToSQL(&now), marshalJSON(durations), marshalJSON(results), id)
	return err
}

func (s *sqlStore) SetJobFailed(ctx context.Context, id, msg string, durations []int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, completed_at = ?, docker_run_durations = ?, error_message = ? WHERE id = ?",
		model.JobFailed, timeToSQL(&now), marshalJSON(durations), msg, id)
	return err
}

func (s *sqlStore) SetJobResults(ctx context.Context, id string, results model.JobResults) error {
	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET results_json = ? WHERE id = ?", marshalJSON(results), id)
	return err
}

func (s *sqlStore) ConditionalUpdateJobStatus(ctx context.Context, id string, expected []model.JobStatus, target model.JobStatus, patch store.JobPatch) (bool, error) {
	if len(expected) == 0 {
		return false, apperr.New(apperr.Validation, "expected status list must not be empty")
	}

	setParts := []string{"status = ?"}
	args := []any{target}
	if patch.StartedAt != nil {
		setParts = append(setParts, "started_at = ?")
		args = append(args, timeToSQL(patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		setParts = append(setParts, "completed_at = ?")
		args = append(args, timeToSQL(patch.CompletedAt))
	}
	if patch.ClaimedAt != nil {
		setParts = append(setParts, "claimed_at = ?")
		args = append(args, timeToSQL(patch.ClaimedAt))
	}
	if patch.WorkerID != nil {
		setParts = append(setParts, "worker_id = ?")
		args = append(args, *patch.WorkerID)
	}
	if patch.WorkerName != nil {
		setParts = append(setParts, "worker_name = ?")
		args = append(args, *patch.WorkerName)
	}
	if patch.ErrorMessage != nil {
		setParts = append(setParts, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.DockerRunDurationsMs != nil {
		setParts = append(setParts, "docker_run_durations = ?")
		args = append(args, marshalJSON(patch.DockerRunDurationsMs))
	}
	if patch.Results != nil {
		setParts = append(setParts, "results_json = ?")
		args = append(args, marshalJSON(*patch.Results))
	}

	args = append(args, id)
	placeholders := make([]string, len(expected))
	for i, st := range expected {
		placeholders[i] = "?"
		args = append(args, st)
	}

	q := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(setParts, ", "), strings.Join(placeholders, ","))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ? AND status IN (?, ?)",
		model.JobCancelled, id, model.JobQueued, model.JobRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "UPDATE simulations SET state = ? WHERE job_id = ? AND state IN (?, ?)",
		model.SimCancelled, id, model.SimPending, model.SimRunning); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	log.Info().Str("jobID", id).Msg("job cancelled")
	return true, nil
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	return err
}

func (s *sqlStore) DeleteSimulations(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM simulations WHERE job_id = ?", jobID)
	return err
}

// ClaimNextJob runs the SELECT+UPDATE pair in one transaction; the UPDATE re-checks
// status = QUEUED, so when a concurrent worker process sharing the SQLite file
// claimed the row first, this call claims nothing and returns nil.
func (s *sqlStore) ClaimNextJob(ctx context.Context, workerID, workerName string) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1", model.JobQueued).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, started_at = ?, claimed_at = ?, worker_id = ?, worker_name = ? WHERE id = ? AND status = ?",
		model.JobRunning, timeToSQL(&now), timeToSQL(&now), workerID, workerName, id, model.JobQueued)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *sqlStore) InitializeSimulations(ctx context.Context, jobID string, count int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO simulations (job_id, sim_id, idx, state)
VALUES (?, ?, ?, ?)
ON CONFLICT(job_id, sim_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < count; i++ {
		simID := model.FormatSimID(i)
		if _, err := stmt.ExecContext(ctx, jobID, simID, i, model.SimPending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func simulationSetClause(patch model.SimulationPatch) ([]string, []any) {
	var setParts []string
	var args []any
	if patch.State != nil {
		setParts = append(setParts, "state = ?")
		args = append(args, *patch.State)
	}
	if patch.WorkerID != nil {
		setParts = append(setParts, "worker_id = ?")
		args = append(args, *patch.WorkerID)
	}
	if patch.WorkerName != nil {
		setParts = append(setParts, "worker_name = ?")
		args = append(args, *patch.WorkerName)
	}
	if patch.StartedAt != nil {
		setParts = append(setParts, "started_at = ?")
		args = append(args, timeToSQL(patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		setParts = append(setParts, "completed_at = ?")
		args = append(args, timeToSQL(patch.CompletedAt))
	}
	if patch.DurationMs != nil {
		setParts = append(setParts, "duration_ms = ?")
		args = append(args, *patch.DurationMs)
	}
	if patch.ErrorMessage != nil {
		setParts = append(setParts, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	winners, winningTurns := patch.Winners, patch.WinningTurns
	// Legacy singular fields (spec §6's worker PATCH body) are stored the same
	// way the plural ones are: a single-game container's result is just a
	// one-element winners/winningTurns slice.
	if winners == nil && patch.Winner != nil {
		winners = []string{*patch.Winner}
	}
	if winningTurns == nil && patch.WinningTurn != nil {
		winningTurns = []int{*patch.WinningTurn}
	}
	if winners != nil {
		setParts = append(setParts, "winners_json = ?")
		args = append(args, marshalJSON(winners))
	}
	if winningTurns != nil {
		setParts = append(setParts, "winning_turns_json = ?")
		args = append(args, marshalJSON(winningTurns))
	}
	return setParts, args
}

func (s *sqlStore) UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch model.SimulationPatch) error {
	setParts, args := simulationSetClause(patch)
	if len(setParts) == 0 {
		return nil
	}
	args = append(args, jobID, simID)
	q := fmt.Sprintf("UPDATE simulations SET %s WHERE job_id = ? AND sim_id = ?", strings.Join(setParts, ", "))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *sqlStore) ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, expected []model.SimState, patch model.SimulationPatch) (bool, error) {
	setParts, args := simulationSetClause(patch)
	if len(setParts) == 0 {
		return false, apperr.New(apperr.Validation, "empty simulation patch")
	}
	args = append(args, jobID, simID)
	placeholders := make([]string, len(expected))
	for i, st := range expected {
		placeholders[i] = "?"
		args = append(args, st)
	}
	q := fmt.Sprintf("UPDATE simulations SET %s WHERE job_id = ? AND sim_id = ? AND state IN (%s)",
		strings.Join(setParts, ", "), strings.Join(placeholders, ","))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) IncrementCompletedSimCount(ctx context.Context, jobID string) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET completed_sim_count = completed_sim_count + 1 WHERE id = ?", jobID); err != nil {
		return 0, 0, err
	}

	var completed, total int
	if err := tx.QueryRowContext(ctx, "SELECT completed_sim_count, total_sim_count FROM jobs WHERE id = ?", jobID).
		Scan(&completed, &total); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return completed, total, nil
}

func (s *sqlStore) SetNeedsAggregation(ctx context.Context, jobID string, needs bool) error {
	val := 0
	if needs {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET needs_aggregation = ? WHERE id = ?", val, jobID)
	return err
}

func (s *sqlStore) ResetJobForRetry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, started_at = NULL, completed_at = NULL, claimed_at = NULL,
	worker_id = '', worker_name = '', error_message = '', retry_count = retry_count + 1,
	completed_sim_count = 0, needs_aggregation = 0, docker_run_durations = '[]'
WHERE id = ? AND status = ?`, model.JobQueued, id, model.JobFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if _, err := s.db.ExecContext(ctx, "UPDATE simulations SET state = ? WHERE job_id = ? AND state = ?",
			model.SimPending, id, model.SimFailed); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func scanSimulation(row rowScanner) (*model.Simulation, error) {
	var sim model.Simulation
	var startedAt, completedAt sql.NullString
	var durationMs sql.NullInt64
	var winnersJSON, winningTurnsJSON string

	err := row.Scan(&sim.JobID, &sim.SimID, &sim.Index, &sim.State, &sim.WorkerID, &sim.WorkerName,
		&startedAt, &completedAt, &durationMs, &sim.ErrorMessage, &winnersJSON, &winningTurnsJSON)
	if err != nil {
		return nil, err
	}
	sim.StartedAt = sqlToTime(startedAt)
	sim.CompletedAt = sqlToTime(completedAt)
	if durationMs.Valid {
		d := durationMs.Int64
		sim.DurationMs = &d
	}
	_ = json.Unmarshal([]byte(winnersJSON), &sim.Winners)
	_ = json.Unmarshal([]byte(winningTurnsJSON), &sim.WinningTurns)
	if len(sim.Winners) > 0 {
		sim.Winner = sim.Winners[0]
	}
	if len(sim.WinningTurns) > 0 {
		sim.WinningTurn = sim.WinningTurns[0]
	}
	return &sim, nil
}

const simColumns = `job_id, sim_id, idx, state, worker_id, worker_name, started_at, completed_at,
	duration_ms, error_message, winners_json, winning_turns_json`

func (s *sqlStore) GetSimulationStatus(ctx context.Context, jobID, simID string) (*model.Simulation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+simColumns+" FROM simulations WHERE job_id = ? AND sim_id = ?", jobID, simID)
	sim, err := scanSimulation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "simulation not found: "+simID)
		}
		return nil, err
	}
	return sim, nil
}

func (s *sqlStore) GetSimulationStatuses(ctx context.Context, jobID string) ([]*model.Simulation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+simColumns+" FROM simulations WHERE job_id = ? ORDER BY idx ASC", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sims []*model.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, err
		}
		sims = append(sims, sim)
	}
	return sims, rows.Err()
}

// UpsertWorkerHeartbeat merges a partial heartbeat: MaxConcurrentOverride is only
// overwritten when info supplies a non-nil value, so one worker's override set via
// an earlier heartbeat survives later heartbeats that omit it.
func (s *sqlStore) UpsertWorkerHeartbeat(ctx context.Context, info model.WorkerInfo) error {
	var overrideVal any
	if info.MaxConcurrentOverride != nil {
		overrideVal = *info.MaxConcurrentOverride
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO workers (worker_id, worker_name, status, current_job_id, capacity, active_simulations,
	uptime_ms, last_heartbeat, version, max_concurrent_override, owner_email)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
	worker_name = excluded.worker_name,
	status = excluded.status,
	current_job_id = excluded.current_job_id,
	capacity = excluded.capacity,
	active_simulations = excluded.active_simulations,
	uptime_ms = excluded.uptime_ms,
	last_heartbeat = excluded.last_heartbeat,
	version = excluded.version,
	max_concurrent_override = COALESCE(?, workers.max_concurrent_override),
	owner_email = excluded.owner_email`,
		info.WorkerID, info.WorkerName, info.Status, info.CurrentJobID, info.Capacity, info.ActiveSimulations,
		info.UptimeMs, timeToSQL(&info.LastHeartbeat), info.Version, overrideVal, info.OwnerEmail, overrideVal)
	return err
}

func (s *sqlStore) ListActiveWorkers(ctx context.Context, now time.Time) ([]*model.WorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT worker_id, worker_name, status, current_job_id, capacity, active_simulations, uptime_ms,
	last_heartbeat, version, max_concurrent_override, owner_email FROM workers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.WorkerInfo
	for rows.Next() {
		var w model.WorkerInfo
		var lastHeartbeat string
		var override sql.NullInt64
		if err := rows.Scan(&w.WorkerID, &w.WorkerName, &w.Status, &w.CurrentJobID, &w.Capacity,
			&w.ActiveSimulations, &w.UptimeMs, &lastHeartbeat, &w.Version, &override, &w.OwnerEmail); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, lastHeartbeat); perr == nil {
			w.LastHeartbeat = t
		}
		if override.Valid {
			v := int(override.Int64)
			w.MaxConcurrentOverride = &v
		}
		if w.IsActive(now) {
			workers = append(workers, &w)
		}
	}
	return workers, rows.Err()
}

func (s *sqlStore) GetDeckRating(ctx context.Context, deckID string) (*model.DeckRating, error) {
	var r model.DeckRating
	var lastUpdated string
	err := s.db.QueryRowContext(ctx,
		"SELECT deck_id, mu, sigma, games_played, wins, last_updated FROM deck_ratings WHERE deck_id = ?", deckID).
		Scan(&r.DeckID, &r.Mu, &r.Sigma, &r.GamesPlayed, &r.Wins, &lastUpdated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "deck rating not found: "+deckID)
		}
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, lastUpdated); perr == nil {
		r.LastUpdated = t
	}
	return &r, nil
}

func (s *sqlStore) PutDeckRating(ctx context.Context, rating model.DeckRating) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deck_ratings (deck_id, mu, sigma, games_played, wins, last_updated)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(deck_id) DO UPDATE SET
	mu = excluded.mu, sigma = excluded.sigma, games_played = excluded.games_played,
	wins = excluded.wins, last_updated = excluded.last_updated`,
		rating.DeckID, rating.Mu, rating.Sigma, rating.GamesPlayed, rating.Wins, timeToSQL(&rating.LastUpdated))
	return err
}

func (s *sqlStore) HasMatchResults(ctx context.Context, jobID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM match_results WHERE job_id = ?", jobID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqlStore) PutMatchResults(ctx context.Context, results []model.MatchResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO match_results (id, job_id, game_index, deck_ids_json, winner_deck_id, turn_count, played_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		var turnCount any
		if r.TurnCount != nil {
			turnCount = *r.TurnCount
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.JobID, r.GameIndex, marshalJSON(r.DeckIDs),
			r.WinnerDeckID, turnCount, timeToSQL(&r.PlayedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
