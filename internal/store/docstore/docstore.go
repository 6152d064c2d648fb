// Package docstore implements store.Store against a managed document database via
// go.mongodb.org/mongo-driver, adapted directly from the teacher's internal/database
// package (mongoDB client setup, bson.M filters, $set/$push updates, unique
// indexes). It is selected when a cloud project ID is configured (spec §4.A, §9).
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"simbatch/internal/apperr"
	"simbatch/internal/model"
	"simbatch/internal/store"
)

func newJobID() string { return uuid.NewString() }

type docStore struct {
	client *mongo.Client
	db     *mongo.Database

	jobs       *mongo.Collection
	sims       *mongo.Collection
	workers    *mongo.Collection
	ratings    *mongo.Collection
	matches    *mongo.Collection
}

// Config is the subset of connection settings docstore needs, mirroring the
// teacher's config.MongoDBConfig shape but kept local so this package does not
// import internal/config (store backends are config-agnostic; cmd/ wires config
// values in).
type Config struct {
	URI      string
	Username string
	Password string
	DB       string
}

// New connects to the document database and ensures the indexes the store's
// invariants depend on (job idempotency-key uniqueness, sim (jobID,simID)
// uniqueness), the same pattern the teacher's database.New uses for its tokens
// collection unique indexes.
func New(ctx context.Context, cfg Config) (store.Store, error) {
	clientOptions := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		clientOptions.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.DB)
	jobs := db.Collection("jobs")
	sims := db.Collection("simulations")

	if _, err := jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "idempotencyKey", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"idempotencyKey": bson.M{"$exists": true}}),
	}); err != nil {
		return nil, fmt.Errorf("create idempotency key index: %w", err)
	}
	if _, err := sims.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "jobId", Value: 1}},
		Options: options.Index(),
	}); err != nil {
		return nil, fmt.Errorf("create simulations jobId index: %w", err)
	}

	return &docStore{
		client:  client,
		db:      db,
		jobs:    jobs,
		sims:    sims,
		workers: db.Collection("workers"),
		ratings: db.Collection("deck_ratings"),
		matches: db.Collection("match_results"),
	}, nil
}

func (d *docStore) Close() error {
	return d.client.Disconnect(context.Background())
}

func (d *docStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.client.Ping(ctx, nil); err != nil {
		log.Error().Err(err).Msg("docstore health check failed")
		return err
	}
	return nil
}

func (d *docStore) CreateJob(ctx context.Context, p store.CreateJobParams) (*model.Job, error) {
	job := &model.Job{
		ID:             newJobID(),
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      p.CreatedBy,
		Decks:          p.Decks,
		Simulations:    p.Simulations,
		Parallelism:    p.Parallelism,
		Status:         model.JobQueued,
		IdempotencyKey: p.IdempotencyKey,
		TotalSimCount:  model.TotalSimCount(p.Simulations),
	}

	_, err := d.jobs.InsertOne(ctx, job)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && p.IdempotencyKey != "" {
			existing, getErr := d.jobByIdempotencyKey(ctx, p.IdempotencyKey)
			if getErr != nil {
				return nil, getErr
			}
			log.Debug().Str("idempotencyKey", p.IdempotencyKey).Str("jobID", existing.ID).
				Msg("CreateJob idempotency collision, returning existing job")
			return existing, nil
		}
		log.Error().Err(err).Msg("failed to insert job")
		return nil, err
	}

	log.Info().Str("jobID", job.ID).Int("simulations", job.Simulations).Msg("created job")
	return job, nil
}

func (d *docStore) jobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	var job model.Job
	err := d.jobs.FindOne(ctx, bson.M{"idempotencyKey": key}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.New(apperr.NotFound, "job not found for idempotency key")
		}
		return nil, err
	}
	return &job, nil
}

func (d *docStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := d.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.New(apperr.NotFound, "job not found: "+id)
		}
		log.Error().Err(err).Str("jobID", id).Msg("failed to get job")
		return nil, err
	}
	return &job, nil
}

func (d *docStore) ListJobs(ctx context.Context, filter store.ListJobsFilter) ([]*model.Job, error) {
	q := bson.M{}
	if filter.UserID != "" {
		q["createdBy"] = filter.UserID
	}
	opts := options.Find().SetSort(bson.M{"createdAt": -1})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := d.jobs.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *docStore) ListActiveJobs(ctx context.Context) ([]*model.Job, error) {
	cursor, err := d.jobs.Find(ctx, bson.M{"status": bson.M{"$in": bson.A{model.JobQueued, model.JobRunning}}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *docStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus) error {
	_, err := d.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	return err
}

func (d *docStore) SetJobStartedAt(ctx context.Context, id, workerID, workerName string) error {
	now := time.Now().UTC()
	_, err := d.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status": model.JobRunning, "startedAt": now, "claimedAt": now,
		"workerId": workerID, "workerName": workerName,
	}})
	return err
}

func (d *docStore) SetJobCompleted(ctx context.Context, id string, durations []int64, results model.JobResults) error {
	_, err := d.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status": model.JobCompleted, "completedAt": time.Now().UTC(),
		"dockerRunDurationsMs": durations, "results": results, "needsAggregation": false,
	}})
	return err
}

func (d *docStore) SetJobFailed(ctx context.Context, id, msg string, durations []int64) error {
	_, err := d.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status": model.JobFailed, "completedAt": time.Now().UTC(),
		"dockerRunDurationsMs": durations, "errorMessage": msg,
	}})
	return err
}

func (d *docStore) SetJobResults(ctx context.Context, id string, results model.JobResults) error {
	_, err := d.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"results": results}})
	return err
}

func jobPatchToSet(patch store.JobPatch) bson.M {
	set := bson.M{}
	if patch.StartedAt != nil {
		set["startedAt"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		set["completedAt"] = *patch.CompletedAt
	}
	if patch.ClaimedAt != nil {
		set["claimedAt"] = *patch.ClaimedAt
	}
	if patch.WorkerID != nil {
		set["workerId"] = *patch.WorkerID
	}
	if patch.WorkerName != nil {
		set["workerName"] = *patch.WorkerName
	}
	if patch.ErrorMessage != nil {
		set["errorMessage"] = *patch.ErrorMessage
	}
	if patch.DockerRunDurationsMs != nil {
		set["dockerRunDurationsMs"] = patch.DockerRunDurationsMs
	}
	if patch.Results != nil {
		set["results"] = *patch.Results
	}
	return set
}

func (d *docStore) ConditionalUpdateJobStatus(ctx context.Context, id string, expected []model.JobStatus, target model.JobStatus, patch store.JobPatch) (bool, error) {
	set := jobPatchToSet(patch)
	set["status"] = target
	res, err := d.jobs.UpdateOne(ctx, bson.M{"_id": id, "status": bson.M{"$in": expected}}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (d *docStore) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := d.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": bson.A{model.JobQueued, model.JobRunning}}},
		bson.M{"$set": bson.M{"status": model.JobCancelled}})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}

	if _, err := d.sims.UpdateMany(ctx,
		bson.M{"jobId": id, "state": bson.M{"$in": bson.A{model.SimPending, model.SimRunning}}},
		bson.M{"$set": bson.M{"state": model.SimCancelled}}); err != nil {
		return false, err
	}
	log.Info().Str("jobID", id).Msg("job cancelled")
	return true, nil
}

func (d *docStore) DeleteJob(ctx context.Context, id string) error {
	_, err := d.jobs.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (d *docStore) DeleteSimulations(ctx context.Context, jobID string) error {
	_, err := d.sims.DeleteMany(ctx, bson.M{"jobId": jobID})
	return err
}

func (d *docStore) ClaimNextJob(ctx context.Context, workerID, workerName string) (*model.Job, error) {
	now := time.Now().UTC()
	var job model.Job
	err := d.jobs.FindOneAndUpdate(ctx,
		bson.M{"status": model.JobQueued},
		bson.M{"$set": bson.M{
			"status": model.JobRunning, "startedAt": now, "claimedAt": now,
			"workerId": workerID, "workerName": workerName,
		}},
		options.FindOneAndUpdate().SetSort(bson.M{"createdAt": 1}).SetReturnDocument(options.After),
	).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (d *docStore) InitializeSimulations(ctx context.Context, jobID string, count int) error {
	for i := 0; i < count; i++ {
		simID := model.FormatSimID(i)
		sim := model.Simulation{JobID: jobID, SimID: simID, Index: i, State: model.SimPending}
		_, err := d.sims.UpdateOne(ctx,
			bson.M{"_id": simID, "jobId": jobID},
			bson.M{"$setOnInsert": sim},
			options.Update().SetUpsert(true))
		if err != nil {
			return err
		}
	}
	return nil
}

func simPatchToSet(patch model.SimulationPatch) bson.M {
	set := bson.M{}
	if patch.State != nil {
		set["state"] = *patch.State
	}
	if patch.WorkerID != nil {
		set["workerId"] = *patch.WorkerID
	}
	if patch.WorkerName != nil {
		set["workerName"] = *patch.WorkerName
	}
	if patch.StartedAt != nil {
		set["startedAt"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		set["completedAt"] = *patch.CompletedAt
	}
	if patch.DurationMs != nil {
		set["durationMs"] = *patch.DurationMs
	}
	if patch.ErrorMessage != nil {
		set["errorMessage"] = *patch.ErrorMessage
	}
	winners, winningTurns := patch.Winners, patch.WinningTurns
	// Legacy singular fields (spec §6's worker PATCH body) map onto the same
	// plural columns a single-game container's result would fill.
	if winners == nil && patch.Winner != nil {
		winners = []string{*patch.Winner}
	}
	if winningTurns == nil && patch.WinningTurn != nil {
		winningTurns = []int{*patch.WinningTurn}
	}
	if winners != nil {
		set["winners"] = winners
		if len(winners) > 0 {
			set["winner"] = winners[0]
		}
	}
	if winningTurns != nil {
		set["winningTurns"] = winningTurns
		if len(winningTurns) > 0 {
			set["winningTurn"] = winningTurns[0]
		}
	}
	return set
}

func (d *docStore) UpdateSimulationStatus(ctx context.Context, jobID, simID string, patch model.SimulationPatch) error {
	set := simPatchToSet(patch)
	if len(set) == 0 {
		return nil
	}
	_, err := d.sims.UpdateOne(ctx, bson.M{"_id": simID, "jobId": jobID}, bson.M{"$set": set})
	return err
}

func (d *docStore) ConditionalUpdateSimulationStatus(ctx context.Context, jobID, simID string, expected []model.SimState, patch model.SimulationPatch) (bool, error) {
	set := simPatchToSet(patch)
	if len(set) == 0 {
		return false, apperr.New(apperr.Validation, "empty simulation patch")
	}
	res, err := d.sims.UpdateOne(ctx,
		bson.M{"_id": simID, "jobId": jobID, "state": bson.M{"$in": expected}},
		bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (d *docStore) IncrementCompletedSimCount(ctx context.Context, jobID string) (int, int, error) {
	var job model.Job
	err := d.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID},
		bson.M{"$inc": bson.M{"completedSimCount": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if err != nil {
		return 0, 0, err
	}
	return job.CompletedSimCount, job.TotalSimCount, nil
}

func (d *docStore) SetNeedsAggregation(ctx context.Context, jobID string, needs bool) error {
	_, err := d.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": bson.M{"needsAggregation": needs}})
	return err
}

func (d *docStore) ResetJobForRetry(ctx context.Context, id string) (bool, error) {
	res, err := d.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.JobFailed},
		bson.M{
			"$set": bson.M{
				"status": model.JobQueued, "workerId": "", "workerName": "", "errorMessage": "",
				"completedSimCount": 0, "needsAggregation": false,
			},
			"$unset": bson.M{"startedAt": "", "completedAt": "", "claimedAt": "", "dockerRunDurationsMs": ""},
			"$inc":   bson.M{"retryCount": 1},
		})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}
	if _, err := d.sims.UpdateMany(ctx,
		bson.M{"jobId": id, "state": model.SimFailed},
		bson.M{"$set": bson.M{"state": model.SimPending}}); err != nil {
		return false, err
	}
	return true, nil
}

func (d *docStore) GetSimulationStatus(ctx context.Context, jobID, simID string) (*model.Simulation, error) {
	var sim model.Simulation
	err := d.sims.FindOne(ctx, bson.M{"_id": simID, "jobId": jobID}).Decode(&sim)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.New(apperr.NotFound, "simulation not found: "+simID)
		}
		return nil, err
	}
	return &sim, nil
}

func (d *docStore) GetSimulationStatuses(ctx context.Context, jobID string) ([]*model.Simulation, error) {
	cursor, err := d.sims.Find(ctx, bson.M{"jobId": jobID}, options.Find().SetSort(bson.M{"index": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var sims []*model.Simulation
	if err := cursor.All(ctx, &sims); err != nil {
		return nil, err
	}
	return sims, nil
}

func (d *docStore) UpsertWorkerHeartbeat(ctx context.Context, info model.WorkerInfo) error {
	set := bson.M{
		"workerName": info.WorkerName, "status": info.Status, "currentJobId": info.CurrentJobID,
		"capacity": info.Capacity, "activeSimulations": info.ActiveSimulations,
		"uptimeMs": info.UptimeMs, "lastHeartbeat": info.LastHeartbeat, "version": info.Version,
		"ownerEmail": info.OwnerEmail,
	}
	if info.MaxConcurrentOverride != nil {
		set["maxConcurrentOverride"] = *info.MaxConcurrentOverride
	}
	_, err := d.workers.UpdateOne(ctx, bson.M{"_id": info.WorkerID}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return err
}

func (d *docStore) ListActiveWorkers(ctx context.Context, now time.Time) ([]*model.WorkerInfo, error) {
	cursor, err := d.workers.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var all []*model.WorkerInfo
	if err := cursor.All(ctx, &all); err != nil {
		return nil, err
	}
	var active []*model.WorkerInfo
	for _, w := range all {
		if w.IsActive(now) {
			active = append(active, w)
		}
	}
	return active, nil
}

func (d *docStore) GetDeckRating(ctx context.Context, deckID string) (*model.DeckRating, error) {
	var r model.DeckRating
	err := d.ratings.FindOne(ctx, bson.M{"_id": deckID}).Decode(&r)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.New(apperr.NotFound, "deck rating not found: "+deckID)
		}
		return nil, err
	}
	return &r, nil
}

func (d *docStore) PutDeckRating(ctx context.Context, rating model.DeckRating) error {
	_, err := d.ratings.UpdateOne(ctx, bson.M{"_id": rating.DeckID}, bson.M{"$set": rating}, options.Update().SetUpsert(true))
	return err
}

func (d *docStore) HasMatchResults(ctx context.Context, jobID string) (bool, error) {
	count, err := d.matches.CountDocuments(ctx, bson.M{"jobId": jobID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *docStore) PutMatchResults(ctx context.Context, results []model.MatchResult) error {
	if len(results) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(results))
	for _, r := range results {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": r.ID}).
			SetUpdate(bson.M{"$setOnInsert": r}).
			SetUpsert(true))
	}
	_, err := d.matches.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}
