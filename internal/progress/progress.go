// Package progress implements the ephemeral, low-latency progress projection of
// spec §4 (independent of the canonical store, deleted on job termination),
// grounded on the teacher's internal/cache Redis wrapper: same go-redis/v9 client
// setup, prefixed keys, and structured zerolog timing logs, repurposed from a
// generic byte-blob cache into a typed job/simulation progress store.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"simbatch/internal/config"
)

// JobProgress is the live job-level progress projection; writing it notifies
// SubscribeChanges subscribers such as the streamer's push backend.
type JobProgress struct {
	JobID             string `json:"jobId"`
	CompletedSimCount int    `json:"completedSimCount"`
	TotalSimCount     int    `json:"totalSimCount"`
	QueuePosition     int    `json:"queuePosition,omitempty"`
}

// SimProgress is a finer-grained per-simulation update, used when a worker wants
// to report sub-simulation progress (e.g. which game within a container is
// running) without round-tripping through the canonical store.
type SimProgress struct {
	JobID        string `json:"jobId"`
	SimID        string `json:"simId"`
	GamesPlayed  int    `json:"gamesPlayed"`
	GamesTotal   int    `json:"gamesTotal"`
}

// Store is the progress-projection contract. Writes are fire-and-forget from the
// caller's point of view: a failed write degrades the live stream, it never fails
// the underlying job/sim operation it accompanies.
type Store interface {
	UpdateJobProgress(ctx context.Context, p JobProgress) error
	UpdateSimProgress(ctx context.Context, p SimProgress) error
	GetJobProgress(ctx context.Context, jobID string) (*JobProgress, error)
	DeleteJobProgress(ctx context.Context, jobID string) error

	// SubscribeChanges backs the progress streamer's push backend (spec §4.I): a
	// best-effort notification fired whenever UpdateJobProgress/UpdateSimProgress
	// is called for jobID. The returned channel is closed, and the cleanup func
	// should be called, once the caller is done observing.
	SubscribeChanges(ctx context.Context, jobID string) (<-chan struct{}, func(), error)

	Ping(ctx context.Context) error
	Close() error
}

type redisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis using the same options shape as the teacher's
// cache.NewRedisCache.
func New(cfg config.RedisConfig) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("failed to connect to Redis")
		return nil, err
	}

	log.Info().Str("address", cfg.Address).Str("prefix", cfg.Prefix).Int("db", cfg.DB).
		Msg("progress store initialized")

	return &redisStore{client: client, prefix: cfg.Prefix, ttl: 24 * time.Hour}, nil
}

func (s *redisStore) jobKey(jobID string) string { return s.prefix + ":job:" + jobID }
func (s *redisStore) simKey(jobID, simID string) string { return s.prefix + ":sim:" + jobID + ":" + simID }
func (s *redisStore) changesChannel(jobID string) string { return s.prefix + ":changes:" + jobID }

// publishChange fires a best-effort pub/sub notification; failures are logged,
// never surfaced (progress writes are fire-and-forget throughout this package).
func (s *redisStore) publishChange(ctx context.Context, jobID string) {
	if err := s.client.Publish(ctx, s.changesChannel(jobID), "1").Err(); err != nil {
		log.Debug().Err(err).Str("jobID", jobID).Msg("failed to publish progress change notification")
	}
}

// SubscribeChanges backs the streamer's push backend: one pub/sub subscription
// per job, delivering an (otherwise empty) notification on every progress write.
func (s *redisStore) SubscribeChanges(ctx context.Context, jobID string) (<-chan struct{}, func(), error) {
	sub := s.client.Subscribe(ctx, s.changesChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range sub.Channel() {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (s *redisStore) UpdateJobProgress(ctx context.Context, p JobProgress) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	start := time.Now()
	err = s.client.Set(ctx, s.jobKey(p.JobID), body, s.ttl).Err()
	if err != nil {
		log.Error().Err(err).Str("jobID", p.JobID).Dur("duration", time.Since(start)).
			Msg("failed to write job progress")
		return err
	}
	log.Debug().Str("jobID", p.JobID).Dur("duration", time.Since(start)).Msg("wrote job progress")
	s.publishChange(ctx, p.JobID)
	return nil
}

func (s *redisStore) UpdateSimProgress(ctx context.Context, p SimProgress) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.simKey(p.JobID, p.SimID), body, s.ttl).Err(); err != nil {
		log.Error().Err(err).Str("jobID", p.JobID).Str("simID", p.SimID).Msg("failed to write sim progress")
		return err
	}
	s.publishChange(ctx, p.JobID)
	return nil
}

func (s *redisStore) GetJobProgress(ctx context.Context, jobID string) (*JobProgress, error) {
	result, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to read job progress")
		return nil, err
	}
	var p JobProgress
	if err := json.Unmarshal(result, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteJobProgress removes the job's progress key (and is best-effort for its
// per-simulation keys, which simply expire via ttl otherwise), called when a job
// reaches a terminal state (spec §4: "deleted on job termination").
func (s *redisStore) DeleteJobProgress(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.jobKey(jobID)).Err(); err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to delete job progress")
		return err
	}
	if keys, err := s.client.Keys(ctx, s.simKey(jobID, "*")).Result(); err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("failed to list sim progress keys")
	} else if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			log.Warn().Err(err).Str("jobID", jobID).Msg("failed to delete sim progress keys")
		}
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	log.Info().Msg("closing progress store connection")
	return s.client.Close()
}
