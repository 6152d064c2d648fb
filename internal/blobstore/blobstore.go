// Package blobstore stores raw simulation container logs at the
// "jobs/{jobId}/raw/game_NNN.txt" key layout the aggregator reads from, grounded
// on the teacher's internal/aws file service.
package blobstore

import (
	"context"
	"fmt"
	"io"
)

// RawLogKey builds the deterministic key for one game's raw container log.
func RawLogKey(jobID string, gameIndex int) string {
	return fmt.Sprintf("jobs/%s/raw/game_%03d.txt", jobID, gameIndex)
}

// Store uploads and fetches raw simulation logs.
type Store interface {
	Upload(ctx context.Context, key string, body io.Reader) (url string, err error)
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
	Health(ctx context.Context) error
}
