// Package docker implements containerrunner.Runner against the Docker Engine API
// via github.com/docker/docker's Go client — the container orchestration library
// used for this kind of spawn/timeout/resource-limit workload anywhere in the
// retrieved pack (see DESIGN.md's Open Questions entry on the container runner).
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"simbatch/internal/containerrunner"
)

const (
	containerNamePrefix = "simbatch-sim-"
	maxStderrChars      = 500
)

type runner struct {
	cli   *client.Client
	image string
}

// New builds a Runner that launches image for every simulation.
func New(image string) (containerrunner.Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &runner{cli: cli, image: image}, nil
}

func containerName(jobID, simID string) string {
	return containerNamePrefix + jobID + "-" + simID
}

func (r *runner) Run(ctx context.Context, req containerrunner.RunRequest) (containerrunner.RunResult, error) {
	name := containerName(req.JobID, req.SimID)
	result := containerrunner.RunResult{SimID: req.SimID, Index: req.Index}

	alreadyRunning, err := r.reconcileExisting(ctx, name)
	if err != nil {
		return result, fmt.Errorf("reconcile existing container %s: %w", name, err)
	}
	if alreadyRunning {
		result.AlreadyRunning = true
		log.Info().Str("jobID", req.JobID).Str("simID", req.SimID).
			Msg("container with this name already running, treating as duplicate delivery")
		return result, nil
	}

	env := make([]string, 0, len(req.Decks)+1)
	for i, d := range req.Decks {
		env = append(env, fmt.Sprintf("SIMBATCH_DECK_%d=%s", i, base64.StdEncoding.EncodeToString([]byte(d.Content))))
	}
	env = append(env, fmt.Sprintf("SIMBATCH_GAMES=%d", req.GamesToPlay))

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(req.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(req.CPUs) * 1_000_000_000,
		},
		AutoRemove: false,
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: r.image,
		Env:   env,
		Labels: map[string]string{
			"simbatch.jobId": req.JobID,
			"simbatch.simId": req.SimID,
		},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return result, fmt.Errorf("create container: %w", err)
	}
	containerID := created.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Str("containerID", containerID).Msg("failed to remove simulation container")
		}
	}()

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return result, fmt.Errorf("start container: %w", err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := r.cli.ContainerWait(timeoutCtx, containerID, container.WaitConditionNotRunning)

	exited := false
	select {
	case <-timeoutCtx.Done(): // closed by parent cancellation as well as by the hard timeout
	case werr := <-errCh:
		result.Err = werr
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
		exited = true
	}

	switch {
	case exited:
	case ctx.Err() != nil:
		result.Cancelled = true
		result.ExitCode = 137
		result.Err = errors.New("Cancelled")
		r.forceStop(containerID)
		log.Info().Str("jobID", req.JobID).Str("simID", req.SimID).Msg("simulation container cancelled")
	case timeoutCtx.Err() != nil:
		result.TimedOut = true
		result.ExitCode = 124
		result.Err = errors.New("Container timed out")
		r.gracefulStop(containerID)
		log.Warn().Str("jobID", req.JobID).Str("simID", req.SimID).Msg("simulation container hit hard timeout")
	}

	result.DurationMs = time.Since(start).Milliseconds()
	stdout, stderr := r.collectLogs(containerID)
	result.LogText = stdout
	if result.ExitCode != 0 && !result.Cancelled && !result.TimedOut && result.Err == nil && stderr != "" {
		result.Err = errors.New(truncate(stderr, maxStderrChars))
	}
	return result, result.Err
}

// reconcileExisting implements spec §4.F's duplicate-container handling: if a
// container named name is already running, the caller should treat this as a
// duplicate task delivery and ack without spawning a second one. If a stopped
// container of that name exists, it is force-removed so the new run can claim
// the name.
func (r *runner) reconcileExisting(ctx context.Context, name string) (alreadyRunning bool, err error) {
	inspect, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if inspect.State != nil && inspect.State.Running {
		return true, nil
	}
	if err := r.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil {
		return false, fmt.Errorf("remove stopped container %s: %w", name, err)
	}
	return false, nil
}

// gracefulStop sends SIGTERM and gives the process a short grace window before
// the deferred force-remove tears the container down regardless.
func (r *runner) gracefulStop(containerID string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	timeoutSecs := 10
	if err := r.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		log.Warn().Err(err).Str("containerID", containerID).Msg("failed to gracefully stop container")
	}
}

func (r *runner) forceStop(containerID string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	zero := 0
	if err := r.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &zero}); err != nil {
		log.Warn().Err(err).Str("containerID", containerID).Msg("failed to force stop container")
	}
}

// collectLogs returns the demultiplexed stdout and stderr of the container.
// Stdout becomes the raw game log; stderr is only used (truncated) to build an
// error message on a non-zero exit.
func (r *runner) collectLogs(containerID string) (stdout, stderr string) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := r.cli.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		log.Warn().Err(err).Str("containerID", containerID).Msg("failed to collect container logs")
		return "", ""
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out); err != nil {
		log.Warn().Err(err).Str("containerID", containerID).Msg("failed to demultiplex container logs")
	}
	return stdoutBuf.String(), stderrBuf.String()
}

// truncate returns s cut to at most n runes, preserving UTF-8 boundaries.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Prune removes leftover simbatch-sim-* containers and dangling images from a
// previous process instance, the startup housekeeping step spec §4.F calls for.
func (r *runner) Prune(ctx context.Context) error {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerNamePrefix)),
	})
	if err != nil {
		return fmt.Errorf("list orphaned simulation containers: %w", err)
	}

	for _, c := range containers {
		if !strings.HasPrefix(strings.TrimPrefix(c.Names[0], "/"), containerNamePrefix) {
			continue
		}
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Str("containerID", c.ID).Msg("failed to prune orphaned simulation container")
			continue
		}
		log.Info().Str("containerID", c.ID).Msg("pruned orphaned simulation container")
	}

	report, err := r.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return fmt.Errorf("prune dangling simulation images: %w", err)
	}
	if len(report.ImagesDeleted) > 0 {
		log.Info().Int("count", len(report.ImagesDeleted)).Msg("pruned dangling images")
	}
	return nil
}
