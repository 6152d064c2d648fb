package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"simbatch/internal/apperr"
	"simbatch/internal/dispatcher"
	"simbatch/internal/model"
	"simbatch/internal/progress"
	"simbatch/internal/store"
)

// statusForKind maps the spec §7 error taxonomy onto HTTP status codes.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	case apperr.InvalidTransition, apperr.AlreadyTerminal, apperr.Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	log.Error().Err(err).Str("path", c.Request.URL.Path).Str("kind", string(kind)).Msg("request failed")
	c.JSON(statusForKind(kind), gin.H{"error": err.Error()})
}

// createJobRequest is the inbound POST /jobs body of spec §6.
type createJobRequest struct {
	DeckIDs        [4]string `json:"deckIds" binding:"required"`
	Simulations    int       `json:"simulations" binding:"required"`
	Parallelism    int       `json:"parallelism"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func (s *Server) createJobHandler(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Simulations < 4 || req.Simulations > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "simulations must be between 4 and 100"})
		return
	}
	if req.Parallelism < 0 || req.Parallelism > 16 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parallelism must be between 1 and 16"})
		return
	}

	job, err := s.dispatcher.Submit(c.Request.Context(), dispatcher.CreateJobRequest{
		DeckRefs:       req.DeckIDs,
		Simulations:    req.Simulations,
		Parallelism:    req.Parallelism,
		CreatedBy:      c.GetHeader("X-User-Id"),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobsHandler(c *gin.Context) {
	filter := store.ListJobsFilter{UserID: c.Query("userId")}
	jobs, err := s.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJobHandler(c *gin.Context) {
	ok, err := s.dispatcher.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"cancelled": false, "reason": "job was not in a cancellable state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) retryJobHandler(c *gin.Context) {
	ok, err := s.dispatcher.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"retried": false, "reason": "job was not FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}

// updateJobStatusRequest is the worker-facing PATCH /jobs/{id} body.
type updateJobStatusRequest struct {
	Status               *model.JobStatus `json:"status"`
	ErrorMessage         *string          `json:"errorMessage"`
	DockerRunDurationsMs []int64          `json:"dockerRunDurationsMs"`
}

func (s *Server) updateJobStatusHandler(c *gin.Context) {
	jobID := c.Param("id")
	var req updateJobStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	current, err := s.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if req.Status == nil {
		c.JSON(http.StatusOK, gin.H{"updated": true})
		return
	}

	if model.IsJobTerminal(current.Status) {
		c.JSON(http.StatusOK, gin.H{"updated": false, "reason": "terminal_state", "from": current.Status, "to": *req.Status})
		return
	}
	if !model.CanTransitionJob(current.Status, *req.Status) {
		c.JSON(http.StatusOK, gin.H{"updated": false, "reason": "invalid_transition", "from": current.Status, "to": *req.Status})
		return
	}

	ok, err := s.store.ConditionalUpdateJobStatus(c.Request.Context(), jobID,
		[]model.JobStatus{current.Status}, *req.Status,
		store.JobPatch{
			Status:               req.Status,
			ErrorMessage:         req.ErrorMessage,
			DockerRunDurationsMs: req.DockerRunDurationsMs,
		})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"updated": false, "reason": "invalid_transition", "from": current.Status, "to": *req.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// updateSimulationRequest is the worker-facing PATCH
// /jobs/{id}/simulations/{simId} body of spec §6.
type updateSimulationRequest struct {
	State        *model.SimState `json:"state"`
	WorkerID     *string         `json:"workerId"`
	WorkerName   *string         `json:"workerName"`
	DurationMs   *int64          `json:"durationMs"`
	ErrorMessage *string         `json:"errorMessage"`
	Winner       *string         `json:"winner"`
	WinningTurn  *int            `json:"winningTurn"`
	Winners      []string        `json:"winners"`
	WinningTurns []int           `json:"winningTurns"`
}

func (r updateSimulationRequest) toPatch() model.SimulationPatch {
	return model.SimulationPatch{
		State:        r.State,
		WorkerID:     r.WorkerID,
		WorkerName:   r.WorkerName,
		DurationMs:   r.DurationMs,
		ErrorMessage: r.ErrorMessage,
		Winner:       r.Winner,
		WinningTurn:  r.WinningTurn,
		Winners:      r.Winners,
		WinningTurns: r.WinningTurns,
	}
}

func (s *Server) updateSimulationHandler(c *gin.Context) {
	jobID, simID := c.Param("id"), c.Param("simId")
	var req updateSimulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	current, err := s.store.GetSimulationStatus(c.Request.Context(), jobID, simID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	patch := req.toPatch()

	if req.State == nil {
		if err := s.store.UpdateSimulationStatus(c.Request.Context(), jobID, simID, patch); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": true})
		return
	}

	if model.IsSimTerminal(current.State) {
		c.JSON(http.StatusOK, gin.H{"updated": false, "reason": "terminal_state", "from": current.State, "to": *req.State})
		return
	}
	if !model.CanTransitionSim(current.State, *req.State) {
		c.JSON(http.StatusOK, gin.H{"updated": false, "reason": "invalid_transition", "from": current.State, "to": *req.State})
		return
	}

	ok, err := s.store.ConditionalUpdateSimulationStatus(c.Request.Context(), jobID, simID, []model.SimState{current.State}, patch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"updated": false, "reason": "invalid_transition", "from": current.State, "to": *req.State})
		return
	}

	if model.IsSimTerminal(*req.State) {
		s.onSimTerminal(c.Request.Context(), jobID)
	}

	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// onSimTerminal mirrors internal/workerruntime's post-completion bookkeeping
// for simulations reported over HTTP rather than handled by an in-process
// worker: bump the completed count, seed progress, and kick the aggregator
// once every simulation is terminal.
func (s *Server) onSimTerminal(ctx context.Context, jobID string) {
	completed, total, err := s.store.IncrementCompletedSimCount(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to increment completed simulation count")
		return
	}
	if s.progress != nil {
		_ = s.progress.UpdateJobProgress(ctx, progress.JobProgress{JobID: jobID, CompletedSimCount: completed, TotalSimCount: total})
	}
	if completed >= total {
		if err := s.store.SetNeedsAggregation(ctx, jobID, true); err != nil {
			log.Error().Err(err).Str("jobID", jobID).Msg("failed to set needsAggregation")
		}
		if s.aggregator != nil {
			if err := s.aggregator.Aggregate(ctx, jobID); err != nil {
				log.Error().Err(err).Str("jobID", jobID).Msg("aggregation failed")
			}
		}
	}
}

func (s *Server) recoverJobHandler(c *gin.Context) {
	if s.recovery == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recovery engine not configured"})
		return
	}
	if err := s.recovery.RecoverJob(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": true})
}

func (s *Server) workerHeartbeatHandler(c *gin.Context) {
	var info model.WorkerInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if info.WorkerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workerId is required"})
		return
	}

	if err := s.store.UpsertWorkerHeartbeat(c.Request.Context(), info); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) healthzHandler(c *gin.Context) {
	ctx := c.Request.Context()
	storeErr := s.store.Health(ctx)

	res := gin.H{"store": storeErr == nil}

	var brokerErr error
	if s.broker != nil {
		brokerErr = s.broker.Health(ctx)
		res["broker"] = brokerErr == nil
	}

	var progressErr error
	if s.progress != nil {
		progressErr = s.progress.Ping(ctx)
		res["progress"] = progressErr == nil
	}

	if storeErr != nil || brokerErr != nil || progressErr != nil {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
