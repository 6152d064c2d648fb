package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes builds the route table of spec §6, grounded on the teacher's
// routes.go: same CORS setup, same split between unauthenticated health routes
// and grouped, middleware-guarded API routes.
func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowedOrigins,
		AllowMethods:     s.cfg.CORS.AllowedMethods,
		AllowHeaders:     s.cfg.CORS.AllowedHeaders,
		AllowCredentials: s.cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.cfg.CORS.MaxAge) * time.Second,
	}))

	r.GET("/healthz", s.healthzHandler)

	jobs := r.Group("/jobs")
	{
		jobs.POST("", s.createJobHandler)
		jobs.GET("", s.listJobsHandler)
		jobs.GET("/:id", s.getJobHandler)
		jobs.DELETE("/:id", s.cancelJobHandler)
		jobs.POST("/:id/retry", s.retryJobHandler)
		jobs.GET("/:id/stream", s.streamJobHandler)

		// Worker-only endpoints, guarded by the shared-secret Bearer middleware
		// (spec §6's "worker" auth column).
		worker := jobs.Group("")
		worker.Use(s.workerAuthMiddleware())
		{
			worker.PATCH("/:id", s.updateJobStatusHandler)
			worker.PATCH("/:id/simulations/:simId", s.updateSimulationHandler)
			worker.POST("/:id/recover", s.recoverJobHandler)
		}
	}

	workers := r.Group("/workers")
	workers.Use(s.workerAuthMiddleware())
	{
		workers.POST("/heartbeat", s.workerHeartbeatHandler)
	}

	return r
}
