package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"simbatch/internal/streamer"
)

// ginSink adapts streamer.Sink onto gin's SSE writer: the default (unnamed)
// event carries the job snapshot, the "simulations" named event carries the
// simulation list, per spec §6's SSE framing.
type ginSink struct {
	c *gin.Context
}

func (g ginSink) SendJob(snap streamer.JobSnapshot) error {
	g.c.SSEvent("", snap)
	g.c.Writer.Flush()
	return nil
}

func (g ginSink) SendSimulations(snap streamer.SimulationsSnapshot) error {
	g.c.SSEvent("simulations", snap)
	g.c.Writer.Flush()
	return nil
}

// streamJobHandler implements GET /jobs/{id}/stream: it blocks for the
// lifetime of the connection, relaying streamer snapshots until the job
// reaches a terminal state or the client disconnects.
func (s *Server) streamJobHandler(c *gin.Context) {
	if s.streamer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress stream not configured"})
		return
	}

	jobID := c.Param("id")
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		s.respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	_ = s.streamer.Stream(c.Request.Context(), jobID, ginSink{c: c})
}
