package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// workerAuthMiddleware validates the worker shared secret (spec §6's "worker"
// auth column), adapted from the teacher's Bearer-token AuthMiddleware down to
// a single shared secret: end-user authentication is an external collaborator
// outside this repository's scope (spec §1 Non-goals), but worker endpoints
// still need to reject arbitrary callers, so they get the one piece of auth
// this repository does own.
func (s *Server) workerAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.WorkerSharedSecret == "" {
			// No secret configured: treat as a single-tenant/dev deployment and
			// let worker requests through unauthenticated.
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.cfg.WorkerSharedSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid worker credentials"})
			c.Abort()
			return
		}

		c.Next()
	}
}
