// Package opshttp exposes a small gin-gonic/gin ops surface --
// /healthz, /readyz, /metrics -- adapted from the teacher's
// cmd/server/main.go health/ready/metrics routes. No CORS middleware: this
// surface has no browser caller (SPEC_FULL.md §3's "Dropped teacher
// dependencies" drops gin-contrib/cors for exactly this reason).
package opshttp

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Readiness is polled by GET /readyz; it should return nil once the
// dispatcher is ready to accept real traffic (registry constructed, config
// loaded, collaborators wired).
type Readiness func(ctx context.Context) error

// New builds the ops router. serviceName tags the otelgin middleware.
func New(serviceName string, ready Readiness) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if ready != nil {
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
