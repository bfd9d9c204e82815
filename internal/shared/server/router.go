package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dealflow-backend/internal/pipeline"
	"dealflow-backend/internal/shared/config"
	"dealflow-backend/internal/shared/metrics"
	"dealflow-backend/internal/shared/server/middleware"
	"dealflow-backend/internal/shared/server/respond"
)

// RouterDeps are the handlers and probes the router mounts.
type RouterDeps struct {
	Config   config.Config
	Pipeline *pipeline.Handler
	// Ready reports backing store connectivity; nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", healthHandler(deps.Ready))

	if deps.Pipeline != nil {
		enqueueLimit := middleware.RateLimit(middleware.RateLimitConfig{
			Group: "enqueue",
			Rule: middleware.RateLimitRule{
				Rate:  deps.Config.EnqueueRatePerSecond,
				Burst: deps.Config.EnqueueBurst,
			},
		})
		deps.Pipeline.RegisterRoutes(api, enqueueLimit)
	}

	return r
}

func healthHandler(ready func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				respond.Error(c, http.StatusServiceUnavailable, "not_ready", "database unavailable", nil)
				return
			}
		}
		respond.OK(c, gin.H{"ok": true})
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
