package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"dealflow-backend/internal/shared/telemetry"
)

// Context keys handlers may set to enrich the request log line.
const (
	JobIDKey  = "jobId"
	DealIDKey = "dealId"
)

// Logging emits a structured log per request.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		fields := map[string]any{
			"request_id":  RequestIDFromContext(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"route":       c.FullPath(),
			"status":      status,
			"duration_ms": float64(latency.Microseconds()) / 1000.0,
			"client_ip":   c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
		}
		if v := c.GetString(JobIDKey); v != "" {
			fields["job_id"] = v
		}
		if v := c.GetString(DealIDKey); v != "" {
			fields["deal_id"] = v
		}
		if status >= 500 {
			telemetry.Error("request.complete", fields)
			return
		}
		telemetry.Info("request.complete", fields)
	}
}
