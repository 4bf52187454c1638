// internal/api/http/middleware/middleware.go
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/openeeap/rlactor/internal/observability/logging"
)

// RequestIDHeader carries the request ID in and out
const RequestIDHeader = "X-Request-ID"

// HTTPRecorder receives request metrics, e.g. a metrics.MetricsCollector
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)
}

// RequestID reuses the caller's request ID or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Logging logs each request at Debug, and failures at Warn
func Logging(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("path", c.Request.URL.Path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("duration", time.Since(start)),
			logging.String("request_id", c.GetString("request_id")),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP request failed", fields...)
			return
		}
		logger.Debug("HTTP request completed", fields...)
	}
}

// Metrics records request counts and latency by route pattern
func Metrics(rec HTTPRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		rec.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimit rejects requests beyond a process-wide token bucket
func RateLimit(limit rate.Limit, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(limit, burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

//Personal.AI order the ending
