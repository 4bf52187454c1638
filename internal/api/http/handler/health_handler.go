// internal/api/http/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openeeap/rlactor/internal/infrastructure/message"
)

// ReportSource exposes the latest step report of every rank
type ReportSource interface {
	Latest() []*message.StepReport
	Published() int
}

// HealthHandler serves liveness, readiness and training status
type HealthHandler struct {
	reports ReportSource
	started time.Time
	ready   func() bool
}

// NewHealthHandler creates a handler. ready may be nil, meaning always ready.
func NewHealthHandler(reports ReportSource, ready func() bool) *HealthHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthHandler{reports: reports, started: time.Now(), ready: ready}
}

// LivenessProbe reports that the process is up
func (h *HealthHandler) LivenessProbe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": time.Since(h.started).String(),
	})
}

// ReadinessProbe reports whether the worker accepts training steps
func (h *HealthHandler) ReadinessProbe(c *gin.Context) {
	if !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Status returns the latest step report of every rank
func (h *HealthHandler) Status(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusOK, gin.H{"steps_published": 0, "ranks": []gin.H{}})
		return
	}

	latest := h.reports.Latest()
	ranks := make([]gin.H, 0, len(latest))
	for _, r := range latest {
		ranks = append(ranks, gin.H{
			"run_id":      r.RunID,
			"rank":        r.Rank,
			"step":        r.Step,
			"mode":        r.Mode,
			"timestamp":   r.Timestamp.UTC(),
			"duration_ms": float64(r.Duration) / float64(time.Millisecond),
			"metrics":     message.SanitizeMetrics(r.Metrics),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"steps_published": h.reports.Published(),
		"ranks":           ranks,
	})
}

//Personal.AI order the ending
