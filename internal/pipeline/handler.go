package pipeline

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/evidence"
	"dealflow-backend/internal/shared/server/middleware"
	"dealflow-backend/internal/shared/server/respond"
)

// Handler exposes the pipeline over HTTP.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches pipeline routes. enqueueMW runs only on the
// enqueue route.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, enqueueMW ...gin.HandlerFunc) {
	enqueue := append(append([]gin.HandlerFunc{}, enqueueMW...), h.enqueue)
	rg.POST("/jobs", enqueue...)
	rg.GET("/jobs/:id", h.getJob)
	rg.GET("/queue/health", h.queueHealth)

	admin := rg.Group("/admin")
	admin.POST("/force-process", h.forceProcess)
	admin.POST("/drain-failed", h.drainFailed)
	admin.POST("/reclaim", h.reclaim)
	admin.POST("/emergency-drain", h.emergencyDrain)

	rg.POST("/validate/schema", h.validateSchema)
	rg.POST("/validate/evidence", h.validateEvidence)
	rg.POST("/deals/:id/safe-mode", h.safeMode)
	rg.GET("/deals/:id/evidence/history", h.evidenceHistory)
}

func (h *Handler) enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	c.Set(middleware.DealIDKey, req.DealID)
	res, err := h.Svc.Enqueue(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to enqueue analysis", nil)
		return
	}
	c.Set(middleware.JobIDKey, res.JobID)
	switch {
	case res.FailClosed:
		respond.JSON(c, http.StatusServiceUnavailable, res)
	case res.Queued:
		respond.Accepted(c, res)
	default:
		respond.OK(c, res)
	}
}

func (h *Handler) getJob(c *gin.Context) {
	c.Set(middleware.JobIDKey, c.Param("id"))
	job, err := h.Svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch job", nil)
		return
	}
	respond.OK(c, job)
}

func (h *Handler) queueHealth(c *gin.Context) {
	snap, err := h.Svc.GetQueueHealth(c.Request.Context(), c.Query("fundId"))
	if err != nil {
		respond.Error(c, http.StatusServiceUnavailable, "health_unavailable", "queue health unavailable", nil)
		return
	}
	respond.OK(c, snap)
}

func (h *Handler) forceProcess(c *gin.Context) {
	n, err := h.Svc.ForceProcess(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to force processing", nil)
		return
	}
	respond.OK(c, gin.H{"rescheduled": n})
}

func (h *Handler) drainFailed(c *gin.Context) {
	n, err := h.Svc.DrainFailedItems(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to drain failed items", nil)
		return
	}
	respond.OK(c, gin.H{"drained": n})
}

func (h *Handler) reclaim(c *gin.Context) {
	n, err := h.Svc.ReclaimStuckItems(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to reclaim stuck items", nil)
		return
	}
	respond.OK(c, gin.H{"reclaimed": n})
}

func (h *Handler) emergencyDrain(c *gin.Context) {
	report, err := h.Svc.EmergencyDrain(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "emergency drain failed", nil)
		return
	}
	respond.OK(c, report)
}

func (h *Handler) validateSchema(c *gin.Context) {
	var req SchemaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	res, err := h.Svc.ValidateSchema(c.Request.Context(), req)
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	respond.OK(c, res)
}

func (h *Handler) validateEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	res, err := h.Svc.ValidateEvidenceIntegrity(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusServiceUnavailable, "evidence_unavailable", "evidence integrity check unavailable", nil)
		return
	}
	respond.OK(c, res)
}

type safeModeRequest struct {
	FundID   string          `json:"fundId"`
	Strategy *deals.Strategy `json:"strategy,omitempty"`
}

func (h *Handler) safeMode(c *gin.Context) {
	var req safeModeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
			return
		}
	}
	c.Set(middleware.DealIDKey, c.Param("id"))
	res, err := h.Svc.SafeModeScore(c.Request.Context(), c.Param("id"), req.FundID, req.Strategy)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "deal not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "safe-mode scoring failed", nil)
		return
	}
	respond.OK(c, res)
}

func (h *Handler) evidenceHistory(c *gin.Context) {
	c.Set(middleware.DealIDKey, c.Param("id"))
	res, err := h.Svc.GetEvidenceHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, evidence.ErrArchiveDisabled) {
			respond.Error(c, http.StatusNotFound, "archive_disabled", "evidence archive is not configured", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to read evidence history", nil)
		return
	}
	respond.OK(c, res)
}
