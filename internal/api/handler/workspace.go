package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
)

// TierStore reads and changes workspace subscription tiers.
type TierStore interface {
	Tier(ctx context.Context, workspaceID string) (domain.Tier, error)
	SetTier(ctx context.Context, workspaceID string, tier domain.Tier) error
}

// JobHistory lists persisted jobs.
type JobHistory interface {
	ListJobs(ctx context.Context, workspaceID string, limit int) ([]domain.ScanJob, error)
	CountByState(ctx context.Context) (map[domain.JobState]int64, error)
}

// WorkspaceHandler serves workspace tiers and job history. It is only mounted
// when jobs are persisted.
type WorkspaceHandler struct {
	tiers TierStore
	jobs  JobHistory
}

// NewWorkspaceHandler creates a new workspace handler.
func NewWorkspaceHandler(tiers TierStore, jobs JobHistory) *WorkspaceHandler {
	return &WorkspaceHandler{tiers: tiers, jobs: jobs}
}

// TierRequest is the body of PUT /api/v1/workspaces/:id/tier.
type TierRequest struct {
	Tier string `json:"tier" binding:"required,oneof=free pro business premium"`
}

// GetTier handles GET /api/v1/workspaces/:id/tier.
func (h *WorkspaceHandler) GetTier(c *gin.Context) {
	workspaceID := c.Param("id")
	tier, err := h.tiers.Tier(c.Request.Context(), workspaceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "tier": tier})
}

// SetTier handles PUT /api/v1/workspaces/:id/tier.
func (h *WorkspaceHandler) SetTier(c *gin.Context) {
	workspaceID := c.Param("id")
	ctx := logger.SetWorkspaceID(c.Request.Context(), workspaceID)

	var req TierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	if err := h.tiers.SetTier(ctx, workspaceID, domain.Tier(req.Tier)); err != nil {
		respondError(c, err)
		return
	}
	logger.CtxInfo(ctx, "Workspace tier changed: tier=%s", req.Tier)
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "tier": req.Tier})
}

// ListScans handles GET /api/v1/workspaces/:id/scans.
func (h *WorkspaceHandler) ListScans(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	jobs, err := h.jobs.ListJobs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []domain.ScanJob{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

// Stats handles GET /api/v1/stats.
func (h *WorkspaceHandler) Stats(c *gin.Context) {
	counts, err := h.jobs.CountByState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"jobs_by_state": counts, "total_jobs": total})
}
