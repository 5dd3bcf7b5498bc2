package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/ingest"
	"github.com/timmy/exposcan/internal/logger"
	"github.com/timmy/exposcan/internal/progress"
	"github.com/timmy/exposcan/internal/scan"
)

// ReportSource returns archived report bodies.
type ReportSource interface {
	Fetch(ctx context.Context, workspaceID, jobID string) ([]byte, error)
	URL(workspaceID, jobID string) string
	Purge(ctx context.Context, workspaceID, jobID string) error
}

// ScanHandler handles scan submission, status, cancellation and progress streams.
type ScanHandler struct {
	controller *scan.Controller
	pipeline   *ingest.Pipeline
	publisher  *progress.Publisher
	reports    ReportSource
	maxRows    int
}

// NewScanHandler creates a new scan handler.
// Parameters:
//   - controller: scan orchestrator.
//   - pipeline: target validation for scans and batches.
//   - publisher: progress stream source.
//   - reports: archived reports; may be nil.
//   - maxRows: upper bound on batch rows; <= 0 means unlimited.
// Returns:
//   - *ScanHandler: initialized handler.
func NewScanHandler(controller *scan.Controller, pipeline *ingest.Pipeline, publisher *progress.Publisher, reports ReportSource, maxRows int) *ScanHandler {
	return &ScanHandler{
		controller: controller,
		pipeline:   pipeline,
		publisher:  publisher,
		reports:    reports,
		maxRows:    maxRows,
	}
}

// TargetInput is one target in a scan request.
type TargetInput struct {
	Type  string `json:"type" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// CreateScanRequest is the body of POST /api/v1/scans.
type CreateScanRequest struct {
	WorkspaceID string        `json:"workspace_id" binding:"required"`
	Targets     []TargetInput `json:"targets" binding:"required,min=1,dive"`
	Providers   []string      `json:"providers" binding:"required,min=1"`
}

// CreateScanResponse is returned when a job is admitted.
type CreateScanResponse struct {
	JobID           string              `json:"job_id"`
	State           domain.JobState     `json:"state"`
	CreditsReserved int64               `json:"credits_reserved"`
	Accepted        int                 `json:"accepted"`
	Rejected        []ingest.Rejection  `json:"rejected,omitempty"`
	Unresolved      []ingest.Unresolved `json:"unresolved,omitempty"`
}

// CreateScan handles POST /api/v1/scans.
func (h *ScanHandler) CreateScan(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	var targets []domain.Target
	var rejected []ingest.Rejection
	for _, in := range req.Targets {
		t, err := domain.ParseTargetType(in.Type)
		if err != nil {
			rejected = append(rejected, ingest.Rejection{RawValue: in.Value, Reason: err.Error()})
			continue
		}
		target, reason := h.pipeline.Validate(in.Value, t)
		if reason != "" {
			rejected = append(rejected, ingest.Rejection{RawValue: in.Value, Reason: reason})
			continue
		}
		targets = append(targets, target)
	}
	if len(rejected) > 0 {
		logger.CtxWarn(ctx, "Scan request has invalid targets: rejected=%d", len(rejected))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid targets", "rejected": rejected})
		return
	}

	h.submit(c, req.WorkspaceID, targets, req.Providers, nil)
}

// CreateBatchRequest is the body of POST /api/v1/batches.
type CreateBatchRequest struct {
	WorkspaceID string   `json:"workspace_id" binding:"required"`
	TargetType  string   `json:"target_type" binding:"required"`
	Rows        string   `json:"rows" binding:"required"`
	Providers   []string `json:"providers" binding:"required,min=1"`
}

// CreateBatch handles POST /api/v1/batches. Rows are CSV or one value per line;
// invalid rows are reported and the rest are scanned.
func (h *ScanHandler) CreateBatch(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	t, err := domain.ParseTargetType(req.TargetType)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	rows, err := ingest.ParseRows(strings.NewReader(req.Rows), t)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rows: " + err.Error()})
		return
	}
	if h.maxRows > 0 && len(rows) > h.maxRows {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: fmt.Sprintf("batch exceeds %d rows", h.maxRows)})
		return
	}

	result, err := h.pipeline.Ingest(ctx, rows, t)
	if err != nil {
		body := gin.H{"error": err.Error()}
		if result != nil {
			body["rejected"] = result.Rejected
		}
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}
	if len(result.Accepted) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "batch is empty"})
		return
	}

	h.submit(c, req.WorkspaceID, result.Accepted, req.Providers, result)
}

func (h *ScanHandler) submit(c *gin.Context, workspaceID string, targets []domain.Target, providerIDs []string, batch *ingest.Result) {
	ctx := logger.SetWorkspaceID(c.Request.Context(), workspaceID)

	providers := make([]domain.ProviderID, 0, len(providerIDs))
	for _, p := range providerIDs {
		providers = append(providers, domain.ProviderID(strings.TrimSpace(p)))
	}

	job, err := h.controller.Submit(ctx, scan.Request{WorkspaceID: workspaceID, Targets: targets, Providers: providers})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := CreateScanResponse{
		JobID:           job.ID,
		State:           job.State,
		CreditsReserved: job.CreditsReserved,
		Accepted:        len(targets),
	}
	if batch != nil {
		resp.Rejected = batch.Rejected
		resp.Unresolved = batch.Unresolved
	}
	c.Header("Location", "/api/v1/scans/"+job.ID)
	c.JSON(http.StatusAccepted, resp)
}

// GetScan handles GET /api/v1/scans/:id.
func (h *ScanHandler) GetScan(c *gin.Context) {
	report, err := h.controller.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CancelScan handles POST /api/v1/scans/:id/cancel.
func (h *ScanHandler) CancelScan(c *gin.Context) {
	jobID := c.Param("id")
	if err := h.controller.Cancel(c.Request.Context(), jobID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "cancelling"})
}

// StreamEvents handles GET /api/v1/scans/:id/events as a server-sent event stream.
// The stream replays past events and ends after the job's last event.
func (h *ScanHandler) StreamEvents(c *gin.Context) {
	jobID := c.Param("id")
	report, err := h.controller.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	events, unsubscribe, live := h.publisher.Subscribe(jobID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// Jobs known only to the store have no history here: send their state once.
	if !live {
		c.Render(-1, sseEvent(snapshotEvent(report)))
		c.Writer.Flush()
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Render(-1, sseEvent(ev))
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func snapshotEvent(report *scan.Report) progress.Event {
	ev := progress.Event{
		Type:     progress.EventJob,
		JobID:    report.Job.ID,
		Status:   string(report.Job.State),
		Message:  fmt.Sprintf("%d finding(s)", len(report.Findings)),
		Terminal: report.Terminal(),
		Time:     report.Job.UpdatedAt,
	}
	if ev.Terminal {
		ev.Percent = 100
	}
	return ev
}

// GetReport handles GET /api/v1/workspaces/:id/scans/:job/report.
func (h *ScanHandler) GetReport(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "report archive is disabled"})
		return
	}
	body, err := h.reports.Fetch(c.Request.Context(), c.Param("id"), c.Param("job"))
	if err != nil {
		respondError(c, err)
		return
	}
	if url := h.reports.URL(c.Param("id"), c.Param("job")); url != "" {
		c.Header("Content-Location", url)
	}
	c.Data(http.StatusOK, "application/json", body)
}

// DeleteReport handles DELETE /api/v1/workspaces/:id/scans/:job/report.
func (h *ScanHandler) DeleteReport(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "report archive is disabled"})
		return
	}
	if err := h.reports.Purge(c.Request.Context(), c.Param("id"), c.Param("job")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
