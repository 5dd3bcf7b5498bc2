package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/exposcan/internal/credits"
	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
)

// CreditsHandler exposes workspace balances and top-ups.
type CreditsHandler struct {
	ledger *credits.Ledger
}

// NewCreditsHandler creates a new credits handler.
func NewCreditsHandler(ledger *credits.Ledger) *CreditsHandler {
	return &CreditsHandler{ledger: ledger}
}

// BalanceResponse is the body of GET /api/v1/workspaces/:id/credits.
type BalanceResponse struct {
	WorkspaceID string                     `json:"workspace_id"`
	Balance     int64                      `json:"balance"`
	Entries     []domain.CreditLedgerEntry `json:"entries"`
}

// GetCredits handles GET /api/v1/workspaces/:id/credits.
func (h *CreditsHandler) GetCredits(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := c.Param("id")

	entries, err := h.ledger.Entries(ctx, workspaceID)
	if err != nil {
		respondError(c, err)
		return
	}
	var balance int64
	for _, e := range entries {
		balance += e.Amount
	}
	if entries == nil {
		entries = []domain.CreditLedgerEntry{}
	}
	c.JSON(http.StatusOK, BalanceResponse{WorkspaceID: workspaceID, Balance: balance, Entries: entries})
}

// GrantRequest is the body of POST /api/v1/workspaces/:id/credits.
type GrantRequest struct {
	Amount         int64  `json:"amount" binding:"required,min=1"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// GrantCredits handles POST /api/v1/workspaces/:id/credits. A repeated
// idempotency key is acknowledged without a second grant.
func (h *CreditsHandler) GrantCredits(c *gin.Context) {
	workspaceID := c.Param("id")
	ctx := logger.SetWorkspaceID(c.Request.Context(), workspaceID)

	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = c.GetHeader("Idempotency-Key")
	}
	if key != "" {
		key = "grant:" + workspaceID + ":" + key
	}

	created, err := h.ledger.Grant(ctx, workspaceID, req.Amount, req.Reason, key)
	if err != nil {
		respondError(c, err)
		return
	}
	balance, err := h.ledger.Balance(ctx, workspaceID)
	if err != nil {
		respondError(c, err)
		return
	}

	logger.With(logger.Fields{logger.FieldCredits: req.Amount}).Info(ctx, "Credits granted: created=%v, balance=%d", created, balance)
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"workspace_id": workspaceID, "created": created, "balance": balance})
}
