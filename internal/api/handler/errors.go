package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/exposcan/internal/credits"
	"github.com/timmy/exposcan/internal/ingest"
	"github.com/timmy/exposcan/internal/logger"
	"github.com/timmy/exposcan/internal/scan"
	"github.com/timmy/exposcan/internal/storage"
)

// ErrorResponse is the body of every non-2xx response. RequestID is only set
// on internal errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Required  int64  `json:"required,omitempty"`
	Balance   *int64 `json:"balance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// respondError maps domain errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := ErrorResponse{Error: err.Error()}

	var denied *credits.DeniedError
	switch {
	case errors.As(err, &denied):
		body.Reason = string(denied.Reason)
		body.Provider = string(denied.Provider)
		switch denied.Reason {
		case credits.ReasonInsufficientCredits:
			status = http.StatusPaymentRequired
			body.Required = denied.Required
			balance := denied.Balance
			body.Balance = &balance
		case credits.ReasonTierNotAllowed:
			status = http.StatusForbidden
		default:
			status = http.StatusUnprocessableEntity
		}
	case errors.Is(err, ingest.ErrNoValidItems):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, scan.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, scan.ErrJobNotFound), errors.Is(err, storage.ErrObjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scan.ErrJobFinished):
		status = http.StatusConflict
	}

	if status >= http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "Request failed: path=%s, error=%v", c.Request.URL.Path, err)
		body.Error = "internal error"
		body.RequestID = logger.GetRequestID(c.Request.Context())
	}
	c.AbortWithStatusJSON(status, body)
}
