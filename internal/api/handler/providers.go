package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/provider"
)

// ProvidersHandler lists the provider catalogue.
type ProvidersHandler struct {
	registry *provider.Registry
}

func NewProvidersHandler(registry *provider.Registry) *ProvidersHandler {
	return &ProvidersHandler{registry: registry}
}

type providerView struct {
	provider.Spec
	Available bool `json:"available"`
}

// ListProviders handles GET /api/v1/providers.
func (h *ProvidersHandler) ListProviders(c *gin.Context) {
	specs := h.registry.Specs()
	out := make([]providerView, 0, len(specs))
	for _, s := range specs {
		if t := c.Query("target_type"); t != "" && !s.Supports(domain.TargetType(t)) {
			continue
		}
		out = append(out, providerView{Spec: s, Available: h.registry.Available(s.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out, "total": len(out)})
}
