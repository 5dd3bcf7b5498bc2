package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/exposcan/internal/api/handler"
	"github.com/timmy/exposcan/internal/api/middleware"
)

// Handlers groups the route handlers.
type Handlers struct {
	Health    *handler.HealthHandler
	Scans     *handler.ScanHandler
	Credits   *handler.CreditsHandler
	Providers *handler.ProvidersHandler

	// Workspaces is nil when jobs are kept in memory only.
	Workspaces *handler.WorkspaceHandler
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(h Handlers, mode string, cors middleware.CORSConfig) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cors))

	r.GET("/health", h.Health.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/providers", h.Providers.ListProviders)

		v1.POST("/scans", h.Scans.CreateScan)
		v1.POST("/batches", h.Scans.CreateBatch)
		v1.GET("/scans/:id", h.Scans.GetScan)
		v1.POST("/scans/:id/cancel", h.Scans.CancelScan)
		v1.GET("/scans/:id/events", h.Scans.StreamEvents)

		v1.GET("/workspaces/:id/credits", h.Credits.GetCredits)
		v1.POST("/workspaces/:id/credits", h.Credits.GrantCredits)
		v1.GET("/workspaces/:id/scans/:job/report", h.Scans.GetReport)
		v1.DELETE("/workspaces/:id/scans/:job/report", h.Scans.DeleteReport)

		if h.Workspaces != nil {
			v1.GET("/stats", h.Workspaces.Stats)
			v1.GET("/workspaces/:id/tier", h.Workspaces.GetTier)
			v1.PUT("/workspaces/:id/tier", h.Workspaces.SetTier)
			v1.GET("/workspaces/:id/scans", h.Workspaces.ListScans)
		}
	}

	return r
}
