package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/claimflow/internal/api/handler"
	"github.com/timmy/claimflow/internal/api/middleware"
	"github.com/timmy/claimflow/internal/config"
	"github.com/timmy/claimflow/internal/logger"
)

// Services bundles what the routes call into.
type Services struct {
	Documents handler.DocumentService
	Letters   handler.LetterGenerator
	Queue     handler.QueueStats
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, cfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	maxUpload := int64(cfg.MaxUploadMB) << 20
	if maxUpload > 0 {
		r.MaxMultipartMemory = maxUpload
	}

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(svc.Queue)
	documentHandler := handler.NewDocumentHandler(svc.Documents, maxUpload)
	letterHandler := handler.NewLetterHandler(svc.Letters)

	r.GET("/status", healthHandler.Status)

	r.POST("/analyze", documentHandler.Analyze)
	r.POST("/documents/:id/reanalyze", documentHandler.Reanalyze)
	r.GET("/job-status/:id", documentHandler.JobStatus)

	r.POST("/generate-demand-letter", letterHandler.Generate)

	return r
}
