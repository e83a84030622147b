package router

import (
	"github.com/cuongbtq/parallax-avatar/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if limit := deps.Config.Server.MaxUploadBytes; limit > 0 {
		r.Use(BodyLimitMiddleware(limit))
	}

	r.GET("/health", handler.Health(deps))

	generation := handler.NewGenerationHandler(deps)

	// POST /generate-batch - Stream a frame grid as server-sent events
	r.POST("/generate-batch", generation.GenerateBatch)

	// POST /preprocess - Restyle the source photo
	r.POST("/preprocess", generation.Preprocess)

	// POST /generate-3d - Build a glTF model from the photo
	r.POST("/generate-3d", generation.Generate3D)

	if deps.History == nil {
		return r
	}

	historyHandler := handler.NewHistoryHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/batches - Queue a batch for the worker-service
		v1.POST("/batches", historyHandler.CreateBatch)

		batches := v1.Group("/history")
		{
			batches.GET("", historyHandler.ListHistory)
			batches.GET("/:batch_id", historyHandler.GetHistory)
			batches.GET("/:batch_id/frames/:index", historyHandler.GetFrame)
			batches.POST("/:batch_id/cancel", historyHandler.CancelBatch)
			batches.DELETE("/:batch_id", historyHandler.DeleteHistory)
		}
	}

	return r
}
