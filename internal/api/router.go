package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/stratum/internal/api/handler"
	"github.com/timmy/stratum/internal/api/middleware"
	"github.com/timmy/stratum/internal/config"
	"github.com/timmy/stratum/internal/logger"
	"github.com/timmy/stratum/internal/repository"
	"github.com/timmy/stratum/internal/scheduler"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	sched *scheduler.Scheduler,
	store *repository.Store,
	log *logger.Logger,
	cfg *config.ServerConfig,
) *gin.Engine {
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

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	jobHandler := handler.NewJobHandler(sched, store)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", jobHandler.SubmitJob)
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.POST("/jobs/:id/cancel", jobHandler.CancelJob)
		v1.GET("/jobs/:id/logs", jobHandler.GetJobLogs)
		v1.GET("/jobs/:id/records", jobHandler.GetJobRecords)
	}

	return r
}
