package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/api/handlers"
	"github.com/yourusername/shelfcache-go/api/middleware"
	"github.com/yourusername/shelfcache-go/pkg/logger"
)

// Services groups what the control API drives
type Services struct {
	Downloads handlers.DownloadService
	Cache     handlers.CacheService
	Network   handlers.NetworkService
	Readiness handlers.ReadinessChecker
	LogsDir   string
}

// SetupRouter sets up the HTTP router of the control API
func SetupRouter(svc Services, log *zap.Logger, ml *logger.MultiLogger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log, ml))
	router.Use(middleware.Recovery(log, ml))
	router.Use(middleware.CORS())

	healthHandler := handlers.NewHealthHandler(svc.Readiness, svc.Network)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		downloadHandler := handlers.NewDownloadHandler(svc.Downloads, log)
		downloads := v1.Group("/downloads")
		{
			downloads.POST("", downloadHandler.AddDownload)
			downloads.GET("", downloadHandler.ListDownloads)
			downloads.GET("/stats", downloadHandler.GetStats)
			downloads.DELETE("/completed", downloadHandler.ClearCompleted)
			downloads.GET("/:id", downloadHandler.GetDownload)
			downloads.GET("/:id/items", downloadHandler.GetItems)
			downloads.POST("/:id/cancel", downloadHandler.CancelDownload)
			downloads.POST("/:id/pause", downloadHandler.PauseDownload)
			downloads.POST("/:id/resume", downloadHandler.ResumeDownload)
			downloads.POST("/:id/retry", downloadHandler.RetryDownload)
			downloads.DELETE("/:id", downloadHandler.DeleteDownload)
		}

		cacheHandler := handlers.NewCacheHandler(svc.Cache, log)
		cache := v1.Group("/cache")
		{
			cache.GET("/stats", cacheHandler.GetStats)
			cache.GET("/lists/:type/:key", cacheHandler.GetList)
			cache.POST("/lists/:type/:key/refresh", cacheHandler.RefreshList)
			cache.GET("/entities/:kind/:id", cacheHandler.GetEntity)
			cache.GET("/series/:id", cacheHandler.GetSeriesDetail)
			cache.DELETE("", cacheHandler.Clear)
			cache.DELETE("/series/:id", cacheHandler.ClearSeries)
		}

		networkHandler := handlers.NewNetworkHandler(svc.Network)
		v1.GET("/network", networkHandler.GetStatus)
		v1.PUT("/network/offline", networkHandler.SetOffline)

		if svc.LogsDir != "" {
			logHandler := handlers.NewLogHandler(svc.LogsDir)
			logs := v1.Group("/logs")
			{
				logs.GET("/categories", logHandler.GetCategories)
				logs.GET("/:category", logHandler.GetLogs)
				logs.GET("/:category/search", logHandler.SearchLogs)
				logs.GET("/:category/stream", logHandler.StreamLogs)
				logs.GET("/:category/export", logHandler.ExportLogs)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"error": "not found"})
	})

	return router
}
