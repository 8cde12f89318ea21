package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"livestock_backend/controllers"
	"livestock_backend/middleware"
	"livestock_backend/services/broadcast"
	"livestock_backend/services/metrics"
)

// ReadinessCheck reports whether the backing stores are reachable.
type ReadinessCheck func(ctx context.Context) error

type Deps struct {
	LiveStock   *controllers.LiveStockController
	Hub         *broadcast.Hub
	RateLimiter *middleware.RateLimiter
	Metrics     *metrics.Metrics
	JWTSecret   string
	Ready       ReadinessCheck
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	setupHealthEndpoints(router, deps.Ready)

	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// Push connections authenticate during the handshake
	router.GET("/ws", middleware.JWTAuthMiddleware(deps.JWTSecret), func(c *gin.Context) {
		userID, _ := middleware.GetUserIDFromContext(c)
		deps.Hub.HandleWebSocket(c.Writer, c.Request, userID, c.ClientIP())
	})

	lc := deps.LiveStock
	api := router.Group("/api/live-stock")
	if deps.RateLimiter != nil {
		api.Use(deps.RateLimiter.Middleware())
	}
	{
		api.GET("/symbols", lc.GetSymbols)
		api.GET("/cached-data", lc.GetCachedData)
		api.GET("/update-progress", lc.GetUpdateProgress)
		api.GET("/update-progress/stream", lc.StreamUpdateProgress)
		api.GET("/recent-updates", lc.GetRecentUpdates)
		api.GET("/live-data", lc.GetLiveData)
		api.GET("/live-data/:symbol", lc.GetLiveSymbol)
		api.GET("/pause-state", lc.GetPauseState)
		api.GET("/top-movers", lc.GetTopMovers)

		api.GET("/chart/:symbol", lc.GetChart)
		api.GET("/insights/:symbol", lc.GetInsights)
		api.GET("/history/:symbol", lc.GetHistory)
		api.GET("/indicators/:symbol", lc.GetIndicators)

		ingest := api.Group("/ingest")
		{
			ingest.GET("/status", lc.GetIngestStatus)
			ingest.POST("/run", middleware.JWTAuthMiddleware(deps.JWTSecret), lc.RunIngest)
		}
	}
}

// setupHealthEndpoints sets up liveness, readiness and startup probes
func setupHealthEndpoints(router *gin.Engine, ready ReadinessCheck) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Live Stock Backend API",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "not_ready",
					"message": err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})

	router.GET("/startup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "started",
		})
	})
}
