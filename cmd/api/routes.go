package main

import (
	"outbound-dialer/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers) {
	r.GET("/healthz", httpapi.Healthz)

	// Observer stream: campaign snapshots and error envelopes.
	r.GET("/ws", h.Events)

	api := r.Group("/api")
	{
		campaigns := api.Group("/campaigns")
		{
			campaigns.POST("/start", h.StartCampaign)
			campaigns.POST("/:id/stop", h.StopCampaign)
			campaigns.GET("", h.ListCampaigns)
			campaigns.GET("/stats", h.CampaignStats)
		}

		queue := api.Group("/queue")
		{
			queue.DELETE("/:id", h.ClearQueue)
			queue.DELETE("", h.ClearAllQueues)
		}
	}
}
