package httpapi

import (
	"errors"
	"net/http"

	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/campaign"
	"outbound-dialer/internal/dialqueue"
	"outbound-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Campaigns *campaign.Manager
	Queue     dialqueue.Queue
	Hub       *Hub
	Audit     *audit.Service
}

// record logs an operator command, best-effort. A failed audit write never
// fails the request.
func (h Handlers) record(c *gin.Context, t audit.EventType, campaignID, message string) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.LogCommand(c.Request.Context(), t, campaignID, c.ClientIP(), message); err != nil {
		logger.FromGin(c).Warn("audit write failed", "type", string(t), "campaign_id", campaignID, "err", err)
	}
}

// StartCampaign launches a campaign (or revives a persisted one) and returns
// its first snapshot.
func (h Handlers) StartCampaign(c *gin.Context) {
	var req campaign.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id, call_flow_id, client_id, client_secret required"})
		return
	}

	ctl, err := h.Campaigns.Start(c.Request.Context(), req)
	if err != nil {
		logger.FromGin(c).Warn("campaign start failed", "campaign_id", req.CampaignID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.record(c, audit.EventTypeStartCampaign, ctl.ID(), "campaign started")
	c.JSON(http.StatusOK, gin.H{"campaign_id": ctl.ID(), "state": ctl.State()})
}

// StopCampaign begins the stop protocol. The campaign disappears from the
// registry later, once its last call has drained.
func (h Handlers) StopCampaign(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign id required"})
		return
	}

	if err := h.Campaigns.Stop(c.Request.Context(), id); err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		logger.FromGin(c).Warn("campaign stop failed", "campaign_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, audit.EventTypeStopCampaign, id, "campaign stop requested")
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "state": campaign.StateStopped})
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"campaigns": h.Campaigns.Snapshots(c.Request.Context())})
}

func (h Handlers) CampaignStats(c *gin.Context) {
	stats, err := h.Campaigns.Stats(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("stats lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stats lookup failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ClearQueue drops one campaign's pending dial entries. In-memory campaign
// state is untouched; the next cycle simply replenishes.
func (h Handlers) ClearQueue(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign id required"})
		return
	}
	removed := h.Queue.Clear(c.Request.Context(), id)
	h.record(c, audit.EventTypeClearQueue, id, "dial queue cleared")
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "removed": removed})
}

func (h Handlers) ClearAllQueues(c *gin.Context) {
	removed := h.Queue.ClearAll(c.Request.Context())
	h.record(c, audit.EventTypeClearQueue, "", "all dial queues cleared")
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Events upgrades the request to a websocket and streams campaign updates.
func (h Handlers) Events(c *gin.Context) {
	if h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event hub not configured"})
		return
	}
	h.Hub.ServeHTTP(c.Writer, c.Request)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
