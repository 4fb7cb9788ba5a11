package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sentra-mdr/collab-gateway/internal/hub"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"go.uber.org/zap"
)

// StatsProvider is the slice of the registry the stats probe needs.
type StatsProvider interface {
	Stats() hub.Stats
}

// PublishHandler is the producer-facing HTTP surface: the case/alert
// REST layer posts notification events here for fan-out. Fire and
// forget — 202 means the event was handed to the registry, not that
// anyone received it.
type PublishHandler struct {
	pub    hub.Publisher
	stats  StatsProvider
	logger *zap.Logger
}

func NewPublishHandler(pub hub.Publisher, stats StatsProvider, logger *zap.Logger) *PublishHandler {
	return &PublishHandler{pub: pub, stats: stats, logger: logger}
}

// eventRequest is the posted event body. Separate from
// models.Notification so producers can't smuggle fields the gateway
// should set (and so binding tags stay off the wire model).
type eventRequest struct {
	ID        string         `json:"id" binding:"required"`
	Type      string         `json:"type" binding:"required"`
	Title     string         `json:"title" binding:"required"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata"`
}

func (r *eventRequest) toNotification() models.Notification {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return models.Notification{
		ID:        r.ID,
		Type:      r.Type,
		Title:     r.Title,
		Message:   r.Message,
		CreatedAt: createdAt,
		Metadata:  r.Metadata,
	}
}

type tenantPublishRequest struct {
	Event        eventRequest `json:"event" binding:"required"`
	TargetUserID *uuid.UUID   `json:"target_user_id"`
}

// PublishToTenant handles POST /v1/internal/tenants/:tenantID/notifications
func (h *PublishHandler) PublishToTenant(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenantID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return
	}

	var req tenantPublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target := uuid.Nil
	if req.TargetUserID != nil {
		target = *req.TargetUserID
	}

	h.pub.PublishToTenant(tenantID, req.Event.toNotification(), target)

	h.logger.Debug("tenant notification accepted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("event_id", req.Event.ID),
		zap.Bool("targeted", target != uuid.Nil),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type casePublishRequest struct {
	Event eventRequest `json:"event" binding:"required"`
}

// PublishToCase handles POST /v1/internal/cases/:caseID/events
func (h *PublishHandler) PublishToCase(c *gin.Context) {
	caseID := c.Param("caseID")
	if caseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid case id"})
		return
	}

	var req casePublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.pub.PublishToRoom(caseID, req.Event.toNotification())

	h.logger.Debug("case event accepted",
		zap.String("case_id", caseID),
		zap.String("event_id", req.Event.ID),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Stats handles GET /v1/internal/stats
func (h *PublishHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Stats())
}
