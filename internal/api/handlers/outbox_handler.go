package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/repositories"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/services"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/tracing"
)

// OutboxHandler exposes recorded outbox events for operational dashboards.
// Failed events are the artifact operators act on; this surface only reads,
// it never mutates delivery state.
type OutboxHandler struct {
	protocolService *services.ProtocolService
	tracer          tracing.Tracer
}

// NewOutboxHandler creates a new outbox handler
func NewOutboxHandler(protocolService *services.ProtocolService, tracer tracing.Tracer) *OutboxHandler {
	return &OutboxHandler{
		protocolService: protocolService,
		tracer:          tracer,
	}
}

// HandleListEvents lists outbox events filtered by status, event type or
// aggregate ID
func (h *OutboxHandler) HandleListEvents(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-list-outbox-events")
	defer h.tracer.EndTransaction(txn)

	filter := repositories.OutboxFilter{
		Status:    models.OutboxStatus(c.Query("status")),
		EventType: c.Query("event_type"),
	}

	if raw := c.Query("aggregate_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid aggregate_id"})
			return
		}
		filter.AggregateID = id
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	events, err := h.protocolService.ListOutboxEvents(c, filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list outbox events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// RegisterRoutes registers the handler's routes
func (h *OutboxHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.GET("/outbox/events", h.HandleListEvents)
}
