package handlers

import (
	"net/http"
	"strconv"

	"example.com/crm/services/analytics/internal/services"
	"example.com/crm/services/analytics/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MonitoringHandler exposes the pipeline's monitoring queries and the
// dead-letter replay hook.
type MonitoringHandler struct {
	eventService *services.EventService
	tracer       tracing.Tracer
}

// NewMonitoringHandler creates a new monitoring handler
func NewMonitoringHandler(eventService *services.EventService, tracer tracing.Tracer) *MonitoringHandler {
	return &MonitoringHandler{
		eventService: eventService,
		tracer:       tracer,
	}
}

// RegisterRoutes registers the monitoring routes
func (h *MonitoringHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/monitoring/outbox", h.GetOutboxStatus)
	router.GET("/monitoring/failures", h.GetFailureStatus)
	router.GET("/failures", h.ListFailures)
	router.POST("/failures/:event_id/replay", h.ReplayFailure)
}

// GetOutboxStatus reports the unclaimed outbox backlog
func (h *MonitoringHandler) GetOutboxStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("monitoring-outbox-status")
	defer h.tracer.EndTransaction(txn)

	status, err := h.eventService.GetOutboxStatus(c.Request.Context())
	if err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Msg("Failed to get outbox status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get outbox status"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetFailureStatus reports the unresolved dead-letter backlog
func (h *MonitoringHandler) GetFailureStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("monitoring-failure-status")
	defer h.tracer.EndTransaction(txn)

	count, err := h.eventService.CountUnresolvedFailures(c.Request.Context())
	if err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Msg("Failed to count unresolved failures")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count unresolved failures"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unresolved_count": count})
}

// ListFailures lists unresolved dead-letter records
func (h *MonitoringHandler) ListFailures(c *gin.Context) {
	txn := h.tracer.StartTransaction("list-failures")
	defer h.tracer.EndTransaction(txn)

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	records, err := h.eventService.ListUnresolvedFailures(c.Request.Context(), c.Query("event_type"), limit)
	if err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Msg("Failed to list unresolved failures")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list unresolved failures"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"failures": records, "count": len(records)})
}

type replayRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// ReplayFailure replays a dead-lettered event by id
func (h *MonitoringHandler) ReplayFailure(c *gin.Context) {
	txn := h.tracer.StartTransaction("replay-failure")
	defer h.tracer.EndTransaction(txn)

	eventID := c.Param("event_id")

	// Body is optional; default the resolver identity below.
	var req replayRequest
	_ = c.ShouldBindJSON(&req)
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api_replay"
	}

	err := h.eventService.ReplayFailedEvent(c.Request.Context(), eventID, req.ResolvedBy)
	if err != nil {
		if errors.Is(err, services.ErrNoFailedEvent) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no unresolved failed event for id"})
			return
		}
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("event_id", eventID).Msg("Failed to replay event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "replayed", "event_id": eventID})
}
