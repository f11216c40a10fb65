package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/services"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/tracing"
)

// ProtocolHandler handles protocol-related HTTP requests
type ProtocolHandler struct {
	protocolService *services.ProtocolService
	tracer          tracing.Tracer
}

// NewProtocolHandler creates a new protocol handler
func NewProtocolHandler(protocolService *services.ProtocolService, tracer tracing.Tracer) *ProtocolHandler {
	return &ProtocolHandler{
		protocolService: protocolService,
		tracer:          tracer,
	}
}

// UploadRequest represents an incoming protocol upload registration
type UploadRequest struct {
	Title     string `json:"title" binding:"required"`
	Filename  string `json:"filename" binding:"required"`
	Checksum  string `json:"checksum" binding:"required"`
	PageCount int    `json:"page_count"`
}

// ExtractionRequest represents an extraction result for a protocol
type ExtractionRequest struct {
	Criteria  map[string]interface{} `json:"criteria" binding:"required"`
	ModelName string                 `json:"model_name" binding:"required"`
}

// GroundingRequest marks a criteria set as grounded
type GroundingRequest struct {
	CriteriaSetID uuid.UUID `json:"criteria_set_id" binding:"required"`
}

// HandleRegisterUpload registers an uploaded protocol document
func (h *ProtocolHandler) HandleRegisterUpload(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-register-upload")
	defer h.tracer.EndTransaction(txn)

	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	h.tracer.AddAttribute(txn, "filename", req.Filename)
	h.tracer.AddAttribute(txn, "checksum", req.Checksum)

	protocol, err := h.protocolService.RegisterUpload(c, &models.ProtocolUpload{
		Title:     req.Title,
		Filename:  req.Filename,
		Checksum:  req.Checksum,
		PageCount: req.PageCount,
	})
	if err != nil {
		if errors.Is(err, services.ErrDuplicateUpload) {
			c.JSON(http.StatusConflict, gin.H{"error": "protocol already uploaded"})
			return
		}
		log.Error().Err(err).Msg("Failed to register protocol upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusCreated, protocol)
}

// HandleGetProtocol returns a protocol by ID
func (h *ProtocolHandler) HandleGetProtocol(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-protocol")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid protocol id"})
		return
	}

	protocol, err := h.protocolService.GetProtocol(c, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "protocol not found"})
		return
	}

	c.JSON(http.StatusOK, protocol)
}

// HandleRecordExtraction records an extraction result for a protocol
func (h *ProtocolHandler) HandleRecordExtraction(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-record-extraction")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid protocol id"})
		return
	}

	var req ExtractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	criteria, err := json.Marshal(req.Criteria)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "criteria is not serializable"})
		return
	}

	set, err := h.protocolService.RecordExtraction(c, id, criteria, req.ModelName)
	if err != nil {
		log.Error().Err(err).Str("protocol_id", id.String()).Msg("Failed to record extraction")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusCreated, set)
}

// HandleRecordGrounding marks a criteria set as grounded
func (h *ProtocolHandler) HandleRecordGrounding(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-record-grounding")
	defer h.tracer.EndTransaction(txn)

	var req GroundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	if err := h.protocolService.RecordGrounding(c, req.CriteriaSetID); err != nil {
		log.Error().Err(err).Str("criteria_set_id", req.CriteriaSetID.String()).Msg("Failed to record grounding")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleDeleteProtocol deletes a protocol and its criteria sets
func (h *ProtocolHandler) HandleDeleteProtocol(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-delete-protocol")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid protocol id"})
		return
	}

	if err := h.protocolService.DeleteProtocol(c, id); err != nil {
		log.Error().Err(err).Str("protocol_id", id.String()).Msg("Failed to delete protocol")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RegisterRoutes registers the handler's routes
func (h *ProtocolHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.POST("/protocols", h.HandleRegisterUpload)
	v1.GET("/protocols/:id", h.HandleGetProtocol)
	v1.DELETE("/protocols/:id", h.HandleDeleteProtocol)
	v1.POST("/protocols/:id/extraction", h.HandleRecordExtraction)
	v1.POST("/protocols/:id/grounding", h.HandleRecordGrounding)
}
