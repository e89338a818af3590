package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"futures-signal-engine/internal/strategy"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.Statuses())
}

// handleAddStrategy accepts a partial strategy config; missing fields take
// defaults.
func (s *Server) handleAddStrategy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	cfg, err := s.sup.AddStrategy(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) handleUpdateStrategy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	cfg, err := s.sup.UpdateConfig(c.Param("id"), body)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleRemoveStrategy(c *gin.Context) {
	if err := s.sup.RemoveStrategy(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("id")})
}

type manualOrderRequest struct {
	Type string `json:"type" binding:"required"`
}

func (s *Server) handleManualOrder(c *gin.Context) {
	var req manualOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir := strategy.Direction(req.Type)
	switch dir {
	case strategy.DirectionLong, strategy.DirectionShort, strategy.DirectionFlat:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be LONG, SHORT or FLAT"})
		return
	}
	if err := s.sup.ManualOrder(c.Param("id"), dir); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "submitted"})
}

func (s *Server) handleEngineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.dataEngine.Status())
}

func (s *Server) handleOrderLog(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, s.sup.OrderLog(limit))
}
