package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":        s.engine.Running(),
		"symbols":        s.engine.SymbolCount(),
		"circuit":        s.breaker.GetStats(),
		"risk":           s.riskMgr.GetSnapshot(),
		"open_positions": len(s.tracker.OpenPositions()),
		"ws_clients":     s.hub.ClientCount(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.tracker.OpenPositions()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade history requires a database"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		limit = n
	}

	trades, err := s.db.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load recent trades")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(trades),
		"trades": trades,
	})
}

// handleCircuitReset is the manual recovery path after an operator has
// confirmed the exchange is healthy again
func (s *Server) handleCircuitReset(c *gin.Context) {
	before := s.breaker.GetStats()
	s.breaker.ForceReset()
	s.logger.Warn().
		Str("previous_state", string(before.State)).
		Msg("Circuit breaker manually reset")
	c.JSON(http.StatusOK, gin.H{
		"previous": before,
		"current":  s.breaker.GetStats(),
	})
}
