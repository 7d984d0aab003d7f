package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"trade-decision-engine/internal/antiflip"
	"trade-decision-engine/internal/engine"
	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/logging"
	"trade-decision-engine/internal/signal"
)

// evaluateRequest is one pushed market snapshot. RSI defaults to -1
// (unavailable) when omitted.
type evaluateRequest struct {
	Symbol        string           `json:"symbol" binding:"required"`
	Price         float64          `json:"price" binding:"required,gt=0"`
	RSI           *float64         `json:"rsi"`
	TrendBias     signal.TrendBias `json:"trend_bias"`
	RecentCandles []candleBody     `json:"recent_candles"`
}

type candleBody struct {
	Open  float64 `json:"open"`
	Close float64 `json:"close"`
}

func antiflipCandle(c candleBody) antiflip.Candle {
	return antiflip.Candle{Open: c.Open, Close: c.Close}
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap := engine.MarketSnapshot{
		Symbol:    req.Symbol,
		Price:     req.Price,
		RSI:       -1,
		TrendBias: req.TrendBias,
	}
	if req.RSI != nil {
		snap.RSI = *req.RSI
	}
	for _, cd := range req.RecentCandles {
		snap.RecentCandles = append(snap.RecentCandles, antiflipCandle(cd))
	}

	if err := s.engine.Evaluate(c.Request.Context(), snap); err != nil {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().
			Err(err).Str("symbol", req.Symbol).Msg("Evaluation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

type candleCloseRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

func (s *Server) handleCandleClose(c *gin.Context) {
	var req candleCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.OnCandleClose(req.Symbol)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

type markPriceRequest struct {
	Symbol string  `json:"symbol" binding:"required"`
	Price  float64 `json:"price" binding:"required,gt=0"`
}

func (s *Server) handleMarkPrice(c *gin.Context) {
	var req markPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.OnMarkPrice(req.Symbol, req.Price)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleExecution(c *gin.Context) {
	var ev lifecycle.ExecutionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.OnExecutionEvent(ev); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
