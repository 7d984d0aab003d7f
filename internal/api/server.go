// Package api exposes the engine's read-mostly HTTP surface: health,
// status, open positions, trade history, a circuit-breaker reset and a
// websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trade-decision-engine/internal/circuit"
	"trade-decision-engine/internal/engine"
	"trade-decision-engine/internal/events"
	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/logging"
	"trade-decision-engine/internal/risk"
	"trade-decision-engine/internal/store"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowOrigins   []string `json:"allow_origins"`
}

// Validate checks the server configuration
func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Port)
	}
	return nil
}

// EngineAPI is the engine surface the HTTP layer drives. Market data
// and execution reports are pushed in by external connectors.
type EngineAPI interface {
	Running() bool
	SymbolCount() int
	Evaluate(ctx context.Context, snap engine.MarketSnapshot) error
	OnCandleClose(symbol string)
	OnMarkPrice(symbol string, price float64)
	OnExecutionEvent(ev lifecycle.ExecutionEvent) error
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        ServerConfig

	breaker *circuit.Breaker
	riskMgr *risk.Manager
	tracker *lifecycle.Tracker
	engine  EngineAPI
	db      *store.DB
	hub     *WSHub
	logger  zerolog.Logger
}

// NewServer builds the router and wires handlers. db may be nil when
// running without Postgres; the trade-history endpoint then reports 503.
func NewServer(
	cfg ServerConfig,
	breaker *circuit.Breaker,
	riskMgr *risk.Manager,
	tracker *lifecycle.Tracker,
	eng EngineAPI,
	bus *events.Bus,
	db *store.DB,
	logger zerolog.Logger,
) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		cfg:     cfg,
		breaker: breaker,
		riskMgr: riskMgr,
		tracker: tracker,
		engine:  eng,
		db:      db,
		hub:     NewWSHub(logger),
		logger:  logger.With().Str("component", "APIServer").Logger(),
	}

	// Every bus event is mirrored to connected websocket clients
	bus.SubscribeAll(s.hub.BroadcastEvent)

	s.registerRoutes()
	return s
}

// traceMiddleware stamps each request with a trace ID and stores a
// request-scoped logger in the context for handlers to pull out
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := logging.GenerateTraceID()
		reqLogger := s.logger.With().Str("trace_id", traceID).Logger()
		c.Request = c.Request.WithContext(logging.NewContext(c.Request.Context(), reqLogger))
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.router.Use(s.traceMiddleware())

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/trades", s.handleTrades)
		api.POST("/circuit/reset", s.handleCircuitReset)

		// Ingest endpoints for external market-data and exchange connectors
		api.POST("/evaluate", s.handleEvaluate)
		api.POST("/candles", s.handleCandleClose)
		api.POST("/mark-price", s.handleMarkPrice)
		api.POST("/executions", s.handleExecution)
	}
}

// Start runs the HTTP server and the websocket hub
func (s *Server) Start() error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
