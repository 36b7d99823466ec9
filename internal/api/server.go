package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/store"
)

// EngineAPI is what the trading engine exposes to the control surface
type EngineAPI interface {
	Status() map[string]interface{}
	Positions() []*store.Position
	Performance(ctx context.Context) (map[string]interface{}, error)
	Trades(ctx context.Context, symbol string, limit int) ([]*store.Trade, error)
	Balance(ctx context.Context) (map[string]interface{}, error)
	StartTrading() error
	StopTrading() error
}

// Server is the bearer-token protected JSON control surface plus the /ws
// status stream.
type Server struct {
	config     *config.ServerConfig
	engine     EngineAPI
	logger     *logging.Logger
	router     *gin.Engine
	httpServer *http.Server
	hub        *Hub
}

// NewServer builds the router, middleware and routes
func NewServer(cfg *config.ServerConfig, engine EngineAPI, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		config: cfg,
		engine: engine,
		logger: logger.WithComponent("api"),
		router: router,
		hub:    NewHub(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	authed := s.router.Group("/", s.authMiddleware())
	authed.GET("/status", s.handleStatus)
	authed.GET("/positions", s.handlePositions)
	authed.GET("/performance", s.handlePerformance)
	authed.GET("/trades", s.handleTrades)
	authed.GET("/balance", s.handleBalance)
	authed.POST("/start", s.handleStart)
	authed.POST("/stop", s.handleStop)

	// The WS handshake carries the token as a query parameter because
	// browsers cannot set Authorization headers on WebSocket upgrades.
	s.router.GET("/ws", s.handleWebSocket)
}

// Start runs the hub, the periodic status pusher and the HTTP listener
func (s *Server) Start(ctx context.Context) error {
	s.hub.Run()
	go s.pushStatus(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("control api listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server stopped", "error", err.Error())
		}
	}()
	return nil
}

// Shutdown stops the listener within the configured grace period
func (s *Server) Shutdown() error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// pushStatus broadcasts the engine status to WS clients on the configured
// cadence.
func (s *Server) pushStatus(ctx context.Context) {
	interval := s.config.StatusInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.hub.BroadcastJSON(s.engine.Status())
		case <-ctx.Done():
			return
		}
	}
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}
