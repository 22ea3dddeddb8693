// Package rest is the control API of the simulator.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/api/websocket"
	"github.com/KevinKickass/OpenModbusSim/internal/auth"
	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	addr        net.Addr
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Server.HTTPAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start binds the listen address synchronously and serves in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.logger.Info("Starting REST API server", zap.String("address", s.addr.String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.server.Addr
	}
	return s.addr.String()
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		v1.POST("/auth/login", s.login)

		authProtected := v1.Group("/auth")
		authProtected.Use(s.authService.AuthMiddleware())
		{
			authProtected.GET("/me", s.getCurrentUser)
			authProtected.POST("/tokens", auth.RequirePermission(auth.PermAdmin), s.createAPIToken)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)
			system.GET("/transactions", auth.RequirePermission(auth.PermOperator), s.listTransactions)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== LISTENERS ====================
		listeners := v1.Group("/listeners")
		listeners.Use(s.authService.AuthMiddleware())
		{
			listeners.GET("", auth.RequirePermission(auth.PermOperator), s.listListeners)
			listeners.POST("", auth.RequirePermission(auth.PermAdmin), s.startListener)
			listeners.DELETE("/:name", auth.RequirePermission(auth.PermAdmin), s.stopListener)
		}

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		devices.Use(s.authService.AuthMiddleware())
		{
			// Read operations: Operator+
			devices.GET("", auth.RequirePermission(auth.PermOperator), s.listDevices)
			devices.GET("/:id", auth.RequirePermission(auth.PermOperator), s.getDevice)
			devices.GET("/:id/registers/:type/:address", auth.RequirePermission(auth.PermOperator), s.getRegister)
			devices.GET("/:id/registers/:type/:address/values", auth.RequirePermission(auth.PermOperator), s.readRegisters)

			// Value changes: Technician+
			devices.PUT("/:id/registers/:type/:address", auth.RequirePermission(auth.PermTechnician), s.writeRegisters)
			devices.PUT("/:id/registers/:type/:address/behavior", auth.RequirePermission(auth.PermTechnician), s.setBehavior)
			devices.POST("/:id/enable", auth.RequirePermission(auth.PermTechnician), s.enableDevice)
			devices.POST("/:id/disable", auth.RequirePermission(auth.PermTechnician), s.disableDevice)
			devices.POST("/:id/reset", auth.RequirePermission(auth.PermTechnician), s.resetDevice)

			// Structure changes: Admin
			devices.POST("", auth.RequirePermission(auth.PermAdmin), s.createDevice)
			devices.DELETE("/:id", auth.RequirePermission(auth.PermAdmin), s.deleteDevice)
			devices.POST("/:id/clone", auth.RequirePermission(auth.PermAdmin), s.cloneDevice)
			devices.PATCH("/:id", auth.RequirePermission(auth.PermAdmin), s.updateDevice)
			devices.POST("/:id/registers/:type", auth.RequirePermission(auth.PermAdmin), s.defineRegister)
			devices.DELETE("/:id/registers/:type/:address", auth.RequirePermission(auth.PermAdmin), s.removeRegister)
		}

		// ==================== SCENARIO ====================
		scn := v1.Group("/scenario")
		scn.Use(s.authService.AuthMiddleware())
		{
			scn.GET("", auth.RequirePermission(auth.PermOperator), s.exportScenario)
			scn.POST("/validate", auth.RequirePermission(auth.PermOperator), s.validateScenario)
			scn.POST("/apply", auth.RequirePermission(auth.PermAdmin), s.applyScenario)
		}

		// ==================== SCENARIO LIBRARY ====================
		library := v1.Group("/scenarios")
		library.Use(s.authService.AuthMiddleware())
		{
			library.GET("", auth.RequirePermission(auth.PermOperator), s.listScenarios)
			library.GET("/:name", auth.RequirePermission(auth.PermOperator), s.getScenario)
			library.PUT("/:name", auth.RequirePermission(auth.PermAdmin), s.putScenario)
			library.DELETE("/:name", auth.RequirePermission(auth.PermAdmin), s.deleteScenario)
			library.POST("/:name/load", auth.RequirePermission(auth.PermAdmin), s.loadScenario)
			library.POST("/:name/save", auth.RequirePermission(auth.PermAdmin), s.saveScenario)
		}

		// ==================== WEBSOCKET ====================
		ws := v1.Group("/ws")
		ws.Use(s.authService.AuthMiddleware())
		{
			ws.GET("/live", auth.RequirePermission(auth.PermOperator), s.wsLiveConnection)
			ws.GET("/status", auth.RequirePermission(auth.PermOperator), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
		"dropped":           s.wsHub.Dropped(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
