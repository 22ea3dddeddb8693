package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/storage"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) shutdownTimeout() time.Duration {
	if d := s.lm.Config().Server.ShutdownTimeout; d > 0 {
		return d
	}
	return 10 * time.Second
}

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/system/transactions?limit=N&slave_id=N&type=T
func (s *Server) listTransactions(c *gin.Context) {
	log := s.lm.TransactionLog()
	if log == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("SYSTEM_503", "Transaction log disabled", nil))
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			badRequest(c, "SYSTEM", "limit must be between 1 and 10000", err)
			return
		}
		limit = n
	}
	var filter storage.Filter
	if raw := c.Query("slave_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || !devices.ValidSlaveID(id) {
			badRequest(c, "SYSTEM", "Invalid slave id", err)
			return
		}
		filter.SlaveID = uint8(id)
	}
	filter.Type = events.Type(c.Query("type"))

	list, err := log.Recent(c.Request.Context(), limit, filter)
	if err != nil {
		s.fail(c, "SYSTEM", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":  list,
		"count":   len(list),
		"dropped": log.Dropped(),
	})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// The request context ends with this handler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		if err := s.lm.Shutdown(ctx); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}

// GET /api/v1/listeners
func (s *Server) listListeners(c *gin.Context) {
	list := s.lm.Listeners().List()
	c.JSON(http.StatusOK, gin.H{
		"listeners": list,
		"count":     len(list),
	})
}

// POST /api/v1/listeners
func (s *Server) startListener(c *gin.Context) {
	var cfg modbus.ListenerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "LISTENER", "Invalid request body", err)
		return
	}
	l, err := s.lm.Listeners().Start(cfg)
	if err != nil {
		s.fail(c, "LISTENER", err, gin.H{"name": cfg.Name})
		return
	}
	c.JSON(http.StatusCreated, modbus.Info{
		Name:      l.Name(),
		Transport: l.Transport(),
		Address:   l.Addr(),
		Serving:   l.Serving(),
		Counters:  l.Counters().Snapshot(),
	})
}

// DELETE /api/v1/listeners/:name
func (s *Server) stopListener(c *gin.Context) {
	name := c.Param("name")
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.shutdownTimeout())
	defer cancel()
	if err := s.lm.Listeners().Stop(ctx, name); err != nil {
		s.fail(c, "LISTENER", err, gin.H{"name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Listener stopped"})
}
