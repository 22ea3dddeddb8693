package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	list := s.lm.Runtime().ListDevices()
	c.JSON(http.StatusOK, gin.H{
		"devices": list,
		"count":   len(list),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	detail, err := s.lm.Runtime().Device(id)
	if err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// POST /api/v1/devices
// A missing slave_id picks the lowest free id.
func (s *Server) createDevice(c *gin.Context) {
	var def devices.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, "DEVICE", "Invalid request body", err)
		return
	}

	id, err := s.lm.Runtime().AddDevice(def)
	if err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": def.SlaveID})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"slave_id": id,
		"message":  "Device created",
	})
}

// DELETE /api/v1/devices/:id
func (s *Server) deleteDevice(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.lm.Runtime().RemoveDevice(id); err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Device deleted",
	})
}

// POST /api/v1/devices/:id/clone
func (s *Server) cloneDevice(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		SlaveID *int `json:"slave_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "DEVICE", "Invalid request body", err)
			return
		}
	}
	var dst uint8
	if req.SlaveID != nil {
		if !devices.ValidSlaveID(*req.SlaveID) {
			badRequest(c, "DEVICE", "Invalid target slave id", nil)
			return
		}
		dst = uint8(*req.SlaveID)
	}

	created, err := s.lm.Runtime().CloneDevice(id, dst)
	if err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id, "target": dst})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"slave_id": created,
		"source":   id,
		"message":  "Device cloned",
	})
}

// POST /api/v1/devices/:id/enable
func (s *Server) enableDevice(c *gin.Context) {
	s.setEnabled(c, true)
}

// POST /api/v1/devices/:id/disable
func (s *Server) disableDevice(c *gin.Context) {
	s.setEnabled(c, false)
}

func (s *Server) setEnabled(c *gin.Context, enabled bool) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.lm.Runtime().SetEnabled(id, enabled); err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"slave_id": id,
		"enabled":  enabled,
	})
}

// POST /api/v1/devices/:id/reset
// Zeroes access counters and re-arms behaviors.
func (s *Server) resetDevice(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.lm.Runtime().ResetCounters(id); err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slave_id": id, "reset": true})
}

// PATCH /api/v1/devices/:id
// Absent fields are left unchanged.
func (s *Server) updateDevice(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Enabled     *bool     `json:"enabled"`
		Bindings    *[]string `json:"bindings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "DEVICE", "Invalid request body", err)
		return
	}

	rt := s.lm.Runtime()
	current, err := rt.Device(id)
	if err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id})
		return
	}

	if req.Name != nil || req.Description != nil {
		name, desc := current.Name, current.Description
		if req.Name != nil {
			name = *req.Name
		}
		if req.Description != nil {
			desc = *req.Description
		}
		err = rt.Rename(id, name, desc)
	}
	if err == nil && req.Bindings != nil {
		err = rt.SetBindings(id, *req.Bindings)
	}
	if err == nil && req.Enabled != nil {
		err = rt.SetEnabled(id, *req.Enabled)
	}
	if err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id})
		return
	}

	updated, err := rt.Device(id)
	if err != nil {
		s.fail(c, "DEVICE", err, gin.H{"slave_id": id})
		return
	}
	c.JSON(http.StatusOK, updated.Summary)
}
