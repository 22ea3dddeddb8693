package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/gin-gonic/gin"
)

// maxValues matches the largest Modbus register read.
const maxValues = 125

// GET /api/v1/devices/:id/registers/:type/:address
func (s *Server) getRegister(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	t, addr, ok := registerParams(c)
	if !ok {
		return
	}
	view, err := s.lm.Runtime().Register(id, t, addr)
	if err != nil {
		s.fail(c, "REGISTER", err, gin.H{"slave_id": id, "register_type": t, "address": addr})
		return
	}
	c.JSON(http.StatusOK, view)
}

// GET /api/v1/devices/:id/registers/:type/:address/values?count=N
// Values are read like a master would, without running behaviors.
func (s *Server) readRegisters(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	t, addr, ok := registerParams(c)
	if !ok {
		return
	}
	count := 1
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxValues {
			badRequest(c, "REGISTER", "count must be between 1 and 125", err)
			return
		}
		count = n
	}

	values, err := s.lm.Runtime().Read(simulator.Request{
		SlaveID: id,
		Type:    t,
		Address: addr,
		Count:   uint16(count),
		Origin:  events.OriginAPI,
	})
	if err != nil {
		s.fail(c, "REGISTER", err, gin.H{"slave_id": id, "register_type": t, "address": addr, "count": count})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"slave_id":      id,
		"register_type": t,
		"address":       addr,
		"values":        values,
	})
}

// PUT /api/v1/devices/:id/registers/:type/:address
// Body: {"value": n} or {"values": [n, ...]} for consecutive registers.
func (s *Server) writeRegisters(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	t, addr, ok := registerParams(c)
	if !ok {
		return
	}
	var req struct {
		Value  *uint16  `json:"value"`
		Values []uint16 `json:"values"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "REGISTER", "Invalid request body", err)
		return
	}
	values := req.Values
	if req.Value != nil {
		values = append([]uint16{*req.Value}, values...)
	}
	if len(values) == 0 || len(values) > maxValues {
		badRequest(c, "REGISTER", "Provide value or 1 to 125 values", nil)
		return
	}

	err := s.lm.Runtime().Write(simulator.Request{
		SlaveID: id,
		Type:    t,
		Address: addr,
		Values:  values,
		Origin:  events.OriginAPI,
	})
	if err != nil {
		s.fail(c, "REGISTER", err, gin.H{"slave_id": id, "register_type": t, "address": addr})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"slave_id":      id,
		"register_type": t,
		"address":       addr,
		"values":        values,
	})
}

// PUT /api/v1/devices/:id/registers/:type/:address/behavior
func (s *Server) setBehavior(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	t, addr, ok := registerParams(c)
	if !ok {
		return
	}
	var spec behavior.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "BEHAVIOR", "Invalid request body", err)
		return
	}

	if err := s.lm.Runtime().SetBehavior(id, t, addr, &spec); err != nil {
		s.fail(c, "BEHAVIOR", err, gin.H{"slave_id": id, "register_type": t, "address": addr})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"slave_id":      id,
		"register_type": t,
		"address":       addr,
		"behavior":      spec.String(),
	})
}

// POST /api/v1/devices/:id/registers/:type?replace=true
func (s *Server) defineRegister(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	t, _, ok := registerParams(c)
	if !ok {
		return
	}
	var def registers.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, "REGISTER", "Invalid request body", err)
		return
	}
	replace := c.Query("replace") == "true"

	if err := s.lm.Runtime().DefineRegister(id, t, def, replace); err != nil {
		s.fail(c, "REGISTER", err, gin.H{"slave_id": id, "register_type": t, "address": def.Address})
		return
	}
	view, err := s.lm.Runtime().Register(id, t, def.Address)
	if err != nil {
		s.fail(c, "REGISTER", err, gin.H{"slave_id": id, "register_type": t, "address": def.Address})
		return
	}
	c.JSON(http.StatusCreated, view)
}

// DELETE /api/v1/devices/:id/registers/:type/:address
func (s *Server) removeRegister(c *gin.Context) {
	id, ok := slaveIDParam(c, "id")
	if !ok {
		return
	}
	t, addr, ok := registerParams(c)
	if !ok {
		return
	}
	if err := s.lm.Runtime().RemoveRegister(id, t, addr); err != nil {
		s.fail(c, "REGISTER", err, gin.H{"slave_id": id, "register_type": t, "address": addr})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Register removed"})
}
