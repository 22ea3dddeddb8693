package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/gin-gonic/gin"
)

const yamlContentType = "application/yaml"

// maxScenarioBody bounds uploaded scenario documents.
const maxScenarioBody = 8 << 20

func (s *Server) writeScenario(c *gin.Context, status int, scn *scenario.Scenario) {
	if c.Query("format") == "json" {
		c.JSON(status, scn)
		return
	}
	data, err := scenario.Marshal(scn)
	if err != nil {
		s.fail(c, "SCENARIO", err, nil)
		return
	}
	c.Data(status, yamlContentType, data)
}

// readScenario parses a YAML (or JSON) document from the request body.
func readScenario(c *gin.Context) (*scenario.Scenario, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxScenarioBody))
	if err != nil {
		return nil, err
	}
	return scenario.Parse(data)
}

func applyMode(c *gin.Context) (simulator.Mode, bool) {
	mode, err := simulator.ParseMode(c.Query("mode"))
	if err != nil {
		badRequest(c, "SCENARIO", "Invalid apply mode", err)
		return "", false
	}
	return mode, true
}

// GET /api/v1/scenario
func (s *Server) exportScenario(c *gin.Context) {
	s.writeScenario(c, http.StatusOK, s.lm.Runtime().ExportScenario())
}

// POST /api/v1/scenario/validate
func (s *Server) validateScenario(c *gin.Context) {
	scn, err := readScenario(c)
	if err != nil {
		var ve *scenario.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusOK, gin.H{"valid": false, "problems": ve.Problems})
			return
		}
		badRequest(c, "SCENARIO", "Unreadable scenario", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"name":    scn.Name,
		"devices": len(scn.Devices),
	})
}

// POST /api/v1/scenario/apply?mode=replace|merge
func (s *Server) applyScenario(c *gin.Context) {
	mode, ok := applyMode(c)
	if !ok {
		return
	}
	scn, err := readScenario(c)
	if err != nil {
		s.fail(c, "SCENARIO", err, nil)
		return
	}
	if err := s.lm.Runtime().ApplyScenario(scn, mode); err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": scn.Name})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    scn.Name,
		"mode":    mode,
		"devices": s.lm.Runtime().DeviceCount(),
	})
}

func (s *Server) library(c *gin.Context) (scenario.Store, bool) {
	store := s.lm.Scenarios()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("SCENARIO_503", "No scenario library configured", nil))
		return nil, false
	}
	return store, true
}

// GET /api/v1/scenarios
func (s *Server) listScenarios(c *gin.Context) {
	store, ok := s.library(c)
	if !ok {
		return
	}
	list, err := store.List(c.Request.Context())
	if err != nil {
		s.fail(c, "SCENARIO", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scenarios": list,
		"count":     len(list),
	})
}

// GET /api/v1/scenarios/:name
func (s *Server) getScenario(c *gin.Context) {
	store, ok := s.library(c)
	if !ok {
		return
	}
	name := c.Param("name")
	scn, err := store.Get(c.Request.Context(), name)
	if err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": name})
		return
	}
	s.writeScenario(c, http.StatusOK, scn)
}

// PUT /api/v1/scenarios/:name
// The path name wins over the name inside the document.
func (s *Server) putScenario(c *gin.Context) {
	store, ok := s.library(c)
	if !ok {
		return
	}
	name := c.Param("name")
	scn, err := readScenario(c)
	if err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": name})
		return
	}
	scn.Name = name
	if err := store.Put(c.Request.Context(), scn); err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "message": "Scenario stored"})
}

// POST /api/v1/scenarios/:name/save
// Stores the running configuration under name.
func (s *Server) saveScenario(c *gin.Context) {
	store, ok := s.library(c)
	if !ok {
		return
	}
	name := c.Param("name")
	scn := s.lm.Runtime().ExportScenario()
	scn.Name = name
	if err := store.Put(c.Request.Context(), scn); err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "devices": len(scn.Devices), "message": "Scenario saved"})
}

// DELETE /api/v1/scenarios/:name
func (s *Server) deleteScenario(c *gin.Context) {
	store, ok := s.library(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := store.Delete(c.Request.Context(), name); err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Scenario deleted"})
}

// POST /api/v1/scenarios/:name/load?mode=replace|merge
func (s *Server) loadScenario(c *gin.Context) {
	store, ok := s.library(c)
	if !ok {
		return
	}
	mode, ok := applyMode(c)
	if !ok {
		return
	}
	name := c.Param("name")
	scn, err := store.Get(c.Request.Context(), name)
	if err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": name})
		return
	}
	if err := s.lm.Runtime().ApplyScenario(scn, mode); err != nil {
		s.fail(c, "SCENARIO", err, gin.H{"name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    name,
		"mode":    mode,
		"devices": s.lm.Runtime().DeviceCount(),
	})
}
