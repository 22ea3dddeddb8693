package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error kinds reported in details.kind.
const (
	KindNotFound   = "not_found"
	KindDuplicate  = "duplicate"
	KindOutOfRange = "out_of_range"
	KindValidation = "validation"
	KindBadInput   = "bad_input"
	KindConflict   = "conflict"
	KindInternal   = "internal"
)

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, simulator.ErrDeviceNotFound),
		errors.Is(err, registers.ErrNotFound),
		errors.Is(err, scenario.ErrNotFound),
		errors.Is(err, modbus.ErrListenerNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, simulator.ErrDuplicateID),
		errors.Is(err, registers.ErrDuplicateAddress),
		errors.Is(err, modbus.ErrListenerExists):
		return http.StatusConflict, KindDuplicate
	case errors.Is(err, modbus.ErrPortInUse),
		errors.Is(err, simulator.ErrNoFreeID):
		return http.StatusConflict, KindConflict
	case errors.Is(err, registers.ErrOutOfRange),
		errors.Is(err, simulator.ErrIllegalAddress):
		return http.StatusUnprocessableEntity, KindOutOfRange
	case errors.Is(err, scenario.ErrInvalid),
		errors.Is(err, scenario.ErrInvalidName),
		errors.Is(err, registers.ErrInvalidDefinition),
		errors.Is(err, behavior.ErrInvalid),
		errors.Is(err, devices.ErrInvalidSlaveID),
		errors.Is(err, modbus.ErrInvalidListener):
		return http.StatusUnprocessableEntity, KindValidation
	}
	return http.StatusInternalServerError, KindInternal
}

// fail writes err as an ErrorResponse. ids identify the addressed object
// and are copied into details.
func (s *Server) fail(c *gin.Context, area string, err error, ids gin.H) {
	status, kind := classify(err)
	details := gin.H{"kind": kind}
	for k, v := range ids {
		details[k] = v
	}
	var ve *scenario.ValidationError
	if errors.As(err, &ve) {
		details["problems"] = ve.Problems
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, types.NewErrorResponse(fmt.Sprintf("%s_%d", area, status), err.Error(), details))
}

func badRequest(c *gin.Context, area, message string, err error) {
	details := gin.H{"kind": KindBadInput}
	if err != nil {
		details["reason"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(area+"_400", message, details))
}

func slaveIDParam(c *gin.Context, name string) (uint8, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || !devices.ValidSlaveID(id) {
		badRequest(c, "DEVICE", "Invalid slave id", fmt.Errorf("%q is not in 1..247", c.Param(name)))
		return 0, false
	}
	return uint8(id), true
}

// registerParams parses :type and :address.
func registerParams(c *gin.Context) (types.RegisterType, uint16, bool) {
	t, err := types.ParseRegisterType(c.Param("type"))
	if err != nil {
		badRequest(c, "REGISTER", "Invalid register type", err)
		return "", 0, false
	}
	if c.Param("address") == "" {
		return t, 0, true
	}
	addr, err := strconv.ParseUint(c.Param("address"), 10, 16)
	if err != nil {
		badRequest(c, "REGISTER", "Invalid register address", err)
		return "", 0, false
	}
	return t, uint16(addr), true
}
