package modbus

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

// Runtime is what transports need from the simulation runtime.
type Runtime interface {
	Read(req simulator.Request) ([]uint16, error)
	Write(req simulator.Request) error
	WriteBroadcast(req simulator.Request, listeners ...string) int
	Ping(id uint8, listener string) error
	Serves(id uint8, listener string) bool
	Settings() scenario.Settings
}

// Diagnostics sub-functions
const (
	diagReturnQueryData        = 0x0000
	diagClearCounters          = 0x000A
	diagBusMessageCount        = 0x000B
	diagBusCommErrorCount      = 0x000C
	diagBusExceptionErrorCount = 0x000D
	diagServerMessageCount     = 0x000E
	diagBusCharOverrunCount    = 0x0012
)

var diagCounters = map[uint16]Counter{
	diagBusMessageCount:        CntBusMessage,
	diagBusCommErrorCount:      CntCRCError,
	diagBusExceptionErrorCount: CntException,
	diagServerMessageCount:     CntServerMessage,
	diagBusCharOverrunCount:    CntOverrun,
}

// Response is the outcome of one request PDU. A nil PDU with Unavailable
// unset means no answer is due (broadcast).
type Response struct {
	PDU []byte
	// Unavailable is set when the unit is unknown or disabled. The
	// transport decides between silence and an exception.
	Unavailable bool
}

// Handler turns one request PDU into exactly one runtime call.
type Handler struct {
	runtime  Runtime
	listener string
	counters *Counters
	events   events.Publisher
}

func NewHandler(runtime Runtime, listener string, counters *Counters, publisher events.Publisher) *Handler {
	if publisher == nil {
		publisher = events.Discard
	}
	if counters == nil {
		counters = &Counters{}
	}
	return &Handler{
		runtime:  runtime,
		listener: listener,
		counters: counters,
		events:   publisher,
	}
}

func (h *Handler) Counters() *Counters { return h.counters }

func (h *Handler) Listener() string { return h.listener }

// Serves reports whether unit answers on this handler's listener.
func (h *Handler) Serves(unit uint8) bool {
	return h.runtime.Serves(unit, h.listener)
}

// request is a decoded read or write.
type request struct {
	function uint8
	regType  types.RegisterType
	address  uint16
	count    uint16
	values   []uint16
	write    bool
}

// Handle processes a PDU addressed to unit (1..247).
func (h *Handler) Handle(unit uint8, pdu []byte) Response {
	start := time.Now()
	if len(pdu) == 0 {
		return Response{Unavailable: true}
	}
	function := pdu[0]
	data := pdu[1:]

	e := events.New(events.TypeTransaction)
	e.SlaveID = unit
	e.FunctionCode = function
	e.Origin = events.OriginWire
	e.Listener = h.listener

	resp := h.handle(unit, function, data, &e)

	if resp.Unavailable {
		e.Error = "unit unavailable"
	} else {
		h.counters.Inc(CntServerMessage)
		if len(resp.PDU) == 2 && resp.PDU[0]&exceptionFlag != 0 {
			h.counters.Inc(CntException)
			e.Exception = types.ExceptionCode(resp.PDU[1])
		}
	}
	e.Duration = time.Since(start)
	h.events.Publish(e)
	return resp
}

func (h *Handler) handle(unit, function uint8, data []byte, e *events.Event) Response {
	if function == FuncCodeDiagnostics {
		return h.diagnostics(unit, data)
	}

	req, code := decodeRequest(function, data)
	if code != 0 {
		// Only units that can answer report malformed requests.
		if err := h.runtime.Ping(unit, h.listener); err != nil {
			return Response{Unavailable: true}
		}
		return Response{PDU: exceptionPDU(function, uint8(code))}
	}

	e.RegisterType = req.regType
	e.Address = req.address
	e.Count = req.count

	sreq := simulator.Request{
		SlaveID:  unit,
		Type:     req.regType,
		Address:  req.address,
		Count:    req.count,
		Values:   req.values,
		Origin:   events.OriginWire,
		Listener: h.listener,
	}

	if req.write {
		if err := h.runtime.Write(sreq); err != nil {
			return h.fail(function, err)
		}
		e.Values = req.values
		return Response{PDU: writeResponse(function, data)}
	}

	values, err := h.runtime.Read(sreq)
	if err != nil {
		return h.fail(function, err)
	}
	e.Values = values
	return Response{PDU: readResponse(function, req.regType, values)}
}

// Broadcast applies a write PDU to every enabled unit served by this
// listener or by one of also. Reads and diagnostics are ignored.
func (h *Handler) Broadcast(pdu []byte, also ...string) int {
	if len(pdu) == 0 {
		return 0
	}
	req, code := decodeRequest(pdu[0], pdu[1:])
	if code != 0 || !req.write {
		return 0
	}
	return h.runtime.WriteBroadcast(simulator.Request{
		Type:     req.regType,
		Address:  req.address,
		Count:    req.count,
		Values:   req.values,
		Origin:   events.OriginWire,
		Listener: h.listener,
	}, append([]string{h.listener}, also...)...)
}

func (h *Handler) fail(function uint8, err error) Response {
	if errors.Is(err, simulator.ErrDeviceNotFound) || errors.Is(err, simulator.ErrDeviceDisabled) {
		return Response{Unavailable: true}
	}
	return Response{PDU: exceptionPDU(function, uint8(ExceptionFor(err)))}
}

// ExceptionFor maps runtime errors to the exception reported on the wire.
func ExceptionFor(err error) types.ExceptionCode {
	var fault *behavior.Fault
	switch {
	case errors.As(err, &fault):
		return fault.Code
	case errors.Is(err, registers.ErrNotFound), errors.Is(err, simulator.ErrIllegalAddress):
		return types.ExceptionIllegalDataAddress
	case errors.Is(err, registers.ErrOutOfRange):
		return types.ExceptionIllegalDataValue
	default:
		return types.ExceptionServerDeviceFailure
	}
}

func (h *Handler) diagnostics(unit uint8, data []byte) Response {
	if err := h.runtime.Ping(unit, h.listener); err != nil {
		return Response{Unavailable: true}
	}
	if len(data) < 2 {
		return Response{PDU: exceptionPDU(FuncCodeDiagnostics, uint8(types.ExceptionIllegalDataValue))}
	}
	sub := binary.BigEndian.Uint16(data[0:2])
	echo := append([]byte{FuncCodeDiagnostics}, data...)

	switch sub {
	case diagReturnQueryData:
		return Response{PDU: echo}
	case diagClearCounters:
		if len(data) != 4 {
			return Response{PDU: exceptionPDU(FuncCodeDiagnostics, uint8(types.ExceptionIllegalDataValue))}
		}
		h.counters.Reset()
		return Response{PDU: echo}
	}

	cnt, ok := diagCounters[sub]
	if !ok {
		return Response{PDU: exceptionPDU(FuncCodeDiagnostics, uint8(types.ExceptionIllegalFunction))}
	}
	if len(data) != 4 || binary.BigEndian.Uint16(data[2:4]) != 0 {
		return Response{PDU: exceptionPDU(FuncCodeDiagnostics, uint8(types.ExceptionIllegalDataValue))}
	}
	out := make([]byte, 5)
	out[0] = FuncCodeDiagnostics
	binary.BigEndian.PutUint16(out[1:3], sub)
	binary.BigEndian.PutUint16(out[3:5], h.counters.Wire(cnt))
	return Response{PDU: out}
}

// decodeRequest validates a read or write PDU body. A non-zero code is
// the exception to return.
func decodeRequest(function uint8, data []byte) (request, types.ExceptionCode) {
	req := request{function: function}
	switch function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		req.regType = readType(function)
		limit := uint16(maxReadRegisters)
		if req.regType.IsBit() {
			limit = maxReadBits
		}
		if len(data) != 4 {
			return req, types.ExceptionIllegalDataValue
		}
		req.address = binary.BigEndian.Uint16(data[0:2])
		req.count = binary.BigEndian.Uint16(data[2:4])
		if req.count < 1 || req.count > limit {
			return req, types.ExceptionIllegalDataValue
		}

	case FuncCodeWriteSingleCoil:
		if len(data) != 4 {
			return req, types.ExceptionIllegalDataValue
		}
		req.regType = types.RegisterTypeCoil
		req.write = true
		req.address = binary.BigEndian.Uint16(data[0:2])
		req.count = 1
		switch binary.BigEndian.Uint16(data[2:4]) {
		case coilOn:
			req.values = []uint16{1}
		case coilOff:
			req.values = []uint16{0}
		default:
			return req, types.ExceptionIllegalDataValue
		}

	case FuncCodeWriteSingleRegister:
		if len(data) != 4 {
			return req, types.ExceptionIllegalDataValue
		}
		req.regType = types.RegisterTypeHoldingRegister
		req.write = true
		req.address = binary.BigEndian.Uint16(data[0:2])
		req.count = 1
		req.values = []uint16{binary.BigEndian.Uint16(data[2:4])}

	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		if len(data) < 5 {
			return req, types.ExceptionIllegalDataValue
		}
		req.write = true
		req.address = binary.BigEndian.Uint16(data[0:2])
		req.count = binary.BigEndian.Uint16(data[2:4])
		byteCount := int(data[4])
		payload := data[5:]

		if function == FuncCodeWriteMultipleCoils {
			req.regType = types.RegisterTypeCoil
			if req.count < 1 || req.count > maxWriteBits || byteCount != (int(req.count)+7)/8 || len(payload) != byteCount {
				return req, types.ExceptionIllegalDataValue
			}
			req.values = bitValues(payload, int(req.count))
		} else {
			req.regType = types.RegisterTypeHoldingRegister
			if req.count < 1 || req.count > maxWriteRegs || byteCount != 2*int(req.count) || len(payload) != byteCount {
				return req, types.ExceptionIllegalDataValue
			}
			req.values = decodeWords(payload)
		}

	default:
		return req, types.ExceptionIllegalFunction
	}

	if int(req.address)+int(req.count) > 1<<16 {
		return req, types.ExceptionIllegalDataAddress
	}
	return req, 0
}

func readType(function uint8) types.RegisterType {
	switch function {
	case FuncCodeReadCoils:
		return types.RegisterTypeCoil
	case FuncCodeReadDiscreteInputs:
		return types.RegisterTypeDiscreteInput
	case FuncCodeReadInputRegisters:
		return types.RegisterTypeInputRegister
	default:
		return types.RegisterTypeHoldingRegister
	}
}

func readResponse(function uint8, t types.RegisterType, values []uint16) []byte {
	var payload []byte
	if t.IsBit() {
		payload = packBitValues(values)
	} else {
		payload = encodeWords(values)
	}
	out := make([]byte, 0, 2+len(payload))
	out = append(out, function, byte(len(payload)))
	return append(out, payload...)
}

// writeResponse echoes address and value (single) or address and
// quantity (multiple).
func writeResponse(function uint8, data []byte) []byte {
	out := make([]byte, 5)
	out[0] = function
	copy(out[1:], data[:4])
	return out
}
