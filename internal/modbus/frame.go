package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MBAP header (7 bytes) + function code + data
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // unit id + function code + data
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

// Function codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeDiagnostics            = 0x08
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionFlag = 0x80
)

const (
	mbapHeaderSize = 7
	minMBAPLength  = 2
	maxMBAPLength  = 254
	maxTCPFrame    = mbapHeaderSize + maxMBAPLength - 1
)

// ErrFraming reports a frame that cannot be decoded. It is never turned
// into a Modbus exception.
var ErrFraming = errors.New("modbus framing error")

// Encode builds the complete TCP frame.
func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2)

	frame := make([]byte, mbapHeaderSize+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)
	return frame
}

// PDU returns function code + data.
func (f *Frame) PDU() []byte {
	return append([]byte{f.FunctionCode}, f.Data...)
}

// DecodeFrame parses one complete frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("%w: frame too short: %d bytes", ErrFraming, len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}
	if err := frame.checkHeader(); err != nil {
		return nil, err
	}
	if int(frame.Length) != len(data)-mbapHeaderSize+1 {
		return nil, fmt.Errorf("%w: length field %d does not match %d bytes", ErrFraming, frame.Length, len(data))
	}
	if len(data) > 8 {
		frame.Data = data[8:]
	}
	return frame, nil
}

func (f *Frame) checkHeader() error {
	if f.ProtocolID != 0x0000 {
		return fmt.Errorf("%w: invalid protocol ID: 0x%04X", ErrFraming, f.ProtocolID)
	}
	if f.Length < minMBAPLength || f.Length > maxMBAPLength {
		return fmt.Errorf("%w: invalid length: %d", ErrFraming, f.Length)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. Header violations are
// reported as ErrFraming; I/O errors are returned as is.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [mbapHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(header[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(header[2:4]),
		Length:        binary.BigEndian.Uint16(header[4:6]),
		UnitID:        header[6],
	}
	if err := frame.checkHeader(); err != nil {
		return nil, err
	}

	body := make([]byte, frame.Length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	frame.FunctionCode = body[0]
	frame.Data = body[1:]
	return frame, nil
}

// Exception returns the exception code if f is an exception response.
func (f *Frame) Exception() (uint8, bool) {
	if f.FunctionCode&exceptionFlag == 0 || len(f.Data) < 1 {
		return 0, false
	}
	return f.Data[0], true
}

func newRequest(unitID, function uint8, data []byte) *Frame {
	return &Frame{UnitID: unitID, FunctionCode: function, Data: data}
}

// ReadRequest builds FC 1, 2, 3 or 4.
func ReadRequest(unitID, function uint8, startAddr, quantity uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return newRequest(unitID, function, data)
}

// WriteSingleRequest builds FC 5 or 6.
func WriteSingleRequest(unitID, function uint8, addr, value uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)
	return newRequest(unitID, function, data)
}

// WriteMultipleRegistersRequest builds FC 16.
func WriteMultipleRegistersRequest(unitID uint8, startAddr uint16, values []uint16) *Frame {
	data := make([]byte, 5, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	data = append(data, encodeWords(values)...)
	return newRequest(unitID, FuncCodeWriteMultipleRegisters, data)
}

// WriteMultipleCoilsRequest builds FC 15.
func WriteMultipleCoilsRequest(unitID uint8, startAddr uint16, bits []bool) *Frame {
	packed := packBits(bits)
	data := make([]byte, 5, 5+len(packed))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(bits)))
	data[4] = byte(len(packed))
	data = append(data, packed...)
	return newRequest(unitID, FuncCodeWriteMultipleCoils, data)
}

// DiagnosticsRequest builds FC 8.
func DiagnosticsRequest(unitID uint8, subFunction, value uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], subFunction)
	binary.BigEndian.PutUint16(data[2:4], value)
	return newRequest(unitID, FuncCodeDiagnostics, data)
}

// ParseRegisterResponse parses a holding or input register response.
func (f *Frame) ParseRegisterResponse() ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}
	byteCount := int(f.Data[0])
	if len(f.Data) < byteCount+1 || byteCount%2 != 0 {
		return nil, fmt.Errorf("incomplete response data")
	}
	return decodeWords(f.Data[1 : 1+byteCount]), nil
}

// ParseBitResponse parses a coil or discrete input response.
func (f *Frame) ParseBitResponse(quantity uint16) ([]bool, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}
	byteCount := int(f.Data[0])
	if len(f.Data) < byteCount+1 || byteCount < (int(quantity)+7)/8 {
		return nil, fmt.Errorf("incomplete response data")
	}
	return unpackBits(f.Data[1:1+byteCount], int(quantity)), nil
}
