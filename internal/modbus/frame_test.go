package modbus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16_KnownFrames(t *testing.T) {
	assert.Equal(t, uint16(0xCDC5), CRC16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}))

	adu := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, adu)
	assert.True(t, checkCRC(adu))

	adu[3] ^= 0xFF
	assert.False(t, checkCRC(adu))
}

func TestFrame_EncodeDecode(t *testing.T) {
	f := ReadRequest(7, FuncCodeReadHoldingRegisters, 40001, 3)
	f.TransactionID = 0x1234

	raw := f.Encode()
	assert.Equal(t, []byte{0x12, 0x34, 0, 0, 0, 6, 7, 0x03, 0x9C, 0x41, 0, 3}, raw)

	back, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), back.UnitID)
	assert.Equal(t, []byte{0x03, 0x9C, 0x41, 0, 3}, back.PDU())
}

func TestReadFrame_RejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"protocol id", []byte{0, 1, 0, 1, 0, 6, 1, 3, 0, 0, 0, 1}},
		{"length too short", []byte{0, 1, 0, 0, 0, 1, 1}},
		{"length too long", []byte{0, 1, 0, 0, 0, 255, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.raw))
			assert.ErrorIs(t, err, ErrFraming)
		})
	}
}

func TestReadFrame_Stream(t *testing.T) {
	a := ReadRequest(1, FuncCodeReadCoils, 0, 8)
	a.TransactionID = 1
	b := WriteSingleRequest(2, FuncCodeWriteSingleRegister, 10, 99)
	b.TransactionID = 2
	r := bytes.NewReader(append(a.Encode(), b.Encode()...))

	first, err := ReadFrame(r)
	require.NoError(t, err)
	second, err := ReadFrame(r)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), first.TransactionID)
	assert.Equal(t, uint8(2), second.UnitID)
	assert.Equal(t, uint8(FuncCodeWriteSingleRegister), second.FunctionCode)
}

func TestFrame_Exception(t *testing.T) {
	f := &Frame{FunctionCode: 0x83, Data: []byte{0x02}}
	code, ok := f.Exception()
	assert.True(t, ok)
	assert.Equal(t, uint8(0x02), code)

	_, ok = (&Frame{FunctionCode: 0x03, Data: []byte{2, 0, 1}}).Exception()
	assert.False(t, ok)
}

func TestBitPacking(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, false, false, true}
	packed := packBits(bits)
	assert.Equal(t, []byte{0x0D, 0x01}, packed)
	assert.Equal(t, bits, unpackBits(packed, len(bits)))
	assert.Equal(t, []uint16{1, 0, 1, 1, 0, 0, 0, 0, 1}, bitValues(packed, len(bits)))
}

func TestRTURequestSize(t *testing.T) {
	tests := []struct {
		name  string
		adu   []byte
		size  int
		known bool
	}{
		{"empty", nil, 2, true},
		{"read", []byte{1, 0x03}, 8, true},
		{"diagnostics", []byte{1, 0x08}, 8, true},
		{"write multiple header", []byte{1, 0x10, 0, 0}, 7, true},
		{"write multiple", []byte{1, 0x10, 0, 0, 0, 2, 4}, 13, true},
		{"unknown function", []byte{1, 0x2B}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, known := rtuRequestSize(tt.adu)
			assert.Equal(t, tt.known, known)
			assert.Equal(t, tt.size, size)
		})
	}
}

func TestCounters_WireSaturates(t *testing.T) {
	var c Counters
	for i := 0; i < 3; i++ {
		c.Inc(CntBusMessage)
	}
	assert.Equal(t, uint16(3), c.Wire(CntBusMessage))

	c.ca[CntException].Store(70000)
	assert.Equal(t, uint16(0xFFFF), c.Wire(CntException))
	assert.Equal(t, uint64(70000), c.Snapshot()["exceptions"])

	c.Reset()
	assert.Zero(t, c.Get(CntBusMessage))
}
