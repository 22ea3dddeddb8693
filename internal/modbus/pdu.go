package modbus

import "encoding/binary"

// Quantity limits per request.
const (
	maxReadBits      = 2000
	maxReadRegisters = 125
	maxWriteBits     = 1968
	maxWriteRegs     = 123

	coilOn  = 0xFF00
	coilOff = 0x0000
)

func exceptionPDU(function uint8, code uint8) []byte {
	return []byte{function | exceptionFlag, code}
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

func unpackBits(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out
}

// packBitValues packs 0/1 register values.
func packBitValues(values []uint16) []byte {
	bits := make([]bool, len(values))
	for i, v := range values {
		bits[i] = v != 0
	}
	return packBits(bits)
}

func bitValues(data []byte, n int) []uint16 {
	bits := unpackBits(data, n)
	out := make([]uint16, n)
	for i, b := range bits {
		if b {
			out[i] = 1
		}
	}
	return out
}

func encodeWords(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func decodeWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}
