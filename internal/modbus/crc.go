package modbus

import "encoding/binary"

var crcTable = makeCRCTable(0xA001)

func makeCRCTable(poly uint16) [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes the Modbus RTU checksum.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return crc
}

// appendCRC appends the checksum little endian.
func appendCRC(adu []byte) []byte {
	return binary.LittleEndian.AppendUint16(adu, CRC16(adu))
}

func checkCRC(adu []byte) bool {
	if len(adu) < 4 {
		return false
	}
	n := len(adu) - 2
	return binary.LittleEndian.Uint16(adu[n:]) == CRC16(adu[:n])
}
