package types

import "fmt"

// ExceptionCode is a Modbus exception code as carried in the second byte
// of an exception response.
type ExceptionCode uint8

const (
	ExceptionIllegalFunction            ExceptionCode = 0x01
	ExceptionIllegalDataAddress         ExceptionCode = 0x02
	ExceptionIllegalDataValue           ExceptionCode = 0x03
	ExceptionServerDeviceFailure        ExceptionCode = 0x04
	ExceptionAcknowledge                ExceptionCode = 0x05
	ExceptionServerDeviceBusy           ExceptionCode = 0x06
	ExceptionMemoryParityError          ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable     ExceptionCode = 0x0A
	ExceptionGatewayTargetFailedRespond ExceptionCode = 0x0B
)

func (c ExceptionCode) Valid() bool {
	switch c {
	case ExceptionIllegalFunction, ExceptionIllegalDataAddress, ExceptionIllegalDataValue,
		ExceptionServerDeviceFailure, ExceptionAcknowledge, ExceptionServerDeviceBusy,
		ExceptionMemoryParityError, ExceptionGatewayPathUnavailable, ExceptionGatewayTargetFailedRespond:
		return true
	}
	return false
}

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetFailedRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("exception 0x%02X", uint8(c))
	}
}
