package types

import (
	"fmt"
	"strings"
)

type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

// RegisterTypes lists every register type in the order used for
// iteration and serialization.
var RegisterTypes = []RegisterType{
	RegisterTypeCoil,
	RegisterTypeDiscreteInput,
	RegisterTypeInputRegister,
	RegisterTypeHoldingRegister,
}

func (t RegisterType) Valid() bool {
	switch t {
	case RegisterTypeCoil, RegisterTypeDiscreteInput, RegisterTypeInputRegister, RegisterTypeHoldingRegister:
		return true
	}
	return false
}

// IsBit reports whether values of this type are single bits.
func (t RegisterType) IsBit() bool {
	return t == RegisterTypeCoil || t == RegisterTypeDiscreteInput
}

// Writable reports whether a Modbus master can write this type over the wire.
func (t RegisterType) Writable() bool {
	return t == RegisterTypeCoil || t == RegisterTypeHoldingRegister
}

// Plural is the key used for this type in scenario files.
func (t RegisterType) Plural() string {
	return string(t) + "s"
}

// ParseRegisterType accepts singular, plural and short forms
// (co, di, ir, hr).
func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils", "co":
		return RegisterTypeCoil, nil
	case "discrete_input", "discrete_inputs", "di":
		return RegisterTypeDiscreteInput, nil
	case "input_register", "input_registers", "ir":
		return RegisterTypeInputRegister, nil
	case "holding_register", "holding_registers", "hr":
		return RegisterTypeHoldingRegister, nil
	}
	return "", fmt.Errorf("unknown register type: %q", s)
}
