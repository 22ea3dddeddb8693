package devices

import (
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

// Definition is the serializable projection of a device.
type Definition struct {
	SlaveID     uint8     `yaml:"-" json:"slave_id"`
	Name        string    `yaml:"name,omitempty" json:"name,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     *bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Bindings    []string  `yaml:"bindings,omitempty" json:"bindings,omitempty"`
	Registers   Registers `yaml:"registers,omitempty" json:"registers,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Registers groups register definitions by type. Field order is the
// serialization order.
type Registers struct {
	Coils            []registers.Definition `yaml:"coils,omitempty" json:"coils,omitempty"`
	DiscreteInputs   []registers.Definition `yaml:"discrete_inputs,omitempty" json:"discrete_inputs,omitempty"`
	InputRegisters   []registers.Definition `yaml:"input_registers,omitempty" json:"input_registers,omitempty"`
	HoldingRegisters []registers.Definition `yaml:"holding_registers,omitempty" json:"holding_registers,omitempty"`
}

func (r *Registers) Of(t types.RegisterType) []registers.Definition {
	switch t {
	case types.RegisterTypeCoil:
		return r.Coils
	case types.RegisterTypeDiscreteInput:
		return r.DiscreteInputs
	case types.RegisterTypeInputRegister:
		return r.InputRegisters
	case types.RegisterTypeHoldingRegister:
		return r.HoldingRegisters
	}
	return nil
}

func (r *Registers) Set(t types.RegisterType, defs []registers.Definition) {
	switch t {
	case types.RegisterTypeCoil:
		r.Coils = defs
	case types.RegisterTypeDiscreteInput:
		r.DiscreteInputs = defs
	case types.RegisterTypeInputRegister:
		r.InputRegisters = defs
	case types.RegisterTypeHoldingRegister:
		r.HoldingRegisters = defs
	}
}

func (r *Registers) Len() int {
	return len(r.Coils) + len(r.DiscreteInputs) + len(r.InputRegisters) + len(r.HoldingRegisters)
}

func (d Definition) Clone() Definition {
	c := d
	if d.Enabled != nil {
		v := *d.Enabled
		c.Enabled = &v
	}
	c.Bindings = append([]string(nil), d.Bindings...)
	c.Registers = Registers{}
	for _, t := range types.RegisterTypes {
		src := d.Registers.Of(t)
		if src == nil {
			continue
		}
		defs := make([]registers.Definition, len(src))
		for i, def := range src {
			defs[i] = def.Clone()
		}
		c.Registers.Set(t, defs)
	}
	return c
}
