package registers

import (
	"math"
	"sync"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

// Definition describes one register as it appears in scenario files and
// API payloads. Value is the default on load and the current value on
// export.
type Definition struct {
	Address  uint16         `yaml:"address" json:"address"`
	Value    uint16         `yaml:"value" json:"value"`
	Label    string         `yaml:"label,omitempty" json:"label,omitempty"`
	Min      *uint16        `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *uint16        `yaml:"max,omitempty" json:"max,omitempty"`
	Scale    float64        `yaml:"scale,omitempty" json:"scale,omitempty"`
	Clamp    bool           `yaml:"clamp,omitempty" json:"clamp,omitempty"`
	Behavior *behavior.Spec `yaml:"behavior,omitempty" json:"behavior,omitempty"`
}

func (d Definition) Clone() Definition {
	c := d
	if d.Min != nil {
		v := *d.Min
		c.Min = &v
	}
	if d.Max != nil {
		v := *d.Max
		c.Max = &v
	}
	c.Behavior = d.Behavior.Clone()
	return c
}

// Bounds returns the effective inclusive range for a register of type t.
func (d Definition) Bounds(t types.RegisterType) (lo, hi uint16) {
	hi = math.MaxUint16
	if t.IsBit() {
		hi = 1
	}
	if d.Min != nil {
		lo = *d.Min
	}
	if d.Max != nil && *d.Max < hi {
		hi = *d.Max
	}
	return lo, hi
}

// Register is a single addressable scalar. Its mutex covers the value, the
// access counter and the behavior state so that one access is one
// critical section.
type Register struct {
	typ types.RegisterType

	mu       sync.Mutex
	def      Definition
	accesses uint64
	state    behavior.State
}

func newRegister(t types.RegisterType, def Definition) *Register {
	if def.Behavior.IsNormal() {
		def.Behavior = nil
	}
	return &Register{
		typ:   t,
		def:   def,
		state: behavior.NewState(def.Behavior),
	}
}

func (r *Register) Address() uint16 { return r.def.Address }

func (r *Register) Type() types.RegisterType { return r.typ }

// Definition returns a snapshot including the current value.
func (r *Register) Definition() Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def.Clone()
}

func (r *Register) Value() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def.Value
}

// Scaled returns the engineering value. A zero scale means 1.
func (r *Register) Scaled() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	scale := r.def.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(r.def.Value) * scale
}

// Accesses returns how many accesses the register has seen.
func (r *Register) Accesses() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accesses
}

func (r *Register) BehaviorState() behavior.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetBehavior replaces the rule and resets its state.
func (r *Register) SetBehavior(spec *behavior.Spec) {
	if spec.IsNormal() {
		spec = nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def.Behavior = spec.Clone()
	r.state = behavior.NewState(spec)
}

// count must be called with r.mu held. The counter saturates.
func (r *Register) count() {
	if r.accesses < math.MaxUint64 {
		r.accesses++
	}
}

// admit checks v against the bounds and returns the value to store.
// Must be called with r.mu held.
func (r *Register) admit(v uint16) (uint16, bool) {
	lo, hi := r.def.Bounds(r.typ)
	if v >= lo && v <= hi {
		return v, true
	}
	if !r.def.Clamp {
		return v, false
	}
	if v < lo {
		return lo, true
	}
	return hi, true
}
