// Package registers holds the per-device, per-type register stores.
package registers

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

var (
	ErrNotFound          = errors.New("register not found")
	ErrOutOfRange        = errors.New("value out of range")
	ErrDuplicateAddress  = errors.New("duplicate register address")
	ErrInvalidDefinition = errors.New("invalid register definition")
)

// Change records one stored value that differs from the previous one.
type Change struct {
	Address uint16
	Old     uint16
	New     uint16
}

// Map is the register store for one register type of one device.
// The RWMutex guards the address table only; values are guarded by the
// registers themselves.
type Map struct {
	typ types.RegisterType

	mu   sync.RWMutex
	regs map[uint16]*Register
}

func NewMap(t types.RegisterType) *Map {
	return &Map{
		typ:  t,
		regs: make(map[uint16]*Register),
	}
}

func (m *Map) Type() types.RegisterType { return m.typ }

// Check validates def for this map's type and returns the normalized
// definition (clamped default when Clamp is set).
func (m *Map) Check(def Definition) (Definition, error) {
	if def.Min != nil && def.Max != nil && *def.Min > *def.Max {
		return def, fmt.Errorf("%w: %s %d min %d > max %d", ErrInvalidDefinition, m.typ, def.Address, *def.Min, *def.Max)
	}
	if m.typ.IsBit() {
		if (def.Min != nil && *def.Min > 1) || (def.Max != nil && *def.Max > 1) {
			return def, fmt.Errorf("%w: %s %d bounds must be 0 or 1", ErrInvalidDefinition, m.typ, def.Address)
		}
		if def.Value > 1 && !def.Clamp {
			return def, fmt.Errorf("%w: %s %d value must be 0 or 1", ErrInvalidDefinition, m.typ, def.Address)
		}
	}
	if err := behavior.Validate(def.Behavior); err != nil {
		return def, fmt.Errorf("%s %d: %w", m.typ, def.Address, err)
	}

	def = def.Clone()
	reg := &Register{typ: m.typ, def: def}
	v, ok := reg.admit(def.Value)
	if !ok {
		lo, hi := def.Bounds(m.typ)
		return def, fmt.Errorf("%w: %s %d default %d outside [%d, %d]", ErrOutOfRange, m.typ, def.Address, def.Value, lo, hi)
	}
	def.Value = v
	return def, nil
}

// Define adds a register. The address must be free.
func (m *Map) Define(def Definition) error {
	def, err := m.Check(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.regs[def.Address]; exists {
		return fmt.Errorf("%w: %s %d", ErrDuplicateAddress, m.typ, def.Address)
	}
	m.regs[def.Address] = newRegister(m.typ, def)
	return nil
}

// Put adds or replaces a register definition.
func (m *Map) Put(def Definition) error {
	def, err := m.Check(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[def.Address] = newRegister(m.typ, def)
	return nil
}

func (m *Map) Remove(address uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[address]; !ok {
		return fmt.Errorf("%w: %s %d", ErrNotFound, m.typ, address)
	}
	delete(m.regs, address)
	return nil
}

func (m *Map) Lookup(address uint16) (*Register, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regs[address]
	return r, ok
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs)
}

// List returns definition snapshots ordered by address.
func (m *Map) List() []Definition {
	regs := m.sorted()
	defs := make([]Definition, len(regs))
	for i, r := range regs {
		defs[i] = r.Definition()
	}
	return defs
}

// Registers returns the live registers ordered by address.
func (m *Map) Registers() []*Register {
	return m.sorted()
}

func (m *Map) sorted() []*Register {
	m.mu.RLock()
	regs := make([]*Register, 0, len(m.regs))
	for _, r := range m.regs {
		regs = append(regs, r)
	}
	m.mu.RUnlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].def.Address < regs[j].def.Address })
	return regs
}

// Clone deep copies every definition with fresh counters and behavior state.
func (m *Map) Clone() *Map {
	c := NewMap(m.typ)
	for _, def := range m.List() {
		c.regs[def.Address] = newRegister(m.typ, def)
	}
	return c
}

// Reset zeroes access counters and re-arms behaviors.
func (m *Map) Reset() {
	for _, r := range m.sorted() {
		r.mu.Lock()
		r.accesses = 0
		r.state = behavior.NewState(r.def.Behavior)
		r.mu.Unlock()
	}
}

func (m *Map) SetBehavior(address uint16, spec *behavior.Spec) error {
	if err := behavior.Validate(spec); err != nil {
		return err
	}
	r, ok := m.Lookup(address)
	if !ok {
		return fmt.Errorf("%w: %s %d", ErrNotFound, m.typ, address)
	}
	r.SetBehavior(spec)
	return nil
}

// Read returns the value at address without evaluating behaviors.
func (m *Map) Read(address uint16) (uint16, error) {
	values, err := m.ReadRange(address, 1, false)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// Write stores value at address without evaluating behaviors.
func (m *Map) Write(address, value uint16) error {
	_, err := m.WriteRange(address, []uint16{value}, false)
	return err
}

// collect resolves count consecutive registers starting at start.
func (m *Map) collect(start uint16, count int) ([]*Register, error) {
	if count < 1 || int(start)+count > 1<<16 {
		return nil, fmt.Errorf("%w: %s range %d+%d", ErrNotFound, m.typ, start, count)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	regs := make([]*Register, count)
	for i := range regs {
		addr := start + uint16(i)
		r, ok := m.regs[addr]
		if !ok {
			return nil, fmt.Errorf("%w: %s %d", ErrNotFound, m.typ, addr)
		}
		regs[i] = r
	}
	return regs, nil
}

// lockAll locks regs in ascending address order. collect already returns
// them in that order.
func lockAll(regs []*Register) func() {
	for _, r := range regs {
		r.mu.Lock()
	}
	return func() {
		for i := len(regs) - 1; i >= 0; i-- {
			regs[i].mu.Unlock()
		}
	}
}

// ReadRange reads count consecutive registers. Every register counts the
// access. When evaluate is set, behaviors run for every register and the
// first fault is returned; ramp rules advance only if the whole read
// succeeds.
func (m *Map) ReadRange(start uint16, count int, evaluate bool) ([]uint16, error) {
	regs, err := m.collect(start, count)
	if err != nil {
		return nil, err
	}
	unlock := lockAll(regs)
	defer unlock()

	var fault error
	values := make([]uint16, len(regs))
	for i, r := range regs {
		r.count()
		values[i] = r.def.Value
		if !evaluate {
			continue
		}
		if err := behavior.Evaluate(r.def.Behavior, &r.state, behavior.AccessRead).Err(); err != nil && fault == nil {
			fault = err
		}
	}
	if fault != nil {
		return nil, fault
	}
	if evaluate {
		for _, r := range regs {
			lo, hi := r.def.Bounds(r.typ)
			r.def.Value = behavior.Advance(r.def.Behavior, r.def.Value, lo, hi)
		}
	}
	return values, nil
}

// WriteRange stores values into consecutive registers, all or nothing.
// Bounds are checked for every register first. Then behaviors run for
// every register when evaluate is set, advancing counters even if one of
// them faults. Values are stored only when all of them proceed.
func (m *Map) WriteRange(start uint16, values []uint16, evaluate bool) ([]Change, error) {
	regs, err := m.collect(start, len(values))
	if err != nil {
		return nil, err
	}
	unlock := lockAll(regs)
	defer unlock()

	admitted := make([]uint16, len(values))
	for i, r := range regs {
		v, ok := r.admit(values[i])
		if !ok {
			lo, hi := r.def.Bounds(r.typ)
			return nil, fmt.Errorf("%w: %s %d value %d outside [%d, %d]", ErrOutOfRange, m.typ, r.def.Address, values[i], lo, hi)
		}
		admitted[i] = v
	}

	var fault error
	for _, r := range regs {
		r.count()
		if !evaluate {
			continue
		}
		if err := behavior.Evaluate(r.def.Behavior, &r.state, behavior.AccessWrite).Err(); err != nil && fault == nil {
			fault = err
		}
	}
	if fault != nil {
		return nil, fault
	}

	var changes []Change
	for i, r := range regs {
		if r.def.Value != admitted[i] {
			changes = append(changes, Change{Address: r.def.Address, Old: r.def.Value, New: admitted[i]})
		}
		r.def.Value = admitted[i]
	}
	return changes, nil
}
