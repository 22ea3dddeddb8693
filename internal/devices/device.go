// Package devices models a simulated Modbus slave: four register maps
// plus identity, enable flag, activity and listener bindings.
package devices

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

const (
	MinSlaveID = 1
	MaxSlaveID = 247
)

var ErrInvalidSlaveID = errors.New("invalid slave id")

// ValidSlaveID reports whether id may be assigned to a device.
func ValidSlaveID(id int) bool {
	return id >= MinSlaveID && id <= MaxSlaveID
}

type Device struct {
	id   uint8
	maps map[types.RegisterType]*registers.Map

	mu          sync.RWMutex
	name        string
	description string
	bindings    []string

	enabled      atomic.Bool
	lastActivity atomic.Int64
	stats        *Stats
}

// New builds a device from def. Every register definition is checked
// before the device is returned.
func New(def Definition) (*Device, error) {
	if !ValidSlaveID(int(def.SlaveID)) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlaveID, def.SlaveID)
	}
	d := &Device{
		id:          def.SlaveID,
		maps:        make(map[types.RegisterType]*registers.Map, len(types.RegisterTypes)),
		name:        def.Name,
		description: def.Description,
		bindings:    append([]string(nil), def.Bindings...),
		stats:       newStats(),
	}
	d.enabled.Store(def.IsEnabled())
	for _, t := range types.RegisterTypes {
		m := registers.NewMap(t)
		for _, rd := range def.Registers.Of(t) {
			if err := m.Define(rd); err != nil {
				return nil, fmt.Errorf("device %d: %w", def.SlaveID, err)
			}
		}
		d.maps[t] = m
	}
	return d, nil
}

func (d *Device) ID() uint8 { return d.id }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) Description() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.description
}

// DisplayName falls back to "Device <id>" for unnamed devices.
func (d *Device) DisplayName() string {
	if name := d.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("Device %d", d.id)
}

func (d *Device) Rename(name, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	d.description = description
}

func (d *Device) RegisterMap(t types.RegisterType) *registers.Map {
	return d.maps[t]
}

func (d *Device) Enabled() bool { return d.enabled.Load() }

func (d *Device) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

func (d *Device) Touch() {
	d.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the zero time if the device has never been accessed.
func (d *Device) LastActivity() time.Time {
	ns := d.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (d *Device) Bindings() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.bindings)
}

func (d *Device) SetBindings(bindings []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings = slices.Clone(bindings)
}

// Serves reports whether listener may reach this device. A device without
// bindings is served by every listener.
func (d *Device) Serves(listener string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bindings) == 0 || listener == "" || slices.Contains(d.bindings, listener)
}

func (d *Device) Stats() *Stats { return d.stats }

// ResetCounters zeroes the device and register access counters and
// re-arms every behavior. Register values are kept.
func (d *Device) ResetCounters() {
	d.stats.Reset()
	for _, t := range types.RegisterTypes {
		if m := d.maps[t]; m != nil {
			m.Reset()
		}
	}
}

// Definition snapshots the device including current register values.
func (d *Device) Definition() Definition {
	d.mu.RLock()
	def := Definition{
		SlaveID:     d.id,
		Name:        d.name,
		Description: d.description,
		Bindings:    slices.Clone(d.bindings),
	}
	d.mu.RUnlock()
	if !d.Enabled() {
		disabled := false
		def.Enabled = &disabled
	}
	for _, t := range types.RegisterTypes {
		if defs := d.maps[t].List(); len(defs) > 0 {
			def.Registers.Set(t, defs)
		}
	}
	return def
}

// Clone copies definitions and behaviors into a new device with id
// newID. Activity, counters, behavior state and stats start fresh.
func (d *Device) Clone(newID uint8) (*Device, error) {
	if !ValidSlaveID(int(newID)) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlaveID, newID)
	}
	d.mu.RLock()
	c := &Device{
		id:          newID,
		maps:        make(map[types.RegisterType]*registers.Map, len(d.maps)),
		name:        d.name,
		description: d.description,
		bindings:    slices.Clone(d.bindings),
		stats:       newStats(),
	}
	d.mu.RUnlock()
	c.enabled.Store(d.Enabled())
	for t, m := range d.maps {
		c.maps[t] = m.Clone()
	}
	return c, nil
}
