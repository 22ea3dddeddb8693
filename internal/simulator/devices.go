package simulator

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"go.uber.org/zap"
)

// Summary is the list view of a device.
type Summary struct {
	SlaveID      uint8                     `json:"slave_id"`
	Name         string                    `json:"name"`
	Description  string                    `json:"description,omitempty"`
	Enabled      bool                      `json:"enabled"`
	LastActivity *time.Time                `json:"last_activity,omitempty"`
	Bindings     []string                  `json:"bindings,omitempty"`
	Registers    map[types.RegisterType]int `json:"registers"`
}

// RegisterView is a live register with its runtime metadata.
type RegisterView struct {
	registers.Definition
	Type                 types.RegisterType `json:"type"`
	Scaled               float64            `json:"scaled"`
	Accesses             uint64             `json:"accesses"`
	State                behavior.State     `json:"state"`
}

type Detail struct {
	Summary
	Stats     map[types.RegisterType]devices.Counts `json:"stats"`
	Registers []RegisterView                        `json:"registers"`
}

func summarize(dev *devices.Device) Summary {
	s := Summary{
		SlaveID:     dev.ID(),
		Name:        dev.DisplayName(),
		Description: dev.Description(),
		Enabled:     dev.Enabled(),
		Bindings:    dev.Bindings(),
		Registers:   make(map[types.RegisterType]int, len(types.RegisterTypes)),
	}
	if last := dev.LastActivity(); !last.IsZero() {
		s.LastActivity = &last
	}
	for _, t := range types.RegisterTypes {
		s.Registers[t] = dev.RegisterMap(t).Len()
	}
	return s
}

// ListDevices returns summaries ordered by slave id.
func (r *Runtime) ListDevices() []Summary {
	var out []Summary
	for _, id := range r.ids() {
		r.mu.RLock()
		dev, ok := r.devices[id]
		r.mu.RUnlock()
		if ok {
			out = append(out, summarize(dev))
		}
	}
	return out
}

// Device returns the detailed view of one device.
func (r *Runtime) Device(id uint8) (Detail, error) {
	dev, err := r.device(id)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{
		Summary: summarize(dev),
		Stats:   dev.Stats().Snapshot(),
	}
	for _, t := range types.RegisterTypes {
		for _, reg := range dev.RegisterMap(t).Registers() {
			d.Registers = append(d.Registers, RegisterView{
				Definition: reg.Definition(),
				Type:       t,
				Scaled:     reg.Scaled(),
				Accesses:   reg.Accesses(),
				State:      reg.BehaviorState(),
			})
		}
	}
	return d, nil
}

// Register returns the live view of one register.
func (r *Runtime) Register(id uint8, t types.RegisterType, address uint16) (RegisterView, error) {
	dev, err := r.device(id)
	if err != nil {
		return RegisterView{}, err
	}
	m := dev.RegisterMap(t)
	if m == nil {
		return RegisterView{}, fmt.Errorf("%w: unknown register type %q", ErrIllegalAddress, t)
	}
	reg, ok := m.Lookup(address)
	if !ok {
		return RegisterView{}, fmt.Errorf("%w: %s %d", registers.ErrNotFound, t, address)
	}
	return RegisterView{
		Definition: reg.Definition(),
		Type:       t,
		Scaled:     reg.Scaled(),
		Accesses:   reg.Accesses(),
		State:      reg.BehaviorState(),
	}, nil
}

// freeID must be called with r.mu held.
func (r *Runtime) freeID() (uint8, error) {
	for id := devices.MinSlaveID; id <= devices.MaxSlaveID; id++ {
		if _, taken := r.devices[uint8(id)]; !taken {
			return uint8(id), nil
		}
	}
	return 0, ErrNoFreeID
}

// AddDevice creates a device from def. A zero SlaveID picks the lowest
// free id.
func (r *Runtime) AddDevice(def devices.Definition) (uint8, error) {
	r.mu.Lock()
	if def.SlaveID == 0 {
		id, err := r.freeID()
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
		def.SlaveID = id
	}
	if _, exists := r.devices[def.SlaveID]; exists {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrDuplicateID, def.SlaveID)
	}
	dev, err := devices.New(def)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.devices[def.SlaveID] = dev
	r.mu.Unlock()

	r.logger.Info("Device added",
		zap.Uint8("slave_id", dev.ID()),
		zap.String("name", dev.DisplayName()))
	r.publishDevice(events.TypeDeviceAdded, dev.ID(), events.OriginAPI, dev.DisplayName())
	return dev.ID(), nil
}

func (r *Runtime) RemoveDevice(id uint8) error {
	r.mu.Lock()
	if _, ok := r.devices[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	delete(r.devices, id)
	r.mu.Unlock()

	r.logger.Info("Device removed", zap.Uint8("slave_id", id))
	r.publishDevice(events.TypeDeviceRemoved, id, events.OriginAPI, "")
	return nil
}

// CloneDevice copies src to dst. A zero dst picks the lowest free id.
func (r *Runtime) CloneDevice(src, dst uint8) (uint8, error) {
	r.mu.Lock()
	orig, ok := r.devices[src]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrDeviceNotFound, src)
	}
	if dst == 0 {
		id, err := r.freeID()
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
		dst = id
	}
	if _, exists := r.devices[dst]; exists {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrDuplicateID, dst)
	}
	clone, err := orig.Clone(dst)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.devices[dst] = clone
	r.mu.Unlock()

	r.logger.Info("Device cloned",
		zap.Uint8("source", src),
		zap.Uint8("slave_id", dst))
	r.publishDevice(events.TypeDeviceAdded, dst, events.OriginAPI, fmt.Sprintf("cloned from %d", src))
	return dst, nil
}

func (r *Runtime) SetEnabled(id uint8, enabled bool) error {
	dev, err := r.device(id)
	if err != nil {
		return err
	}
	dev.SetEnabled(enabled)
	msg := "disabled"
	if enabled {
		msg = "enabled"
	}
	r.publishDevice(events.TypeDeviceUpdated, id, events.OriginAPI, msg)
	return nil
}

func (r *Runtime) ResetCounters(id uint8) error {
	dev, err := r.device(id)
	if err != nil {
		return err
	}
	dev.ResetCounters()
	r.publishDevice(events.TypeDeviceUpdated, id, events.OriginAPI, "counters reset")
	return nil
}

func (r *Runtime) Rename(id uint8, name, description string) error {
	dev, err := r.device(id)
	if err != nil {
		return err
	}
	dev.Rename(name, description)
	r.publishDevice(events.TypeDeviceUpdated, id, events.OriginAPI, "renamed")
	return nil
}

func (r *Runtime) SetBindings(id uint8, bindings []string) error {
	dev, err := r.device(id)
	if err != nil {
		return err
	}
	dev.SetBindings(bindings)
	r.publishDevice(events.TypeDeviceUpdated, id, events.OriginAPI, "bindings changed")
	return nil
}

// SetBehavior swaps a register's rule; its state starts over.
func (r *Runtime) SetBehavior(id uint8, t types.RegisterType, address uint16, spec *behavior.Spec) error {
	dev, err := r.device(id)
	if err != nil {
		return err
	}
	m := dev.RegisterMap(t)
	if m == nil {
		return fmt.Errorf("%w: unknown register type %q", ErrIllegalAddress, t)
	}
	if err := m.SetBehavior(address, spec); err != nil {
		return err
	}

	e := events.New(events.TypeBehaviorChanged)
	e.SlaveID = id
	e.RegisterType = t
	e.Address = address
	e.Origin = events.OriginAPI
	e.Message = spec.String()
	r.events.Publish(e)
	return nil
}

// DefineRegister adds a register, or replaces it when replace is set.
func (r *Runtime) DefineRegister(id uint8, t types.RegisterType, def registers.Definition, replace bool) error {
	dev, err := r.device(id)
	if err != nil {
		return err
	}
	m := dev.RegisterMap(t)
	if m == nil {
		return fmt.Errorf("%w: unknown register type %q", ErrIllegalAddress, t)
	}
	if replace {
		err = m.Put(def)
	} else {
		err = m.Define(def)
	}
	if err != nil {
		return err
	}
	r.publishDevice(events.TypeDeviceUpdated, id, events.OriginAPI, fmt.Sprintf("%s %d defined", t, def.Address))
	return nil
}

func (r *Runtime) RemoveRegister(id uint8, t types.RegisterType, address uint16) error {
	dev, err := r.device(id)
	if err != nil {
		return err
	}
	m := dev.RegisterMap(t)
	if m == nil {
		return fmt.Errorf("%w: unknown register type %q", ErrIllegalAddress, t)
	}
	if err := m.Remove(address); err != nil {
		return err
	}
	r.publishDevice(events.TypeDeviceUpdated, id, events.OriginAPI, fmt.Sprintf("%s %d removed", t, address))
	return nil
}
