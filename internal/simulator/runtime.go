// Package simulator owns the set of simulated devices and is the single
// synchronization point for transports and control surfaces.
package simulator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"go.uber.org/zap"
)

var (
	ErrDuplicateID    = errors.New("duplicate slave id")
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceDisabled = errors.New("device disabled")
	ErrIllegalAddress = errors.New("illegal data address")
	ErrNoFreeID       = errors.New("no free slave id")
)

// Request addresses count registers (reads) or len(Values) registers
// (writes) starting at Address.
type Request struct {
	SlaveID  uint8
	Type     types.RegisterType
	Address  uint16
	Count    uint16
	Values   []uint16
	Origin   events.Origin
	Listener string
}

// Runtime is safe for concurrent use. Its lock guards the device table
// and scenario metadata only; register access is serialized per register.
type Runtime struct {
	mu       sync.RWMutex
	devices  map[uint8]*devices.Device
	meta     scenario.Scenario
	settings scenario.Settings

	events events.Publisher
	logger *zap.Logger
}

func New(logger *zap.Logger, publisher events.Publisher) *Runtime {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Runtime{
		devices: make(map[uint8]*devices.Device),
		meta:    scenario.Scenario{Name: "runtime", Version: scenario.DefaultVersion},
		events:  publisher,
		logger:  logger,
	}
}

// resolve finds the device for a transport or control request. Wire
// requests fail for disabled devices and for listeners the device is not
// bound to.
func (r *Runtime) resolve(id uint8, origin events.Origin, listener string) (*devices.Device, error) {
	r.mu.RLock()
	dev, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	if origin == events.OriginWire {
		if !dev.Serves(listener) {
			return nil, fmt.Errorf("%w: %d on %s", ErrDeviceNotFound, id, listener)
		}
		if !dev.Enabled() {
			return nil, fmt.Errorf("%w: %d", ErrDeviceDisabled, id)
		}
	}
	return dev, nil
}

func (r *Runtime) device(id uint8) (*devices.Device, error) {
	return r.resolve(id, events.OriginAPI, "")
}

func checkRange(t types.RegisterType, address uint16, count int) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown register type %q", ErrIllegalAddress, t)
	}
	if count < 1 || int(address)+count > 1<<16 {
		return fmt.Errorf("%w: %s %d+%d", ErrIllegalAddress, t, address, count)
	}
	return nil
}

// Read returns req.Count consecutive values. Behaviors run only for wire
// requests; every access is counted.
func (r *Runtime) Read(req Request) ([]uint16, error) {
	dev, err := r.resolve(req.SlaveID, req.Origin, req.Listener)
	if err != nil {
		return nil, err
	}
	if err := checkRange(req.Type, req.Address, int(req.Count)); err != nil {
		return nil, err
	}

	values, err := dev.RegisterMap(req.Type).ReadRange(req.Address, int(req.Count), req.Origin == events.OriginWire)
	if err != nil {
		dev.Stats().RecordException(req.Type)
		return nil, err
	}
	dev.Touch()
	dev.Stats().RecordRead(req.Type)
	return values, nil
}

// Write stores req.Values, all or nothing.
func (r *Runtime) Write(req Request) error {
	dev, err := r.resolve(req.SlaveID, req.Origin, req.Listener)
	if err != nil {
		return err
	}
	if err := checkRange(req.Type, req.Address, len(req.Values)); err != nil {
		return err
	}

	changes, err := dev.RegisterMap(req.Type).WriteRange(req.Address, req.Values, req.Origin == events.OriginWire)
	if err != nil {
		dev.Stats().RecordException(req.Type)
		return err
	}
	dev.Touch()
	dev.Stats().RecordWrite(req.Type)

	for _, c := range changes {
		e := events.New(events.TypeRegisterChanged)
		e.SlaveID = req.SlaveID
		e.RegisterType = req.Type
		e.Address = c.Address
		e.Count = 1
		e.Values = []uint16{c.New}
		e.Origin = req.Origin
		e.Listener = req.Listener
		r.events.Publish(e)
	}
	return nil
}

// Ping succeeds when the device can answer wire requests on listener.
func (r *Runtime) Ping(id uint8, listener string) error {
	dev, err := r.resolve(id, events.OriginWire, listener)
	if err != nil {
		return err
	}
	dev.Touch()
	return nil
}

// Serves reports whether listener would route wire requests for id to a
// device. Unlike Ping it does not count as activity.
func (r *Runtime) Serves(id uint8, listener string) bool {
	_, err := r.resolve(id, events.OriginWire, listener)
	return err == nil
}

// WriteBroadcast applies a write to every enabled device served by
// req.Listener, or by any of listeners when given, that defines the
// addressed registers. Each device is written at most once. Failures are
// not reported, matching broadcast semantics on a serial bus.
func (r *Runtime) WriteBroadcast(req Request, listeners ...string) int {
	if len(listeners) == 0 {
		listeners = []string{req.Listener}
	}
	applied := 0
	for _, id := range r.ids() {
		req.SlaveID = id
		for _, l := range listeners {
			req.Listener = l
			err := r.Write(req)
			if err == nil {
				applied++
			}
			if !errors.Is(err, ErrDeviceNotFound) {
				break
			}
		}
	}
	return applied
}

func (r *Runtime) ids() []uint8 {
	r.mu.RLock()
	ids := make([]uint8, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Settings returns the policy transports apply to disabled devices.
func (r *Runtime) Settings() scenario.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

func (r *Runtime) SetSettings(s scenario.Settings) {
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
}

// ScenarioName is the name of the last applied scenario.
func (r *Runtime) ScenarioName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta.Name
}

func (r *Runtime) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Runtime) publishDevice(t events.Type, id uint8, origin events.Origin, msg string) {
	e := events.New(t)
	e.SlaveID = id
	e.Origin = origin
	e.Message = msg
	r.events.Publish(e)
}
