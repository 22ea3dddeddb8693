// Package events carries immutable runtime records from the simulator and
// the transports to observers (logs, transaction log, GUI clients).
package events

import (
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/google/uuid"
)

type Type string

const (
	TypeRegisterChanged Type = "register_changed"
	TypeBehaviorChanged Type = "behavior_changed"
	TypeDeviceAdded     Type = "device_added"
	TypeDeviceRemoved   Type = "device_removed"
	TypeDeviceUpdated   Type = "device_updated"
	TypeScenarioApplied Type = "scenario_applied"
	TypeTransaction     Type = "transaction"
	TypeFramingError    Type = "framing_error"
)

// Origin names who caused an event.
type Origin string

const (
	OriginWire     Origin = "wire"
	OriginAPI      Origin = "api"
	OriginScenario Origin = "scenario"
	OriginSystem   Origin = "system"
)

// Event is never mutated after Publish. Values is owned by the event.
type Event struct {
	ID           uuid.UUID           `json:"id"`
	Type         Type                `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	SlaveID      uint8               `json:"slave_id,omitempty"`
	RegisterType types.RegisterType  `json:"register_type,omitempty"`
	Address      uint16              `json:"address"`
	Count        uint16              `json:"count,omitempty"`
	Values       []uint16            `json:"values,omitempty"`
	Origin       Origin              `json:"origin,omitempty"`
	Listener     string              `json:"listener,omitempty"`
	FunctionCode uint8               `json:"function_code,omitempty"`
	Exception    types.ExceptionCode `json:"exception,omitempty"`
	Error        string              `json:"error,omitempty"`
	Message      string              `json:"message,omitempty"`
	Duration     time.Duration       `json:"duration,omitempty"`
}

// New stamps a fresh id and timestamp.
func New(t Type) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}
