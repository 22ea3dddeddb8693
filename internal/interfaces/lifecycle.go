package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string        `json:"state"`
	Scenario         string        `json:"scenario"`
	DeviceCount      int           `json:"device_count"`
	EnabledDevices   int           `json:"enabled_devices"`
	Listeners        int           `json:"listeners"`
	ServingCount     int           `json:"serving_listeners"`
	StartedAt        time.Time     `json:"started_at,omitempty"`
	Uptime           time.Duration `json:"uptime_ns"`
	DroppedEvents    uint64        `json:"dropped_events"`
	WebSocketClients int           `json:"websocket_clients"`
}

type LifecycleManager interface {
	Config() *config.Config
	Runtime() *simulator.Runtime
	Listeners() *modbus.Manager
	// Scenarios returns nil when no scenario library is configured.
	Scenarios() scenario.Store
	// TransactionLog returns nil when the transaction log is disabled.
	TransactionLog() *storage.TransactionLog
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
