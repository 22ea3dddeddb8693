package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/auth"
	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/system"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, mutate func(*config.Config)) *system.LifecycleManager {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", ShutdownTimeout: 2 * time.Second},
		Listeners: []modbus.ListenerConfig{
			{Name: "main", Transport: modbus.TransportTCP, Address: "127.0.0.1:0"},
		},
		Scenario: config.ScenarioConfig{Library: "file", Dir: t.TempDir()},
	}
	if mutate != nil {
		mutate(cfg)
	}

	lm, err := system.NewLifecycleManager(cfg, system.Options{GRPCListener: bufconn.Listen(1 << 16)}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, lm.Start())
	t.Cleanup(func() { lm.Shutdown(context.Background()) })
	return lm
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, status, apiErr.Status)
	assert.Equal(t, code, apiErr.Code)
}

func TestClientDevicesAndRegisters(t *testing.T) {
	lm := startServer(t, nil)
	c := New(lm.HTTPAddr(), "")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	list, err := c.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint8(1), list[0].SlaveID)

	id, err := c.AddDevice(ctx, devices.Definition{SlaveID: 7, Name: "Pump"})
	require.NoError(t, err)
	assert.Equal(t, uint8(7), id)

	_, err = c.AddDevice(ctx, devices.Definition{SlaveID: 7})
	requireAPIError(t, err, http.StatusConflict, "DEVICE_409")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "duplicate", apiErr.Kind)

	clone, err := c.CloneDevice(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), clone)

	require.NoError(t, c.SetEnabled(ctx, 2, false))
	detail, err := c.Device(ctx, 2)
	require.NoError(t, err)
	assert.False(t, detail.Enabled)
	assert.Len(t, detail.Registers, 3)

	hr := types.RegisterTypeHoldingRegister
	require.NoError(t, c.WriteRegisters(ctx, 1, hr, 40001, []uint16{10, 20}))
	values, err := c.ReadRegisters(ctx, 1, hr, 40001, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10, 20, 789}, values)

	require.NoError(t, c.SetBehavior(ctx, 1, hr, 40003, *behavior.Ramp(5)))
	view, err := c.Register(ctx, 1, hr, 40003)
	require.NoError(t, err)
	require.NotNil(t, view.Behavior)
	assert.Equal(t, behavior.KindRamp, view.Behavior.Kind)

	_, err = c.Register(ctx, 1, hr, 1)
	requireAPIError(t, err, http.StatusNotFound, "REGISTER_404")

	require.NoError(t, c.ResetCounters(ctx, 1))
	detail, err = c.Device(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, detail.Stats[hr].Writes)
	requireAPIError(t, c.ResetCounters(ctx, 99), http.StatusNotFound, "DEVICE_404")

	require.NoError(t, c.RemoveDevice(ctx, 7))
	err = c.RemoveDevice(ctx, 7)
	requireAPIError(t, err, http.StatusNotFound, "DEVICE_404")
}

func TestClientScenarios(t *testing.T) {
	lm := startServer(t, nil)
	c := New("http://"+lm.HTTPAddr()+"/", "")
	ctx := context.Background()

	doc := []byte("name: plant\ndevices:\n  3:\n    name: Meter\n    registers:\n      input_registers:\n        - {address: 30001, value: 42}\n")

	res, err := c.ValidateScenario(ctx, doc)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "plant", res.Name)

	bad, err := c.ValidateScenario(ctx, []byte("name: x\ndevices:\n  1:\n    registers:\n      holding_registers:\n        - {address: 40001}\n        - {address: 40001}\n"))
	require.NoError(t, err)
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Problems)

	applied, err := c.ApplyScenario(ctx, doc, simulator.ModeMerge)
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Devices)

	exported, err := c.ExportScenario(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(exported), "Meter")

	require.NoError(t, c.SaveScenario(ctx, "snapshot"))
	infos, err := c.ListScenarios(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "snapshot", infos[0].Name)

	_, err = c.ApplyScenario(ctx, doc, simulator.ModeReplace)
	require.NoError(t, err)
	loaded, err := c.LoadScenario(ctx, "snapshot", "")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Devices)

	_, err = c.LoadScenario(ctx, "missing", "")
	requireAPIError(t, err, http.StatusNotFound, "SCENARIO_404")
}

func TestClientLoginAndStatus(t *testing.T) {
	hash, err := auth.NewPasswordHasherWithParams(64, 1, 1).HashPassword("secret")
	require.NoError(t, err)

	lm := startServer(t, func(cfg *config.Config) {
		cfg.Auth = config.AuthConfig{
			Enabled: true,
			Users:   []config.UserConfig{{Username: "admin", PasswordHash: hash, Role: "admin"}},
		}
	})
	c := New(lm.HTTPAddr(), "")
	ctx := context.Background()

	_, err = c.Devices(ctx)
	requireAPIError(t, err, http.StatusUnauthorized, "unauthorized")

	_, err = c.Login(ctx, "admin", "wrong")
	requireAPIError(t, err, http.StatusUnauthorized, "AUTH_401")

	res, err := c.Login(ctx, "admin", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "Bearer "+res.AccessToken, c.Header().Get("Authorization"))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", st.State)
	assert.Equal(t, 1, st.DeviceCount)

	listeners, err := c.Listeners(ctx)
	require.NoError(t, err)
	require.Len(t, listeners, 1)
	assert.Equal(t, "main", listeners[0].Name)
}

func TestClientLiveURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/v1/ws/live", New("localhost:8080", "").LiveURL())
	assert.Equal(t, "wss://sim.example/api/v1/ws/live", New("https://sim.example/", "").LiveURL())

	err := (&APIError{Code: "DEVICE_404", Message: "Device not found", Details: map[string]any{"slave_id": 9}}).Error()
	assert.True(t, strings.HasPrefix(err, "DEVICE_404: Device not found"))
	assert.Contains(t, err, `"slave_id":9`)
}
