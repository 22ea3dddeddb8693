package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/system"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/test/bufconn"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func startSimulator(t *testing.T) *system.LifecycleManager {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", ShutdownTimeout: 2 * time.Second},
		Listeners: []modbus.ListenerConfig{
			{Name: "main", Transport: modbus.TransportTCP, Address: "127.0.0.1:0"},
		},
		Scenario: config.ScenarioConfig{Library: "file", Dir: t.TempDir()},
	}
	lm, err := system.NewLifecycleManager(cfg, system.Options{GRPCListener: bufconn.Listen(1 << 16)}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, lm.Start())
	t.Cleanup(func() { lm.Shutdown(context.Background()) })
	return lm
}

func TestParseSlaveIDs(t *testing.T) {
	ids, err := parseSlaveIDs("1, 3-5,9")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 5, 9}, ids)

	for _, bad := range []string{"0", "248", "5-3", "x"} {
		_, err := parseSlaveIDs(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseValues(t *testing.T) {
	values, err := parseValues([]string{"1,2", "0x10", "65535"})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 16, 65535}, values)

	_, err = parseValues([]string{"65536"})
	assert.Error(t, err)
}

func TestListenerFromFlags(t *testing.T) {
	newFlags := func() *cobra.Command {
		cmd := &cobra.Command{Use: "serve"}
		cmd.Flags().AddFlagSet(serveCmd.Flags())
		return cmd
	}

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("transport", "tcp", "")
	_, ok := listenerFromFlags(cmd.Flags())
	assert.False(t, ok)

	cmd = newFlags()
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "5020", "--host", "0.0.0.0"}))
	l, ok := listenerFromFlags(cmd.Flags())
	require.True(t, ok)
	assert.Equal(t, modbus.TransportTCP, l.Transport)
	assert.Equal(t, "0.0.0.0:5020", l.Address)
	require.NoError(t, l.Validate())
}

func TestBehaviorFromFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "behavior"}
	cmd.Flags().AddFlagSet(registerBehaviorCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{"--trigger", "3", "--code", "6", "--reset", "repeating"}))

	spec, err := behaviorFromFlags(cmd, "conditional")
	require.NoError(t, err)
	assert.Equal(t, behavior.KindConditional, spec.Kind)
	assert.Equal(t, uint32(3), spec.Trigger)
	assert.Equal(t, types.ExceptionCode(6), spec.Code)
	assert.Equal(t, behavior.ResetRepeating, spec.Reset)

	_, err = behaviorFromFlags(cmd, "explode")
	assert.Error(t, err)
}

func TestScenarioValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(good, []byte("name: good\ndevices:\n  1:\n    registers:\n      holding_registers:\n        - {address: 40001, value: 1}\n"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("name: bad\ndevices:\n  1:\n    registers:\n      holding_registers:\n        - {address: 40001}\n        - {address: 40001}\n"), 0o644))

	out, err := run(t, "scenario", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (good, 1 devices)")

	out, err = run(t, "scenario", "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "bad.yml: invalid")
}

func TestRemoteCommands(t *testing.T) {
	lm := startSimulator(t)
	api := "http://" + lm.HTTPAddr()

	out, err := run(t, "--api", api, "device", "add", "9", "--name", "Chiller")
	require.NoError(t, err)
	assert.Contains(t, out, "Added device 9")

	out, err = run(t, "--api", api, "register", "set", "1", "hr", "40001", "321")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 1 value(s)")

	out, err = run(t, "--api", api, "register", "get", "1", "hr", "40001", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "321")
	assert.Contains(t, out, "456")

	out, err = run(t, "--api", api, "device", "reset", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset 1 device(s)")
	d, err := lm.Runtime().Device(1)
	require.NoError(t, err)
	assert.Zero(t, d.Stats[types.RegisterTypeHoldingRegister].Writes)

	out, err = run(t, "--api", api, "device", "disable", "1,9")
	require.NoError(t, err)
	assert.Contains(t, out, "Disabled 2 device(s)")

	out, err = run(t, "--api", api, "device", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Chiller")

	out, err = run(t, "--api", api, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "main")

	_, err = run(t, "--api", api, "device", "remove", "42")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DEVICE_404")

	// query talks Modbus directly to the listener
	listener, ok := lm.Listeners().Get("main")
	require.True(t, ok)
	_, err = run(t, "query", listener.Addr(), "1", "hr", "40002", "--write", "77", "--timeout", "500ms")
	require.Error(t, err, "disabled device must not answer")

	_, err = run(t, "--api", api, "device", "enable", "1")
	require.NoError(t, err)
	out, err = run(t, "query", listener.Addr(), "1", "hr", "40002", "--write", "77")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 1 value(s) to unit 1")
}
