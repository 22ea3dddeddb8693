package system

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", ShutdownTimeout: 2 * time.Second},
		Listeners: []modbus.ListenerConfig{
			{Name: "main", Transport: modbus.TransportTCP, Address: "127.0.0.1:0"},
		},
		Scenario: config.ScenarioConfig{Library: "file"},
	}
}

func startSystem(t *testing.T, cfg *config.Config) (*LifecycleManager, healthpb.HealthClient) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	lm, err := NewLifecycleManager(cfg, Options{GRPCListener: lis}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, lm.Start())
	t.Cleanup(func() { lm.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return lm, healthpb.NewHealthClient(conn)
}

func TestLifecycle_StartServesEverySurface(t *testing.T) {
	lm, healthClient := startSystem(t, testConfig())
	assert.Equal(t, StateRunning, lm.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = healthClient.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService("main")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	// Built-in scenario on the configured listener
	listener, ok := lm.Listeners().Get("main")
	require.True(t, ok)
	client := modbus.NewClient(listener.Addr(), 2*time.Second)
	require.NoError(t, client.Connect())
	defer client.Close()

	values, err := client.ReadHoldingRegisters(ctx, 1, 40001, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{123, 456, 789}, values)

	httpResp, err := http.Get(fmt.Sprintf("http://%s/health", lm.HTTPAddr()))
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, "default", status.Scenario)
	assert.Equal(t, 1, status.DeviceCount)
	assert.Equal(t, 1, status.EnabledDevices)
	assert.Equal(t, 1, status.Listeners)
	assert.Equal(t, 1, status.ServingCount)
	assert.False(t, status.StartedAt.IsZero())
	assert.Nil(t, lm.Scenarios())
	assert.Nil(t, lm.TransactionLog())
}

func TestLifecycle_ScenarioLibraryAndTransactionLog(t *testing.T) {
	cfg := testConfig()
	cfg.Scenario.Dir = t.TempDir()
	cfg.Storage.TransactionLog = t.TempDir() + "/tx.db"
	cfg.Storage.BatchSize = 1
	cfg.Storage.FlushInterval = 10 * time.Millisecond

	lm, _ := startSystem(t, cfg)
	require.NotNil(t, lm.Scenarios())
	require.NotNil(t, lm.TransactionLog())

	infos, err := lm.Scenarios().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestLifecycle_ShutdownFlushesTransactions(t *testing.T) {
	// GIVEN a transaction log that only flushes on close
	path := t.TempDir() + "/tx.db"
	cfg := testConfig()
	cfg.Storage.TransactionLog = path
	cfg.Storage.BatchSize = 1000
	cfg.Storage.FlushInterval = time.Hour
	lm, _ := startSystem(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	listener, ok := lm.Listeners().Get("main")
	require.True(t, ok)
	client := modbus.NewClient(listener.Addr(), 2*time.Second)
	require.NoError(t, client.Connect())
	_, err := client.ReadHoldingRegisters(ctx, 1, 40001, 1)
	require.NoError(t, err)
	client.Close()

	// WHEN the system shuts down
	require.NoError(t, lm.Shutdown(ctx))

	// THEN the transaction reached the log before it was closed
	txlog, err := storage.OpenTransactionLog(path, 1, time.Second, zap.NewNop())
	require.NoError(t, err)
	defer txlog.Close()
	got, err := txlog.Recent(ctx, 10, storage.Filter{SlaveID: 1, Type: events.TypeTransaction})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLifecycle_ShutdownStopsEverything(t *testing.T) {
	lm, healthClient := startSystem(t, testConfig())

	updates := lm.SubscribeStatus()
	defer lm.UnsubscribeStatus(updates)

	listener, ok := lm.Listeners().Get("main")
	require.True(t, ok)
	addr := listener.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(ctx))

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	assert.Equal(t, StateStopped, lm.State())

	first := <-updates
	assert.Equal(t, StateStopping, first.State)
	second := <-updates
	assert.Equal(t, StateStopped, second.State)

	assert.Empty(t, lm.Listeners().List())
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)

	_, err = healthClient.Check(ctx, &healthpb.HealthCheckRequest{})
	assert.Error(t, err)

	// Second call is a no-op
	assert.NoError(t, lm.Shutdown(ctx))
}

func TestLifecycle_StartFailureCleansUp(t *testing.T) {
	cfg := testConfig()
	cfg.Listeners = append(cfg.Listeners, modbus.ListenerConfig{Name: "broken", Transport: modbus.TransportTCP, Address: "not-an-address"})

	lm, err := NewLifecycleManager(cfg, Options{GRPCListener: bufconn.Listen(1 << 16)}, zap.NewNop())
	require.NoError(t, err)

	err = lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, StateStopped, lm.State())
	assert.Empty(t, lm.Listeners().List())

	assert.Error(t, lm.Start())
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateError, true},
		{StateInitializing, StateStopped, false},
		{StateRunning, StateStopping, true},
		{StateRunning, StateInitializing, false},
		{StateStopping, StateStopped, true},
		{StateError, StateStopping, true},
		{StateStopped, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStateText(t *testing.T) {
	data, err := json.Marshal(StatusUpdate{State: StateStopping, Timestamp: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"STOPPING","timestamp":1}`, string(data))

	assert.True(t, StateStopped.Done())
	assert.False(t, StateError.Done())
	assert.Equal(t, "UNKNOWN", SystemState(42).String())
}
