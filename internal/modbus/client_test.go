package modbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", 0)
	_, err := c.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_Diagnostics(t *testing.T) {
	rt, bus := newTestRuntime(t, scenario.Settings{})
	s := startTCP(t, rt, bus)
	c := dial(t, s.Addr(), time.Second)
	ctx := context.Background()

	echo, err := c.Diagnostics(ctx, 1, diagReturnQueryData, 0xBEEF)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), echo)

	count, err := c.Diagnostics(ctx, 1, diagServerMessageCount, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), count)
}

func TestClient_ReadByType(t *testing.T) {
	rt, bus := newTestRuntime(t, scenario.Settings{})
	s := startTCP(t, rt, bus)
	c := dial(t, s.Addr(), time.Second)
	ctx := context.Background()

	values, err := c.Read(ctx, 1, types.RegisterTypeCoil, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 0, 1}, values)

	values, err = c.Read(ctx, 1, types.RegisterTypeInputRegister, 30001, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, values)

	_, err = c.Read(ctx, 1, "bogus", 0, 1)
	assert.Error(t, err)
}

func TestClient_ContextCancel(t *testing.T) {
	rt, bus := newTestRuntime(t, scenario.Settings{DisabledHold: scenario.Duration(time.Minute)})
	s := startTCP(t, rt, bus)
	c := dial(t, s.Addr(), 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := c.ReadHoldingRegisters(ctx, 2, 40001, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoller_Samples(t *testing.T) {
	rt, bus := newTestRuntime(t, scenario.Settings{})
	s := startTCP(t, rt, bus)
	c := dial(t, s.Addr(), time.Second)

	var (
		mu      sync.Mutex
		samples []Sample
	)
	target := PollTarget{UnitID: 1, Type: types.RegisterTypeHoldingRegister, Address: 40001, Quantity: 2}
	p := NewPoller(c, target, 20*time.Millisecond, func(s Sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	}, zaptest.NewLogger(t))

	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) >= 3
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.False(t, p.IsRunning())

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, samples[0].Err)
	assert.Equal(t, []uint16{123, 456}, samples[0].Values)
}
