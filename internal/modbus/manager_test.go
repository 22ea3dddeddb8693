package modbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*Manager, *pipeOpener) {
	t.Helper()
	rt, bus := newTestRuntime(t, scenario.Settings{})
	opener := &pipeOpener{}
	m := NewManager(rt, bus, zaptest.NewLogger(t))
	m.SetSerialOpener(opener.open)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.StopAll(ctx)
		opener.close()
	})
	return m, opener
}

func rtuConfig(name, port string, exclusive *bool) ListenerConfig {
	return ListenerConfig{
		Name:         name,
		Transport:    TransportRTU,
		Serial:       SerialConfig{Port: port},
		FrameTimeout: testFrameTimeout,
		Exclusive:    exclusive,
	}
}

func TestManager_StartListAndStop(t *testing.T) {
	m, _ := newTestManager(t)

	tcp, err := m.Start(ListenerConfig{Name: "tcp-main", Transport: TransportTCP, Address: "127.0.0.1:0"})
	require.NoError(t, err)
	_, err = m.Start(rtuConfig("rtu-1", "/dev/ttyS0", nil))
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "rtu-1", infos[0].Name)
	assert.Equal(t, TransportRTU, infos[0].Transport)
	assert.Equal(t, "tcp-main", infos[1].Name)
	assert.Equal(t, tcp.Addr(), infos[1].Address)
	assert.True(t, infos[1].Serving)
	assert.Contains(t, infos[1].Counters, "bus_messages")

	got, ok := m.Get("tcp-main")
	require.True(t, ok)
	assert.Same(t, tcp, got)

	require.NoError(t, m.Stop(context.Background(), "tcp-main"))
	_, ok = m.Get("tcp-main")
	assert.False(t, ok)
	assert.ErrorIs(t, m.Stop(context.Background(), "tcp-main"), ErrListenerNotFound)
}

func TestManager_DuplicateName(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Start(ListenerConfig{Name: "a", Transport: TransportTCP, Address: "127.0.0.1:0"})
	require.NoError(t, err)
	_, err = m.Start(ListenerConfig{Name: "a", Transport: TransportRTUOverTCP, Address: "127.0.0.1:0"})
	assert.ErrorIs(t, err, ErrListenerExists)
}

func TestManager_SerialExclusivity(t *testing.T) {
	shared := false
	m, opener := newTestManager(t)

	_, err := m.Start(rtuConfig("a", "/dev/ttyUSB0", nil))
	require.NoError(t, err)
	_, err = m.Start(rtuConfig("b", "/dev/ttyUSB0", &shared))
	assert.ErrorIs(t, err, ErrPortInUse)

	_, err = m.Start(rtuConfig("c", "/dev/ttyUSB1", &shared))
	require.NoError(t, err)
	_, err = m.Start(rtuConfig("d", "/dev/ttyUSB1", &shared))
	require.NoError(t, err)
	assert.Equal(t, 2, opener.count(), "a shared port is opened once")

	mismatched := rtuConfig("e", "/dev/ttyUSB1", &shared)
	mismatched.Serial.BaudRate = 19200
	_, err = m.Start(mismatched)
	assert.ErrorIs(t, err, ErrPortInUse)
}

func writeBytewise(t *testing.T, conn net.Conn, adu []byte) {
	t.Helper()
	for i := range adu {
		_, err := conn.Write(adu[i : i+1])
		require.NoError(t, err)
	}
}

func TestManager_SharedSerialPort(t *testing.T) {
	shared := false
	m, opener := newTestManager(t)

	a, err := m.Start(rtuConfig("a", "/dev/ttyUSB0", &shared))
	require.NoError(t, err)
	other, err := m.Start(rtuConfig("other", "/dev/ttyUSB0", &shared))
	require.NoError(t, err)
	require.Equal(t, 1, opener.count())
	assert.True(t, other.Serving())

	conn := opener.client(0)
	for i := 0; i < 10; i++ {
		// unit 1 has no bindings, unit 3 is bound to "other"
		writeBytewise(t, conn, rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40001, 1)))
		assert.Equal(t, []byte{1, 0x03, 2, 0, 123}, readADU(t, conn, 7)[:5])

		writeBytewise(t, conn, rtuADU(3, ReadRequest(3, FuncCodeReadHoldingRegisters, 40001, 1)))
		assert.Equal(t, []byte{3, 0x03, 2, 0, 9}, readADU(t, conn, 7)[:5])
	}
	assert.Equal(t, uint64(20), a.Counters().Get(CntBusMessage))
	assert.Equal(t, uint64(20), other.Counters().Get(CntBusMessage))
	assert.Equal(t, uint64(10), other.Counters().Get(CntServerMessage))

	// Leaving the port keeps it open for the remaining listener.
	require.NoError(t, m.Stop(context.Background(), "a"))
	assert.False(t, a.Serving())
	assert.True(t, other.Serving())

	writeBytewise(t, conn, rtuADU(3, ReadRequest(3, FuncCodeReadHoldingRegisters, 40001, 1)))
	assert.Equal(t, []byte{3, 0x03, 2, 0, 9}, readADU(t, conn, 7)[:5])
	writeBytewise(t, conn, rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40001, 1)))
	assert.Equal(t, []byte{1, 0x03, 2, 0, 123}, readADU(t, conn, 7)[:5])
	assert.Equal(t, 1, opener.count())
}

func TestManager_SharedSerialBroadcast(t *testing.T) {
	shared := false
	m, opener := newTestManager(t)
	rt := m.runtime.(*simulator.Runtime)

	_, err := m.Start(rtuConfig("a", "/dev/ttyUSB0", &shared))
	require.NoError(t, err)
	_, err = m.Start(rtuConfig("other", "/dev/ttyUSB0", &shared))
	require.NoError(t, err)

	conn := opener.client(0)
	_, err = conn.Write(rtuADU(0, WriteSingleRequest(0, FuncCodeWriteSingleRegister, 40001, 500)))
	require.NoError(t, err)
	expectSilence(t, conn)

	for _, id := range []uint8{1, 3} {
		view, err := rt.Register(id, types.RegisterTypeHoldingRegister, 40001)
		require.NoError(t, err)
		assert.Equal(t, uint16(500), view.Value, "unit %d", id)
		assert.Equal(t, uint64(1), view.Accesses, "unit %d is written once", id)
	}
}

func TestManager_InvalidConfig(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []ListenerConfig{
		{Transport: TransportTCP, Address: ":502"},
		{Name: "x", Transport: "udp", Address: ":502"},
		{Name: "x", Transport: TransportTCP},
		{Name: "x", Transport: TransportRTU},
		{Name: "x", Transport: TransportRTU, Serial: SerialConfig{Port: "/dev/ttyS0", Parity: "Q"}},
	}
	for _, cfg := range tests {
		_, err := m.Start(cfg)
		assert.ErrorIs(t, err, ErrInvalidListener, "%+v", cfg)
	}
}

func TestSerialConfig_Mode(t *testing.T) {
	mode, err := SerialConfig{}.Mode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, mode)

	mode, err = SerialConfig{BaudRate: 19200, DataBits: 7, Parity: "E", StopBits: 2}.Mode()
	require.NoError(t, err)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	_, err = SerialConfig{StopBits: 3}.Mode()
	assert.ErrorIs(t, err, ErrInvalidListener)
}
