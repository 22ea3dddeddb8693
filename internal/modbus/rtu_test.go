package modbus

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
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

const testFrameTimeout = 20 * time.Millisecond

func startRTUPipe(t *testing.T, rt *simulator.Runtime) (net.Conn, *rtuBus) {
	t.Helper()
	server, client := net.Pipe()
	var closing atomic.Bool
	bus := newRTUBus(ListenerConfig{Name: "test", FrameTimeout: testFrameTimeout}, rt, nil, zaptest.NewLogger(t), &closing)

	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.serve(connPort{server})
	}()
	t.Cleanup(func() {
		closing.Store(true)
		client.Close()
		server.Close()
		<-done
	})
	return client, bus
}

func rtuADU(unit uint8, f *Frame) []byte {
	return appendCRC(append([]byte{unit}, f.PDU()...))
}

func readADU(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.True(t, checkCRC(buf), "bad crc in % X", buf)
	return buf
}

func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	n, err := conn.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.True(t, isTimeout(err), "expected timeout, got %v", err)
}

func TestRTU_ReadHoldingRegisters(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	conn, bus := startRTUPipe(t, rt)

	_, err := conn.Write(rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40001, 2)))
	require.NoError(t, err)

	resp := readADU(t, conn, 9)
	assert.Equal(t, []byte{1, 0x03, 4, 0, 123, 0x01, 0xC8}, resp[:7])
	assert.Equal(t, uint64(1), bus.primary().Counters().Get(CntBusMessage))
}

func TestRTU_SplitFrame(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	conn, _ := startRTUPipe(t, rt)
	adu := rtuADU(1, WriteMultipleRegistersRequest(1, 40002, []uint16{10, 20}))

	_, err := conn.Write(adu[:5])
	require.NoError(t, err)
	_, err = conn.Write(adu[5:])
	require.NoError(t, err)

	resp := readADU(t, conn, 8)
	assert.Equal(t, []byte{1, 0x10, 0x9C, 0x42, 0, 2}, resp[:6])
}

func TestRTU_BackToBackFrames(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	conn, _ := startRTUPipe(t, rt)

	first := rtuADU(1, ReadRequest(1, FuncCodeReadInputRegisters, 30001, 1))
	second := rtuADU(1, ReadRequest(1, FuncCodeReadCoils, 0, 3))

	go conn.Write(append(first, second...))

	assert.Equal(t, []byte{1, 0x04, 2, 0, 7}, readADU(t, conn, 7)[:5])
	assert.Equal(t, []byte{1, 0x01, 1, 0x05}, readADU(t, conn, 6)[:4])
}

func TestRTU_BadCRCIsSilent(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	conn, bus := startRTUPipe(t, rt)

	adu := rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40001, 1))
	adu[len(adu)-1] ^= 0xFF
	_, err := conn.Write(adu)
	require.NoError(t, err)

	expectSilence(t, conn)
	assert.Equal(t, uint64(1), bus.primary().Counters().Get(CntCRCError))
	assert.Zero(t, bus.primary().Counters().Get(CntBusMessage))

	// The next frame after a silent interval is served normally.
	_, err = conn.Write(rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40001, 1)))
	require.NoError(t, err)
	resp := readADU(t, conn, 7)
	assert.Equal(t, []byte{1, 0x03, 2, 0, 123}, resp[:5])
}

func TestRTU_DisabledAndUnknownUnitsAreSilent(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{DisabledResponse: scenario.DisabledException})
	conn, bus := startRTUPipe(t, rt)

	for _, unit := range []uint8{2, 42} {
		_, err := conn.Write(rtuADU(unit, ReadRequest(unit, FuncCodeReadHoldingRegisters, 40001, 1)))
		require.NoError(t, err)
		expectSilence(t, conn)
	}
	assert.Equal(t, uint64(2), bus.primary().Counters().Get(CntNoResponse))
}

func TestRTU_Broadcast(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	conn, bus := startRTUPipe(t, rt)

	_, err := conn.Write(rtuADU(0, WriteSingleRequest(0, FuncCodeWriteSingleRegister, 40001, 321)))
	require.NoError(t, err)
	expectSilence(t, conn)

	view, err := rt.Register(1, types.RegisterTypeHoldingRegister, 40001)
	require.NoError(t, err)
	assert.Equal(t, uint16(321), view.Value)
	assert.Equal(t, uint64(1), bus.primary().Counters().Get(CntNoResponse))
}

func TestRTU_UnknownFunctionAfterGap(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	conn, _ := startRTUPipe(t, rt)

	_, err := conn.Write(appendCRC([]byte{1, 0x2B, 0x0E, 0x01, 0x00}))
	require.NoError(t, err)

	resp := readADU(t, conn, 5)
	assert.Equal(t, []byte{1, 0xAB, 0x01}, resp[:3])
}

// pipeOpener hands out the server end of a fresh pipe on every open.
type pipeOpener struct {
	mu      sync.Mutex
	clients []net.Conn
	opens   int
}

func (o *pipeOpener) open(_ string, _ *serial.Mode) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	server, client := net.Pipe()
	o.clients = append(o.clients, client)
	o.opens++
	return connPort{server}, nil
}

func (o *pipeOpener) client(i int) net.Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clients[i]
}

func (o *pipeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *pipeOpener) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.clients {
		c.Close()
	}
}

func TestRTUServer_ServesAndReopens(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	opener := &pipeOpener{}
	t.Cleanup(opener.close)

	cfg := ListenerConfig{Name: "rtu", Transport: TransportRTU, Serial: SerialConfig{Port: "/dev/ttyFAKE"}, FrameTimeout: testFrameTimeout}
	s, err := NewRTUServer(cfg, opener.open, rt, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.line.retry = 10 * time.Millisecond
	require.NoError(t, s.Start())
	assert.True(t, s.Serving())

	conn := opener.client(0)
	_, err = conn.Write(rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40003, 1)))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0x03, 2, 0x03, 0x15}, readADU(t, conn, 7)[:5])

	// Losing the port triggers a reopen.
	conn.Close()
	require.Eventually(t, func() bool { return opener.count() == 2 && s.Serving() }, time.Second, 5*time.Millisecond)

	conn = opener.client(1)
	_, err = conn.Write(rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40001, 1)))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0x03, 2, 0, 123}, readADU(t, conn, 7)[:5])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Serving())
}

func TestRTUOverTCPServer(t *testing.T) {
	rt, _ := newTestRuntime(t, scenario.Settings{})
	cfg := ListenerConfig{Name: "rtu-tcp", Transport: TransportRTUOverTCP, Address: "127.0.0.1:0", FrameTimeout: testFrameTimeout}
	s := NewRTUOverTCPServer(cfg, rt, nil, zaptest.NewLogger(t))
	require.NoError(t, s.Start())

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(rtuADU(1, ReadRequest(1, FuncCodeReadHoldingRegisters, 40001, 3)))
	require.NoError(t, err)
	resp := readADU(t, conn, 11)
	assert.Equal(t, []byte{1, 0x03, 6, 0, 123, 0x01, 0xC8, 0x03, 0x15}, resp[:9])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
