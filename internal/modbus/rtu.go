package modbus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	maxRTUFrame = 256
	minRTUFrame = 4

	// DefaultFrameTimeout is the silence that ends a frame. It only
	// matters for partial frames and unknown function codes; complete
	// frames are sized from their header.
	DefaultFrameTimeout = 40 * time.Millisecond
	serialRetryDelay    = 5 * time.Second
)

// Port is a byte stream with read timeouts. A timed out Read returns
// 0, nil. go.bug.st/serial ports satisfy it directly.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// connPort adapts a net.Conn to Port for RTU over TCP.
type connPort struct {
	net.Conn
}

func (p connPort) SetReadTimeout(t time.Duration) error {
	return p.Conn.SetReadDeadline(time.Now().Add(t))
}

func (p connPort) Read(b []byte) (int, error) {
	n, err := p.Conn.Read(b)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

// rtuRequestSize returns the total length of the request ADU starting at
// adu, or false when the function code does not determine it.
func rtuRequestSize(adu []byte) (int, bool) {
	if len(adu) < 2 {
		return 2, true
	}
	switch adu[1] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters, FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeDiagnostics:
		return 8, true
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		if len(adu) < 7 {
			return 7, true
		}
		return 9 + int(adu[6]), true
	}
	return 0, false
}

// rtuBus is the single reader loop of one RTU channel. Every listener
// attached to the channel sees the same traffic; a frame is answered by
// the first of them that serves the addressed unit.
type rtuBus struct {
	frameTimeout time.Duration
	events       events.Publisher
	logger       *zap.Logger
	closing      *atomic.Bool

	mu       sync.RWMutex
	handlers []*Handler
}

func (b *rtuBus) attach(h *Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing.Load() {
		return false
	}
	b.handlers = append(b.handlers, h)
	return true
}

// detach removes h and returns how many handlers remain. The last one
// out marks the bus as closing.
func (b *rtuBus) detach(h *Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = slices.DeleteFunc(b.handlers, func(x *Handler) bool { return x == h })
	if len(b.handlers) == 0 {
		b.closing.Store(true)
	}
	return len(b.handlers)
}

func (b *rtuBus) attached() []*Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.handlers)
}

// primary is the handler of the listener that opened the channel, or the
// oldest remaining one.
func (b *rtuBus) primary() *Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.handlers) == 0 {
		return nil
	}
	return b.handlers[0]
}

// count bumps a line-level counter on every attached listener.
func (b *rtuBus) count(hs []*Handler, cnt Counter) {
	for _, h := range hs {
		h.Counters().Inc(cnt)
	}
}

// serve reads frames from port until the bus is closing or the port fails.
func (b *rtuBus) serve(port Port) error {
	buf := make([]byte, 0, 2*maxRTUFrame)
	tmp := make([]byte, maxRTUFrame)
	var last time.Time
	resync := false

	for !b.closing.Load() {
		if err := port.SetReadTimeout(b.frameTimeout); err != nil {
			return err
		}
		n, err := port.Read(tmp)
		if err != nil {
			if b.closing.Load() {
				return nil
			}
			return err
		}
		now := time.Now()
		gap := last.IsZero() || now.Sub(last) >= b.frameTimeout

		if n == 0 {
			if gap {
				resync = false
				if len(buf) > 0 {
					buf, _ = b.process(port, buf, true)
				}
			}
			continue
		}

		if gap {
			if len(buf) > 0 {
				b.framingError(buf, "incomplete frame")
				buf = buf[:0]
			}
			resync = false
		}
		last = now
		if resync {
			continue
		}

		buf = append(buf, tmp[:n]...)
		buf, resync = b.process(port, buf, false)
		if len(buf) > maxRTUFrame {
			b.count(b.attached(), CntOverrun)
			b.framingError(buf, "overrun")
			buf = buf[:0]
			resync = true
		}
	}
	return nil
}

// process dispatches every complete frame at the head of buf and returns
// the unconsumed rest. gap reports that the line has been silent for a
// frame timeout. The second result asks the caller to skip input until
// the next silence because frame boundaries are lost.
func (b *rtuBus) process(port Port, buf []byte, gap bool) ([]byte, bool) {
	for len(buf) > 0 {
		size, known := rtuRequestSize(buf)
		if !known {
			if !gap {
				return buf, false
			}
			b.frame(port, buf)
			return buf[:0], false
		}
		if len(buf) < size {
			if gap {
				b.framingError(buf, "incomplete frame")
				return buf[:0], false
			}
			return buf, false
		}
		if !b.frame(port, buf[:size]) {
			return buf[:0], !gap
		}
		buf = buf[size:]
	}
	return buf, false
}

// frame checks and dispatches one ADU. It returns false on a CRC error.
func (b *rtuBus) frame(port Port, adu []byte) bool {
	hs := b.attached()
	if len(adu) < minRTUFrame || !checkCRC(adu) {
		b.count(hs, CntCRCError)
		b.framingError(adu, "crc mismatch")
		return false
	}
	if len(hs) == 0 {
		return true
	}
	b.count(hs, CntBusMessage)

	unit := adu[0]
	pdu := adu[1 : len(adu)-2]
	if unit == 0 {
		also := make([]string, 0, len(hs)-1)
		for _, h := range hs[1:] {
			also = append(also, h.Listener())
		}
		hs[0].Broadcast(pdu, also...)
		b.count(hs, CntNoResponse)
		return true
	}

	// Units nobody serves go to the primary so the miss is still logged
	// as a transaction.
	h := hs[0]
	if len(hs) > 1 {
		for _, c := range hs {
			if c.Serves(unit) {
				h = c
				break
			}
		}
	}
	resp := h.Handle(unit, pdu)
	if resp.Unavailable || resp.PDU == nil {
		b.count(hs, CntNoResponse)
		return true
	}

	out := make([]byte, 0, len(resp.PDU)+3)
	out = append(out, unit)
	out = appendCRC(append(out, resp.PDU...))
	if _, err := port.Write(out); err != nil {
		b.logger.Warn("Failed to write RTU response", zap.Error(err))
	}
	return true
}

func (b *rtuBus) framingError(raw []byte, reason string) {
	b.logger.Debug("RTU frame discarded",
		zap.String("reason", reason),
		zap.String("raw", hex.EncodeToString(raw)))

	e := events.New(events.TypeFramingError)
	e.Origin = events.OriginWire
	if h := b.primary(); h != nil {
		e.Listener = h.Listener()
	}
	e.Error = reason
	e.Message = hex.EncodeToString(raw)
	b.events.Publish(e)
}

// newRTUBus creates a bus with the handler of cfg's listener attached.
func newRTUBus(cfg ListenerConfig, runtime Runtime, publisher events.Publisher, logger *zap.Logger, closing *atomic.Bool) *rtuBus {
	if publisher == nil {
		publisher = events.Discard
	}
	timeout := cfg.FrameTimeout
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	b := &rtuBus{
		frameTimeout: timeout,
		events:       publisher,
		logger:       logger,
		closing:      closing,
	}
	b.attach(NewHandler(runtime, cfg.Name, nil, publisher))
	return b
}

// OpenFunc opens a serial port.
type OpenFunc func(name string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial device.
func OpenSerial(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

// rtuLine owns one open serial port and the reader loop on it. The port
// is reopened if it fails.
type rtuLine struct {
	device string
	mode   *serial.Mode
	open   OpenFunc
	bus    *rtuBus
	logger *zap.Logger
	retry  time.Duration

	closing  atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	port     Port
}

// start opens the port once synchronously so configuration errors
// surface immediately.
func (l *rtuLine) start() error {
	port, err := l.open(l.device, l.mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", l.device, err)
	}
	l.started.Store(true)
	l.setPort(port)
	go l.run(port)
	return nil
}

func (l *rtuLine) serving() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil && !l.closing.Load()
}

func (l *rtuLine) setPort(p Port) {
	l.mu.Lock()
	l.port = p
	l.mu.Unlock()
}

func (l *rtuLine) run(port Port) {
	defer close(l.done)
	for {
		err := l.bus.serve(port)
		port.Close()
		l.setPort(nil)
		if l.closing.Load() {
			return
		}
		l.logger.Warn("Serial port lost, reopening", zap.Error(err))

		for {
			select {
			case <-l.stop:
				return
			case <-time.After(l.retry):
			}
			port, err = l.open(l.device, l.mode)
			if err == nil {
				break
			}
			l.logger.Warn("Failed to reopen serial port", zap.Error(err))
		}
		l.setPort(port)
		l.logger.Info("Serial port reopened")
	}
}

// close ends the reader loop after the frame in progress has been
// answered. The port is closed forcibly when ctx expires first.
func (l *rtuLine) close(ctx context.Context) error {
	l.closing.Store(true)
	l.stopOnce.Do(func() { close(l.stop) })
	if !l.started.Load() {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.port != nil {
			l.port.Close()
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// RTUServer is one listener on a serial line. Listeners configured with
// exclusive: false on the same port share the line: the port is opened
// once, one loop reads it, and each request is answered by the first
// listener whose bindings serve the addressed unit.
type RTUServer struct {
	name    string
	line    *rtuLine
	handler *Handler
	logger  *zap.Logger
	stopped atomic.Bool
}

func NewRTUServer(cfg ListenerConfig, open OpenFunc, runtime Runtime, publisher events.Publisher, logger *zap.Logger) (*RTUServer, error) {
	mode, err := cfg.Serial.Mode()
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = OpenSerial
	}
	line := &rtuLine{
		device: cfg.Serial.Port,
		mode:   mode,
		open:   open,
		logger: logger.With(zap.String("port", cfg.Serial.Port)),
		retry:  serialRetryDelay,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	line.bus = newRTUBus(cfg, runtime, publisher, line.logger, &line.closing)
	return &RTUServer{
		name:    cfg.Name,
		line:    line,
		handler: line.bus.primary(),
		logger:  logger.With(zap.String("listener", cfg.Name)),
	}, nil
}

func (s *RTUServer) Start() error {
	if err := s.line.start(); err != nil {
		return err
	}
	s.logger.Info("Modbus RTU listener started",
		zap.String("port", s.line.device),
		zap.Int("baud_rate", s.line.mode.BaudRate))
	return nil
}

// Join attaches another listener to the line s serves. The serial
// settings must match.
func (s *RTUServer) Join(cfg ListenerConfig, runtime Runtime, publisher events.Publisher) (*RTUServer, error) {
	mode, err := cfg.Serial.Mode()
	if err != nil {
		return nil, err
	}
	if *mode != *s.line.mode {
		return nil, fmt.Errorf("%w: %s is open with different serial settings", ErrPortInUse, s.line.device)
	}
	if publisher == nil {
		publisher = events.Discard
	}
	j := &RTUServer{
		name:    cfg.Name,
		line:    s.line,
		handler: NewHandler(runtime, cfg.Name, nil, publisher),
		logger:  s.line.logger.With(zap.String("listener", cfg.Name)),
	}
	if !s.line.bus.attach(j.handler) {
		return nil, fmt.Errorf("%w: %s is closing", ErrPortInUse, s.line.device)
	}
	j.logger.Info("Modbus RTU listener joined shared port")
	return j, nil
}

func (s *RTUServer) Name() string         { return s.name }
func (s *RTUServer) Transport() Transport { return TransportRTU }
func (s *RTUServer) Addr() string         { return s.line.device }
func (s *RTUServer) Counters() *Counters  { return s.handler.Counters() }

func (s *RTUServer) Serving() bool {
	return !s.stopped.Load() && s.line.serving()
}

// Stop detaches the listener. The last listener on a line closes the
// port once the frame in progress has been answered.
func (s *RTUServer) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if s.line.bus.detach(s.handler) > 0 {
		s.logger.Info("Modbus RTU listener left shared port")
		return nil
	}
	if err := s.line.close(ctx); err != nil {
		return err
	}
	s.logger.Info("Modbus RTU listener stopped")
	return nil
}

// RTUOverTCPServer accepts TCP connections carrying RTU frames. Each
// connection is its own bus.
type RTUOverTCPServer struct {
	name    string
	address string
	bus     *rtuBus
	handler *Handler
	logger  *zap.Logger

	ln      net.Listener
	closing atomic.Bool
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

func NewRTUOverTCPServer(cfg ListenerConfig, runtime Runtime, publisher events.Publisher, logger *zap.Logger) *RTUOverTCPServer {
	s := &RTUOverTCPServer{
		name:    cfg.Name,
		address: cfg.Address,
		logger:  logger.With(zap.String("listener", cfg.Name)),
		conns:   make(map[net.Conn]struct{}),
	}
	s.bus = newRTUBus(cfg, runtime, publisher, s.logger, &s.closing)
	s.handler = s.bus.primary()
	return s
}

func (s *RTUOverTCPServer) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Modbus RTU over TCP listener started", zap.String("address", ln.Addr().String()))
	return nil
}

func (s *RTUOverTCPServer) Name() string         { return s.name }
func (s *RTUOverTCPServer) Transport() Transport { return TransportRTUOverTCP }
func (s *RTUOverTCPServer) Counters() *Counters  { return s.handler.Counters() }
func (s *RTUOverTCPServer) Serving() bool        { return s.ln != nil && !s.closing.Load() }

func (s *RTUOverTCPServer) Addr() string {
	if s.ln == nil {
		return s.address
	}
	return s.ln.Addr().String()
}

func (s *RTUOverTCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to accept connection", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			if err := s.bus.serve(connPort{conn}); err != nil && !errors.Is(err, io.EOF) {
				s.logger.Debug("RTU over TCP connection closed", zap.Error(err))
			}
		}()
	}
}

func (s *RTUOverTCPServer) Stop(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Modbus RTU over TCP listener stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
