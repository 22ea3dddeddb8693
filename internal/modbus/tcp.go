package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// TCPServer serves MBAP framed requests, one goroutine per connection.
// Every unit known to the runtime is reachable through one listener.
type TCPServer struct {
	name        string
	address     string
	idleTimeout time.Duration

	handler  *Handler
	runtime  Runtime
	counters *Counters
	events   events.Publisher
	logger   *zap.Logger

	ln      net.Listener
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewTCPServer(cfg ListenerConfig, runtime Runtime, publisher events.Publisher, logger *zap.Logger) *TCPServer {
	if publisher == nil {
		publisher = events.Discard
	}
	counters := &Counters{}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		name:        cfg.Name,
		address:     cfg.Address,
		idleTimeout: cfg.IdleTimeout,
		handler:     NewHandler(runtime, cfg.Name, counters, publisher),
		runtime:     runtime,
		counters:    counters,
		events:      publisher,
		logger:      logger.With(zap.String("listener", cfg.Name)),
		conns:       make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listening socket and starts accepting.
func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Modbus TCP listener started", zap.String("address", ln.Addr().String()))
	return nil
}

func (s *TCPServer) Name() string         { return s.name }
func (s *TCPServer) Transport() Transport { return TransportTCP }
func (s *TCPServer) Counters() *Counters  { return s.counters }
func (s *TCPServer) Serving() bool        { return s.ln != nil && !s.closing.Load() }

// Addr returns the bound address, useful when listening on port 0.
func (s *TCPServer) Addr() string {
	if s.ln == nil {
		return s.address
	}
	return s.ln.Addr().String()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	backoff := 5 * time.Millisecond
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to accept connection", zap.Error(err))
			time.Sleep(backoff)
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Millisecond

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *TCPServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	remote := conn.RemoteAddr().String()
	s.logger.Debug("Client connected", zap.String("remote_addr", remote))

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		// Stop forces a past deadline after setting closing.
		if s.closing.Load() {
			return
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrFraming) {
				s.framingError(remote, err)
			} else if !s.closing.Load() && !errors.Is(err, io.EOF) && !isTimeout(err) {
				s.logger.Debug("Connection read error", zap.String("remote_addr", remote), zap.Error(err))
			}
			return
		}
		s.counters.Inc(CntBusMessage)

		resp := s.handler.Handle(frame.UnitID, frame.PDU())
		if resp.Unavailable {
			settings := s.runtime.Settings()
			if settings.Response() != scenario.DisabledException {
				s.counters.Inc(CntNoResponse)
				s.hold(time.Duration(settings.DisabledHold))
				continue
			}
			s.counters.Inc(CntException)
			resp.PDU = exceptionPDU(frame.FunctionCode, uint8(settings.Exception()))
		}
		if resp.PDU == nil {
			s.counters.Inc(CntNoResponse)
			continue
		}

		out := &Frame{
			TransactionID: frame.TransactionID,
			UnitID:        frame.UnitID,
			FunctionCode:  resp.PDU[0],
			Data:          resp.PDU[1:],
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(out.Encode()); err != nil {
			s.logger.Debug("Connection write error", zap.String("remote_addr", remote), zap.Error(err))
			return
		}
	}
}

// hold blocks the connection for d, or until the listener stops. Requests
// pipelined behind the dropped one wait as well.
func (s *TCPServer) hold(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}

func (s *TCPServer) framingError(remote string, err error) {
	s.counters.Inc(CntCRCError)
	s.logger.Warn("Closing connection after framing error",
		zap.String("remote_addr", remote),
		zap.Error(err))

	e := events.New(events.TypeFramingError)
	e.Origin = events.OriginWire
	e.Listener = s.name
	e.Error = err.Error()
	e.Message = remote
	s.events.Publish(e)
}

// Stop closes the listener and lets every connection finish the request
// it is serving. Connections still open when ctx expires are closed.
func (s *TCPServer) Stop(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Modbus TCP listener stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.logger.Warn("Modbus TCP listener stop timed out, connections closed")
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
