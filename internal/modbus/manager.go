package modbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Transport names a listener kind.
type Transport string

const (
	TransportTCP        Transport = "tcp"
	TransportRTU        Transport = "rtu"
	TransportRTUOverTCP Transport = "rtu-over-tcp"
)

var (
	ErrListenerExists   = errors.New("listener already exists")
	ErrListenerNotFound = errors.New("listener not found")
	ErrPortInUse        = errors.New("serial port already in use")
	ErrInvalidListener  = errors.New("invalid listener configuration")
)

// SerialConfig describes a serial line.
type SerialConfig struct {
	Port     string `mapstructure:"port" json:"port" yaml:"port"`
	BaudRate int    `mapstructure:"baud_rate" json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `mapstructure:"data_bits" json:"data_bits" yaml:"data_bits"`
	Parity   string `mapstructure:"parity" json:"parity" yaml:"parity"`
	StopBits int    `mapstructure:"stop_bits" json:"stop_bits" yaml:"stop_bits"`
}

// Mode converts the config to a serial.Mode. Zero values fall back to
// 9600 8N1.
func (c SerialConfig) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToUpper(c.Parity) {
	case "", "N", "NONE":
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	case "M", "MARK":
		mode.Parity = serial.MarkParity
	case "S", "SPACE":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", ErrInvalidListener, c.Parity)
	}

	switch c.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %d", ErrInvalidListener, c.StopBits)
	}
	return mode, nil
}

// ListenerConfig describes one transport listener.
type ListenerConfig struct {
	Name         string        `mapstructure:"name" json:"name" yaml:"name"`
	Transport    Transport     `mapstructure:"transport" json:"transport" yaml:"transport"`
	Address      string        `mapstructure:"address" json:"address,omitempty" yaml:"address,omitempty"`
	Serial       SerialConfig  `mapstructure:"serial" json:"serial,omitempty" yaml:"serial,omitempty"`
	FrameTimeout time.Duration `mapstructure:"frame_timeout" json:"frame_timeout,omitempty" yaml:"frame_timeout,omitempty"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	Exclusive    *bool         `mapstructure:"exclusive" json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// IsExclusive reports whether the serial port may not be shared. RTU
// listeners that all set exclusive: false on one port share a single
// open port and reader loop.
func (c ListenerConfig) IsExclusive() bool {
	return c.Exclusive == nil || *c.Exclusive
}

// Validate checks the fields required by the transport.
func (c ListenerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidListener)
	}
	switch c.Transport {
	case TransportTCP, TransportRTUOverTCP:
		if c.Address == "" {
			return fmt.Errorf("%w: %s listener %s needs an address", ErrInvalidListener, c.Transport, c.Name)
		}
	case TransportRTU:
		if c.Serial.Port == "" {
			return fmt.Errorf("%w: rtu listener %s needs a serial port", ErrInvalidListener, c.Name)
		}
		if _, err := c.Serial.Mode(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidListener, c.Transport)
	}
	return nil
}

// Listener is a running transport server.
type Listener interface {
	Name() string
	Transport() Transport
	Addr() string
	Counters() *Counters
	Serving() bool
	Stop(ctx context.Context) error
}

// Info is a listener summary for the control API.
type Info struct {
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	Address   string            `json:"address"`
	Serving   bool              `json:"serving"`
	Counters  map[string]uint64 `json:"counters"`
}

type managed struct {
	cfg      ListenerConfig
	listener Listener
}

// Manager starts and stops listeners against one runtime.
type Manager struct {
	runtime Runtime
	events  events.Publisher
	logger  *zap.Logger

	mu         sync.Mutex
	listeners  map[string]*managed
	openSerial OpenFunc
}

func NewManager(runtime Runtime, publisher events.Publisher, logger *zap.Logger) *Manager {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Manager{
		runtime:    runtime,
		events:     publisher,
		logger:     logger,
		listeners:  make(map[string]*managed),
		openSerial: OpenSerial,
	}
}

// SetSerialOpener replaces the function used to open serial ports.
func (m *Manager) SetSerialOpener(open OpenFunc) {
	m.mu.Lock()
	m.openSerial = open
	m.mu.Unlock()
}

// Start creates and starts a listener.
func (m *Manager) Start(cfg ListenerConfig) (Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrListenerExists, cfg.Name)
	}
	var shared *RTUServer
	if cfg.Transport == TransportRTU {
		for _, other := range m.listeners {
			if other.cfg.Transport != TransportRTU || other.cfg.Serial.Port != cfg.Serial.Port {
				continue
			}
			if cfg.IsExclusive() || other.cfg.IsExclusive() {
				return nil, fmt.Errorf("%w: %s is held by %s", ErrPortInUse, cfg.Serial.Port, other.cfg.Name)
			}
			shared = other.listener.(*RTUServer)
			break
		}
	}

	var (
		l   Listener
		err error
	)
	switch cfg.Transport {
	case TransportTCP:
		s := NewTCPServer(cfg, m.runtime, m.events, m.logger)
		err = s.Start()
		l = s
	case TransportRTUOverTCP:
		s := NewRTUOverTCPServer(cfg, m.runtime, m.events, m.logger)
		err = s.Start()
		l = s
	case TransportRTU:
		var s *RTUServer
		if shared != nil {
			s, err = shared.Join(cfg, m.runtime, m.events)
		} else {
			s, err = NewRTUServer(cfg, m.openSerial, m.runtime, m.events, m.logger)
			if err == nil {
				err = s.Start()
			}
		}
		l = s
	}
	if err != nil {
		return nil, err
	}

	m.listeners[cfg.Name] = &managed{cfg: cfg, listener: l}
	return l, nil
}

// Stop drains and removes one listener.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	entry, ok := m.listeners[name]
	if ok {
		delete(m.listeners, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrListenerNotFound, name)
	}
	return entry.listener.Stop(ctx)
}

// StopAll drains every listener concurrently. All listeners share ctx.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]Listener, 0, len(m.listeners))
	for name, entry := range m.listeners {
		all = append(all, entry.listener)
		delete(m.listeners, name)
	}
	m.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, l := range all {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			if err := l.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("listener %s: %w", l.Name(), err))
				errMu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Get returns a running listener by name.
func (m *Manager) Get(name string) (Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.listeners[name]
	if !ok {
		return nil, false
	}
	return entry.listener, true
}

// List returns a summary of every listener, ordered by name.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.listeners))
	for _, entry := range m.listeners {
		l := entry.listener
		infos = append(infos, Info{
			Name:      l.Name(),
			Transport: l.Transport(),
			Address:   l.Addr(),
			Serving:   l.Serving(),
			Counters:  l.Counters().Snapshot(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
