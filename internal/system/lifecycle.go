// Package system wires the simulator runtime, its transports and its
// control surfaces into one process and owns their lifecycle.
package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/api/rest"
	"github.com/KevinKickass/OpenModbusSim/internal/api/websocket"
	"github.com/KevinKickass/OpenModbusSim/internal/auth"
	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/interfaces"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/KevinKickass/OpenModbusSim/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	sinkBuffer          = 1024
	healthRefreshPeriod = time.Second
)

// HealthService returns the gRPC health service name of a listener.
func HealthService(listener string) string {
	return "listener/" + listener
}

// Options override parts of the configuration, mostly for tests and the
// serve command.
type Options struct {
	// Scenario replaces config.Scenario.Path when set.
	Scenario *scenario.Scenario
	// GRPCListener is served instead of binding config.Server.GRPCAddr.
	GRPCListener net.Listener
	// SerialOpener replaces the real serial port opener.
	SerialOpener modbus.OpenFunc
}

type LifecycleManager struct {
	config *config.Config
	opts   Options
	logger *zap.Logger

	bus         *events.Bus
	runtime     *simulator.Runtime
	listeners   *modbus.Manager
	authService *auth.AuthService
	wsHub       *websocket.Hub

	scenarios scenario.Store
	postgres  *storage.PostgresClient
	txlog     *storage.TransactionLog

	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server
	grpcAddr   net.Addr

	sinkCancel context.CancelFunc
	pumps      []<-chan struct{}
	hubWG      sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time
	lastErr      error

	statusMu        sync.RWMutex
	statusListeners []chan StatusUpdate

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	startOnce    sync.Once
}

func NewLifecycleManager(cfg *config.Config, opts Options, logger *zap.Logger) (*LifecycleManager, error) {
	authService, err := auth.NewAuthService(cfg.Auth, logger.Named("auth"))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	bus := events.NewBus()
	runtime := simulator.New(logger.Named("runtime"), bus)
	listeners := modbus.NewManager(runtime, bus, logger.Named("modbus"))
	if opts.SerialOpener != nil {
		listeners.SetSerialOpener(opts.SerialOpener)
	}

	return &LifecycleManager{
		config:       cfg,
		opts:         opts,
		logger:       logger,
		bus:          bus,
		runtime:      runtime,
		listeners:    listeners,
		authService:  authService,
		wsHub:        websocket.NewHub(logger.Named("ws")),
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}, nil
}

// Start opens stores, loads the scenario and starts listeners and APIs.
// On failure everything already started is stopped again.
func (lm *LifecycleManager) Start() error {
	err := errors.New("already started")
	lm.startOnce.Do(func() {
		err = lm.start()
	})
	return err
}

func (lm *LifecycleManager) start() error {
	lm.logger.Info("Starting OpenModbusSim")

	fail := func(err error) error {
		lm.setError(err)
		ctx, cancel := context.WithTimeout(context.Background(), lm.shutdownTimeout())
		defer cancel()
		lm.Shutdown(ctx)
		return err
	}

	if err := lm.openStores(); err != nil {
		return fail(err)
	}

	lm.startSinks()

	if err := lm.loadScenario(); err != nil {
		return fail(fmt.Errorf("failed to load scenario: %w", err))
	}

	if err := lm.startListeners(); err != nil {
		return fail(err)
	}

	if err := lm.startGRPCServer(); err != nil {
		return fail(fmt.Errorf("failed to start gRPC: %w", err))
	}

	if err := lm.startRESTServer(); err != nil {
		return fail(fmt.Errorf("failed to start REST API: %w", err))
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()
	if err := lm.setState(StateRunning); err != nil {
		return fail(err)
	}
	lm.refreshHealth()

	lm.logger.Info("System started successfully",
		zap.String("http", lm.restServer.Addr()),
		zap.String("grpc", lm.grpcAddr.String()),
		zap.Int("devices", lm.runtime.DeviceCount()),
		zap.Int("listeners", len(lm.listeners.List())))
	return nil
}

func (lm *LifecycleManager) openStores() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch lm.config.Scenario.Library {
	case "postgres":
		db, err := storage.NewPostgresClient(ctx, lm.config.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		lm.postgres = db
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		lm.scenarios = db
		lm.logger.Info("Scenario library on PostgreSQL")
	case "file", "":
		if lm.config.Scenario.Dir != "" {
			store, err := scenario.NewFileStore(lm.config.Scenario.Dir)
			if err != nil {
				return fmt.Errorf("failed to open scenario directory: %w", err)
			}
			lm.scenarios = store
			lm.logger.Info("Scenario library on disk", zap.String("dir", store.Dir()))
		}
	}

	if path := lm.config.Storage.TransactionLog; path != "" {
		txlog, err := storage.OpenTransactionLog(path, lm.config.Storage.BatchSize, lm.config.Storage.FlushInterval, lm.logger.Named("txlog"))
		if err != nil {
			return fmt.Errorf("failed to open transaction log: %w", err)
		}
		lm.txlog = txlog
	}
	return nil
}

// startSinks subscribes every observer before the first event is
// published.
func (lm *LifecycleManager) startSinks() {
	ctx, cancel := context.WithCancel(context.Background())
	lm.sinkCancel = cancel

	sinks := []events.Sink{events.NewLogSink(lm.logger.Named("events")), lm.wsHub}
	if lm.txlog != nil {
		sinks = append(sinks, lm.txlog)
	}
	for _, sink := range sinks {
		lm.pumps = append(lm.pumps, events.Pump(ctx, lm.bus, sink, sinkBuffer))
	}

	lm.hubWG.Add(1)
	go func() {
		defer lm.hubWG.Done()
		lm.wsHub.Run(ctx)
	}()
}

func (lm *LifecycleManager) loadScenario() error {
	s := lm.opts.Scenario
	if s == nil {
		if path := lm.config.Scenario.Path; path != "" {
			loaded, err := scenario.Load(path)
			if err != nil {
				return err
			}
			s = loaded
		} else {
			s = scenario.Default()
		}
	}
	if err := lm.runtime.ApplyScenario(s, simulator.ModeReplace); err != nil {
		return err
	}
	lm.logger.Info("Scenario loaded",
		zap.String("name", s.Name),
		zap.Int("devices", len(s.Devices)))
	return nil
}

func (lm *LifecycleManager) startListeners() error {
	cfgs := lm.config.Listeners
	if len(cfgs) == 0 {
		cfgs = append(cfgs, config.DefaultListener())
	}
	for _, cfg := range cfgs {
		l, err := lm.listeners.Start(cfg)
		if err != nil {
			return fmt.Errorf("failed to start listener %s: %w", cfg.Name, err)
		}
		lm.logger.Info("Listener started",
			zap.String("listener", l.Name()),
			zap.String("transport", string(l.Transport())),
			zap.String("address", l.Addr()))
	}
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis := lm.opts.GRPCListener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", lm.config.Server.GRPCAddr())
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer()
	lm.health = health.NewServer()
	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	go lm.healthLoop()
	return nil
}

// healthLoop follows listener state, for example a serial port that
// went away.
func (lm *LifecycleManager) healthLoop() {
	ticker := time.NewTicker(healthRefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-lm.shutdownChan:
			return
		case <-ticker.C:
			if lm.State() == StateRunning {
				lm.refreshHealth()
			}
		}
	}
}

func (lm *LifecycleManager) refreshHealth() {
	if lm.health == nil {
		return
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if lm.State() != StateRunning {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	lm.health.SetServingStatus("", overall)
	for _, info := range lm.listeners.List() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if info.Serving {
			status = healthpb.HealthCheckResponse_SERVING
		}
		lm.health.SetServingStatus(HealthService(info.Name), status)
	}
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) shutdownTimeout() time.Duration {
	if d := lm.config.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return 10 * time.Second
}

// Shutdown stops the APIs, drains the listeners and closes the event bus
// and the stores, in that order. Only the first call does any work.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)
		if shutdownErr != nil {
			lm.logger.Warn("Shutdown incomplete", zap.Error(shutdownErr))
		}

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	if lm.health != nil {
		lm.health.Shutdown()
	}

	// 1. Control surfaces
	if lm.restServer != nil {
		if err := lm.restServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
	}
	if lm.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			lm.grpcServer.Stop()
			errs = append(errs, fmt.Errorf("grpc shutdown: %w", ctx.Err()))
		}
	}

	// 2. Transports, in-flight requests are answered
	if err := lm.listeners.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("listener shutdown failed: %w", err))
	}

	// 3. Event flow, sinks drain what is buffered
	lm.bus.Close()
	for _, done := range lm.pumps {
		<-done
	}
	if lm.sinkCancel != nil {
		lm.sinkCancel()
	}
	lm.hubWG.Wait()

	// 4. Stores
	if lm.txlog != nil {
		if err := lm.txlog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transaction log close failed: %w", err))
		}
	}
	if lm.postgres != nil {
		lm.postgres.Close()
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) setState(state SystemState) error {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Rejected state change", zap.Error(err))
		return err
	}
	from := lm.currentState
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.logger.Info("System state changed",
		zap.String("from", from.String()),
		zap.String("to", state.String()))
	lm.broadcastStatus()
	return nil
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	lm.lastErr = err
	lm.stateMu.Unlock()
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state, started := lm.currentState, lm.startedAt
	lm.stateMu.RUnlock()

	list := lm.runtime.ListDevices()
	enabled := 0
	for _, d := range list {
		if d.Enabled {
			enabled++
		}
	}
	listeners := lm.listeners.List()
	serving := 0
	for _, l := range listeners {
		if l.Serving {
			serving++
		}
	}

	status := interfaces.SystemStatus{
		State:            state.String(),
		Scenario:         lm.runtime.ScenarioName(),
		DeviceCount:      len(list),
		EnabledDevices:   enabled,
		Listeners:        len(listeners),
		ServingCount:     serving,
		StartedAt:        started,
		DroppedEvents:    lm.bus.Dropped(),
		WebSocketClients: lm.wsHub.GetClientCount(),
	}
	if !started.IsZero() {
		status.Uptime = time.Since(started)
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.stateMu.RLock()
	update := StatusUpdate{State: lm.currentState, Timestamp: time.Now().Unix()}
	if lm.lastErr != nil {
		update.Error = lm.lastErr.Error()
	}
	lm.stateMu.RUnlock()

	lm.statusMu.RLock()
	defer lm.statusMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- update:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan StatusUpdate {
	ch := make(chan StatusUpdate, 10)

	lm.statusMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.statusMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan StatusUpdate) {
	lm.statusMu.Lock()
	defer lm.statusMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (lm *LifecycleManager) Config() *config.Config { return lm.config }

func (lm *LifecycleManager) Runtime() *simulator.Runtime { return lm.runtime }

func (lm *LifecycleManager) Listeners() *modbus.Manager { return lm.listeners }

func (lm *LifecycleManager) Scenarios() scenario.Store {
	if lm.scenarios == nil {
		return nil
	}
	return lm.scenarios
}

func (lm *LifecycleManager) TransactionLog() *storage.TransactionLog { return lm.txlog }

// HTTPAddr is the bound REST address once started.
func (lm *LifecycleManager) HTTPAddr() string {
	if lm.restServer == nil {
		return ""
	}
	return lm.restServer.Addr()
}

// GRPCAddr is the bound gRPC address once started.
func (lm *LifecycleManager) GRPCAddr() net.Addr { return lm.grpcAddr }
