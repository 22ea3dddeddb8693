package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"go.uber.org/zap"
)

// Reader is the part of Client the poller needs.
type Reader interface {
	Read(ctx context.Context, unitID uint8, t types.RegisterType, startAddr, quantity uint16) ([]uint16, error)
}

// PollTarget is a register range on a remote unit.
type PollTarget struct {
	UnitID   uint8
	Type     types.RegisterType
	Address  uint16
	Quantity uint16
}

// Sample is the result of one poll.
type Sample struct {
	Time    time.Time
	Values  []uint16
	Err     error
	Latency time.Duration
}

// Poller reads one target at a fixed interval and hands every sample to
// a callback.
type Poller struct {
	reader   Reader
	target   PollTarget
	interval time.Duration
	onSample func(Sample)
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewPoller(reader Reader, target PollTarget, interval time.Duration, onSample func(Sample), logger *zap.Logger) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		reader:   reader,
		target:   target,
		interval: interval,
		onSample: onSample,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins polling. The first poll runs immediately.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Info("Poller started",
		zap.Uint8("unit_id", p.target.UnitID),
		zap.String("register_type", string(p.target.Type)),
		zap.Uint16("address", p.target.Address),
		zap.Duration("interval", p.interval))

	return nil
}

// Stop aborts an in-flight read and waits for the loop to exit. A stopped
// poller cannot be restarted.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.logger.Info("Poller stopped", zap.Uint8("unit_id", p.target.UnitID))
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(p.ctx, p.interval)
	defer cancel()

	start := time.Now()
	values, err := p.reader.Read(ctx, p.target.UnitID, p.target.Type, p.target.Address, p.target.Quantity)
	if p.ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Debug("Poll failed",
			zap.Uint8("unit_id", p.target.UnitID),
			zap.Uint16("address", p.target.Address),
			zap.Error(err))
	}
	if p.onSample != nil {
		p.onSample(Sample{Time: start, Values: values, Err: err, Latency: time.Since(start)})
	}
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
