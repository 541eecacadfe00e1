package strategy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Instance 驱动器调度的策略实例。
type Instance interface {
	ID() string
	Tick(ctx context.Context) error
	QuitAll(ctx context.Context) error
	Gain() float64
}

const defaultReportInterval = 10 * time.Second

// Driver 单 goroutine 轮询一组策略实例：同一实例的 tick 永不并发，
// 单个实例出错或 panic 不影响其余实例。
type Driver struct {
	interval time.Duration
	report   time.Duration
	log      *zap.Logger

	mu        sync.Mutex
	instances []Instance
	quitting  map[string]bool

	bestGain map[string]float64
}

// NewDriver interval 是相邻两轮全量 tick 的间隔。
func NewDriver(log *zap.Logger, interval time.Duration) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		interval: interval,
		report:   defaultReportInterval,
		log:      log,
		quitting: make(map[string]bool),
		bestGain: make(map[string]float64),
	}
}

// Add 注册一个实例。Run 之前或运行中调用均可。
func (d *Driver) Add(inst Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances = append(d.instances, inst)
}

// RequestQuit 请求某实例在下一轮退出：撤掉全部挂单并停止调度。
// 未注册的 id 静默忽略。
func (d *Driver) RequestQuit(strategyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quitting[strategyID] = true
}

// Run 阻塞轮询直到 ctx 取消。取消后不再发起新 tick，
// 已开始的 tick 自己观察 ctx 收尾。
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	reporter := time.NewTicker(d.report)
	defer reporter.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reporter.C:
			d.reportGains()
		case <-ticker.C:
			d.step(ctx)
		}
	}
}

func (d *Driver) step(ctx context.Context) {
	d.mu.Lock()
	insts := append([]Instance(nil), d.instances...)
	d.mu.Unlock()
	for _, inst := range insts {
		if ctx.Err() != nil {
			return
		}
		if d.shouldQuit(inst.ID()) {
			d.quit(ctx, inst)
			continue
		}
		d.safeTick(ctx, inst)
	}
}

func (d *Driver) shouldQuit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quitting[id]
}

func (d *Driver) quit(ctx context.Context, inst Instance) {
	if err := inst.QuitAll(ctx); err != nil {
		// 留在退出队列里，下一轮重试
		d.log.Error("quit failed, will retry", zap.String("strategy", inst.ID()), zap.Error(err))
		return
	}
	d.log.Info("strategy quit, all orders canceled",
		zap.String("strategy", inst.ID()),
		zap.Float64("cumulativeGain", inst.Gain()))
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.instances {
		if cur.ID() == inst.ID() {
			d.instances = append(d.instances[:i], d.instances[i+1:]...)
			break
		}
	}
	delete(d.quitting, inst.ID())
}

// safeTick 把 panic 限制在单个实例的单轮 tick 里。
func (d *Driver) safeTick(ctx context.Context, inst Instance) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("tick panicked", zap.String("strategy", inst.ID()), zap.Any("panic", rec))
		}
	}()
	if err := inst.Tick(ctx); err != nil {
		d.log.Error("tick failed", zap.String("strategy", inst.ID()), zap.Error(err))
	}
}

// reportGains 收益有改善时播报一次，避免刷屏。
func (d *Driver) reportGains() {
	d.mu.Lock()
	insts := append([]Instance(nil), d.instances...)
	d.mu.Unlock()
	for _, inst := range insts {
		gain := inst.Gain()
		if best, ok := d.bestGain[inst.ID()]; ok && gain <= best {
			continue
		}
		d.bestGain[inst.ID()] = gain
		d.log.Info("cumulative gain", zap.String("strategy", inst.ID()), zap.Float64("gain", gain))
	}
}

// Len 当前注册的实例数。
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances)
}
