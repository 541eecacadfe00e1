package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"grid-bot-go/gateway"
	"grid-bot-go/ledger"
	"grid-bot-go/metrics"
)

const (
	// placeAttempts 单次逻辑下单的重试预算（同一个 clientOrderId 复用）。
	placeAttempts = 10
	// confirmAttempts 订单存在性/成交确认的轮询预算。
	confirmAttempts = 10
	// defaultRetryBackoff 重试间固定退避；回测时可调零。
	defaultRetryBackoff = 100 * time.Millisecond
)

// ErrRemoteOrphan 交易所上有带本策略前缀、但账本不认识的订单。
// 这说明别处有 bug 或丢失了崩溃恢复窗口，自动撤掉或收编都可能
// 动到别人的仓位，必须交给操作员人工对账。
var ErrRemoteOrphan = errors.New("remote order not owned by local ledger")

// Params 单个策略实例的全部参数（见 config.StrategyConfig）。
type Params struct {
	StrategyID       string
	LowBound         float64
	UpBound          float64
	TotalCash        float64
	GridNum          int
	TargetSymbol     string
	BaseSymbol       string
	PriceRoundNum    int
	QuantityRoundNum int
	SellGreedyX      float64
	BuyGreedyX       float64
	GridMode         GridMode
}

// Runner 网格策略的对账引擎。每个 tick 读账本、查交易所、
// 对两边视图求差，把阶梯推回满挂状态。
//
// 调用方保证同一实例的 Tick 串行执行；实例之间不共享可变状态。
type Runner struct {
	params       Params
	symbol       string
	gw           gateway.Client
	store        ledger.Store
	log          *zap.Logger
	ladder       *Ladder
	acct         Accountant
	cashPerLevel float64

	// 同秒多次下单靠它区分；tick 串行，无需加锁
	counter uint64
	backoff time.Duration

	lastGain float64
}

// NewRunner 构造实例：铺设阶梯（含费率护栏）、加载账本、
// 执行启动期归属检查。任何一步失败都拒绝启动。
func NewRunner(gw gateway.Client, store ledger.Store, p Params, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if p.StrategyID == "" {
		return nil, configErrf("strategy id is required")
	}
	if strings.ContainsRune(p.StrategyID, '_') {
		// 下划线是 clientOrderId 的字段分隔符
		return nil, configErrf("strategy id %q must not contain underscores", p.StrategyID)
	}
	if p.TotalCash <= 0 {
		return nil, configErrf("total cash %v must be > 0", p.TotalCash)
	}
	if p.TargetSymbol == "" || p.BaseSymbol == "" {
		return nil, configErrf("target/base symbol is required")
	}
	if p.SellGreedyX == 0 {
		p.SellGreedyX = 1.0
	}
	if p.BuyGreedyX == 0 {
		p.BuyGreedyX = 1.0
	}
	if p.GridMode == "" {
		p.GridMode = GridModeEqualPercent
	}
	lad, err := BuildLadder(LadderParams{
		LowBound:      p.LowBound,
		UpBound:       p.UpBound,
		GridNum:       p.GridNum,
		PriceRoundNum: p.PriceRoundNum,
		Mode:          p.GridMode,
		TradeFee:      gw.TradeFee(),
	})
	if err != nil {
		return nil, err
	}
	symbol := p.TargetSymbol + p.BaseSymbol
	r := &Runner{
		params:       p,
		symbol:       symbol,
		gw:           gw,
		store:        store,
		log:          log.With(zap.String("strategy", p.StrategyID), zap.String("symbol", symbol)),
		ladder:       lad,
		acct:         Accountant{Fee: gw.TradeFee()},
		cashPerLevel: p.TotalCash / float64(p.GridNum),
		backoff:      defaultRetryBackoff,
	}
	led, err := r.store.Load(p.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	r.lastGain = led.CumulativeGain
	return r, nil
}

// ID 策略标识。
func (r *Runner) ID() string { return r.params.StrategyID }

// Gain 最近一次观察到的累计已实现收益。
func (r *Runner) Gain() float64 { return r.lastGain }

// SetRetryBackoff 调整重试退避；回测置零可全速回放。
func (r *Runner) SetRetryBackoff(d time.Duration) { r.backoff = d }

// Tick 执行一轮对账。出错时 tick 整体放弃，由下一轮收敛；
// 每次账本变更都已落盘，崩溃在任意下单之间都不会丢状态。
func (r *Runner) Tick(ctx context.Context) error {
	if err := r.tick(ctx); err != nil {
		metrics.TickErrors.WithLabelValues(r.params.StrategyID).Inc()
		return err
	}
	metrics.TicksTotal.WithLabelValues(r.params.StrategyID).Inc()
	return nil
}

func (r *Runner) tick(ctx context.Context) error {
	led, err := r.store.Load(r.params.StrategyID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	r.lastGain = led.CumulativeGain
	remote, err := r.listOwnOrders()
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	if len(led.OpenOrders) == 0 {
		if len(remote) > 0 {
			return fmt.Errorf("%w: %d tagged orders on exchange but ledger is empty", ErrRemoteOrphan, len(remote))
		}
		return r.placeInitialLadder(ctx, &led)
	}

	local := led.IDSet()
	remoteIDs := make(map[string]struct{}, len(remote))
	var orphans []string
	for _, snap := range remote {
		remoteIDs[snap.ClientOrderID] = struct{}{}
		if _, ok := local[snap.ClientOrderID]; !ok {
			orphans = append(orphans, snap.ClientOrderID)
		}
	}
	if len(orphans) > 0 {
		r.log.Error("remote orders not in local ledger, refusing to touch them",
			zap.Strings("clientOrderIds", orphans))
		return fmt.Errorf("%w: %v", ErrRemoteOrphan, orphans)
	}

	localOnly := false
	for id := range local {
		if _, ok := remoteIDs[id]; !ok {
			localOnly = true
			break
		}
	}
	if localOnly {
		return r.reconcile(ctx, led, remoteIDs)
	}
	return r.repairHoles(ctx, &led)
}

// placeInitialLadder 首次运行：每一档挂一张买单铺满阶梯。
func (r *Runner) placeInitialLadder(ctx context.Context, led *ledger.Ledger) error {
	r.log.Info("placing initial ladder", zap.Int("gridNum", r.params.GridNum))
	for i := 0; i < r.params.GridNum; i++ {
		price := r.buyPrice(i)
		qty := roundTo(r.cashPerLevel/price, r.params.QuantityRoundNum)
		rec := r.placeOrder(ctx, gateway.SideBuy, qty, price, i)
		led.OpenOrders = append(led.OpenOrders, rec)
		if err := r.store.Save(*led); err != nil {
			return fmt.Errorf("persist ledger: %w", err)
		}
	}
	r.updateGauges(led)
	return nil
}

// reconcile 处理账本有、交易所没有的订单：判定成交还是撤销，
// 然后補挂或推进到相邻档位。每一步都立即落盘。
func (r *Runner) reconcile(ctx context.Context, led ledger.Ledger, remoteIDs map[string]struct{}) error {
	pending := led.OpenOrders
	next := make([]ledger.OrderRecord, 0, len(pending))
	persist := func(i int) error {
		led.OpenOrders = append(append([]ledger.OrderRecord{}, next...), pending[i+1:]...)
		return r.store.Save(led)
	}
	for i, od := range pending {
		if _, ok := remoteIDs[od.ClientOrderID]; ok {
			next = append(next, od)
			continue
		}
		r.log.Info("order left the book",
			zap.String("clientOrderId", od.ClientOrderID),
			zap.String("side", od.Side),
			zap.Int("level", od.LevelIndex),
			zap.String("status", string(od.Status)))

		filled := false
		if !od.Failed() {
			var err error
			filled, err = r.confirmFilled(ctx, od.ClientOrderID)
			if err != nil {
				// 确认预算耗尽：把已处理和未处理的记录原样落盘，
				// 下一个 tick 从当前进度继续
				if perr := persist(i - 1); perr != nil {
					r.log.Error("persist before abort failed", zap.Error(perr))
				}
				return err
			}
		}
		switch {
		case !filled:
			// 下单失败或被撤：同一档位同数量補挂，价格取当前目标价
			price := r.buyPrice(od.LevelIndex)
			if od.Side == gateway.SideSell {
				price = r.sellPrice(od.LevelIndex)
			}
			qty := roundTo(od.Quantity, r.params.QuantityRoundNum)
			next = append(next, r.placeOrder(ctx, od.Side, qty, price, od.LevelIndex))
		case od.Side == gateway.SideBuy:
			// 买单成交：上一档挂出等量卖单，等待收割
			sellLevel := od.LevelIndex + 1
			next = append(next, r.placeOrder(ctx, gateway.SideSell, od.Quantity, r.sellPrice(sellLevel), sellLevel))
		default:
			// 卖单成交：下一档重新买入，并确认一次往返收益
			buyLevel := od.LevelIndex - 1
			buyPrice := r.buyPrice(buyLevel)
			qty := roundTo(r.cashPerLevel/buyPrice, r.params.QuantityRoundNum)
			next = append(next, r.placeOrder(ctx, gateway.SideBuy, qty, buyPrice, buyLevel))
			gain := r.acct.RoundTrip(buyPrice, od.Price, od.Quantity)
			led.CumulativeGain += gain
			r.lastGain = led.CumulativeGain
			metrics.RoundTrips.WithLabelValues(r.params.StrategyID).Inc()
			r.log.Info("realized gain",
				zap.Float64("gain", gain),
				zap.Float64("cumulative", led.CumulativeGain),
				zap.Float64("sellPrice", od.Price),
				zap.Float64("buyPrice", buyPrice),
				zap.Float64("quantity", od.Quantity))
		}
		if err := persist(i); err != nil {
			return fmt.Errorf("persist ledger: %w", err)
		}
	}
	led.OpenOrders = next
	if err := r.store.Save(led); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return r.repairHoles(ctx, &led)
}

// repairHoles 修补阶梯空洞：档位 i 既没有买单、i+1 也没有卖单时，
// 在 i 补一张新买单。ERROR 记录视为占位——它们由对账路径負責重试，
// 这里再补会在恢复后造成重复挂单。
func (r *Runner) repairHoles(ctx context.Context, led *ledger.Ledger) error {
	if len(led.OpenOrders) == r.params.GridNum {
		r.updateGauges(led)
		return nil
	}
	buyAt := make(map[int]bool)
	sellAt := make(map[int]bool)
	for _, od := range led.OpenOrders {
		if od.Side == gateway.SideBuy {
			buyAt[od.LevelIndex] = true
		} else {
			sellAt[od.LevelIndex] = true
		}
	}
	for i := 0; i < r.params.GridNum; i++ {
		if buyAt[i] || sellAt[i+1] {
			continue
		}
		price := r.buyPrice(i)
		qty := roundTo(r.cashPerLevel/price, r.params.QuantityRoundNum)
		r.log.Info("repairing ladder hole", zap.Int("level", i), zap.Float64("price", price))
		led.OpenOrders = append(led.OpenOrders, r.placeOrder(ctx, gateway.SideBuy, qty, price, i))
		if err := r.store.Save(*led); err != nil {
			return fmt.Errorf("persist ledger: %w", err)
		}
	}
	r.updateGauges(led)
	return nil
}

// confirmFilled 判定离场订单的去向。交易所明确回答“不存在/非法”
// 视为已撤；瞬时故障在预算内重查；预算耗尽则放弃本轮 tick。
func (r *Runner) confirmFilled(ctx context.Context, clientOrderID string) (bool, error) {
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		snap, err := r.gw.GetOrder(r.symbol, clientOrderID)
		if err != nil {
			if gateway.IsNotFound(err) || gateway.IsRejected(err) {
				return false, nil
			}
			r.sleep(ctx)
			continue
		}
		if snap.Filled() {
			return true, nil
		}
		switch snap.Status {
		case gateway.OrderStatusCanceled, gateway.OrderStatusExpired:
			return false, nil
		}
		// 回报滞后：挂单列表里已消失但查询还是 NEW，稍候重查
		r.sleep(ctx)
	}
	return false, fmt.Errorf("order %s outcome unresolved after %d attempts", clientOrderID, confirmAttempts)
}

// placeOrder 幂等下单：clientOrderId 铸造一次、整个重试循环复用。
// 下单调用失败后仍做存在性轮询——订单可能已经落地，重新提交同一个
// id 不会产生第二张挂单。预算耗尽时返回 ERROR 记录等下个 tick 補挂。
func (r *Runner) placeOrder(ctx context.Context, side string, qty, price float64, level int) ledger.OrderRecord {
	now := time.Now()
	r.counter++
	key := ledger.NewOrderKey(r.params.StrategyID, level, side, qty, r.params.QuantityRoundNum, now, r.counter)
	clientOrderID := key.Encode()
	rec := ledger.OrderRecord{
		ClientOrderID: clientOrderID,
		Side:          side,
		LevelIndex:    level,
		Quantity:      qty,
		Price:         price,
		PlacedAt:      now,
		Status:        ledger.StatusNew,
	}
	r.log.Info("placing order",
		zap.String("side", side),
		zap.Float64("quantity", qty),
		zap.Float64("price", price),
		zap.Int("level", level),
		zap.String("clientOrderId", clientOrderID))

	var lastErr error
	for attempt := 0; attempt < placeAttempts; attempt++ {
		if attempt > 0 {
			metrics.PlacementRetries.WithLabelValues(r.params.StrategyID).Inc()
			r.sleep(ctx)
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		_, placeErr := r.gw.PlaceLimitOrder(r.symbol, side, qty, price, clientOrderID)
		if placeErr != nil {
			lastErr = placeErr
		}
		if r.orderExists(ctx, clientOrderID) {
			metrics.OrdersPlaced.WithLabelValues(r.params.StrategyID, side).Inc()
			return rec
		}
		if placeErr != nil && gateway.IsRejected(placeErr) {
			// 交易所业务拒绝：同参数重试无意义，等对账路径在
			// 下个 tick 按当前目标价補挂
			break
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("order %s not visible after placement", clientOrderID)
		}
	}
	rec.Status = ledger.StatusError
	rec.Reason = lastErr.Error()
	metrics.OrderErrors.WithLabelValues(r.params.StrategyID, side).Inc()
	r.log.Error("placement exhausted retry budget",
		zap.String("clientOrderId", clientOrderID),
		zap.Error(lastErr))
	return rec
}

// orderExists 按 clientOrderId 轮询订单是否已在交易所落地。
func (r *Runner) orderExists(ctx context.Context, clientOrderID string) bool {
	for poll := 0; poll < confirmAttempts; poll++ {
		snap, err := r.gw.GetOrder(r.symbol, clientOrderID)
		if err == nil && snap.ClientOrderID == clientOrderID {
			return true
		}
		if err != nil && gateway.IsRejected(err) {
			return false
		}
		r.sleep(ctx)
	}
	return false
}

// QuitAll 终态一次性操作：撤掉交易所上全部带本策略前缀的订单，
// 清空账本（保留累计收益）。“订单已不存在”视为撤单成功。
func (r *Runner) QuitAll(ctx context.Context) error {
	led, err := r.store.Load(r.params.StrategyID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	remote, err := r.listOwnOrders()
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, snap := range remote {
		if err := r.cancelWithRetry(ctx, snap.ClientOrderID); err != nil {
			return err
		}
		metrics.OrdersCanceled.WithLabelValues(r.params.StrategyID).Inc()
		r.log.Info("canceled order", zap.String("clientOrderId", snap.ClientOrderID))
	}
	led.OpenOrders = nil
	if err := r.store.Save(led); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	r.updateGauges(&led)
	return nil
}

func (r *Runner) cancelWithRetry(ctx context.Context, clientOrderID string) error {
	var lastErr error
	for attempt := 0; attempt < placeAttempts; attempt++ {
		_, err := r.gw.CancelOrder(r.symbol, clientOrderID)
		if err == nil || gateway.IsNotFound(err) {
			return nil
		}
		lastErr = err
		r.sleep(ctx)
	}
	return fmt.Errorf("cancel %s: %w", clientOrderID, lastErr)
}

// listOwnOrders 全量挂单按 id 前缀过滤出本策略实例铸造的。
func (r *Runner) listOwnOrders() ([]gateway.OrderSnapshot, error) {
	all, err := r.gw.ListOpenOrders(r.symbol)
	if err != nil {
		return nil, err
	}
	own := all[:0:0]
	for _, snap := range all {
		if ledger.BelongsTo(snap.ClientOrderID, r.params.StrategyID) {
			own = append(own, snap)
		}
	}
	return own, nil
}

// CheckRemoteOwnership 启动期一致性检查：交易所上带前缀的订单
// 必须都能在账本里找到。退出路径不做这个检查——QuitAll 本来就要
// 撤掉全部带前缀的订单。
func (r *Runner) CheckRemoteOwnership() error {
	led, err := r.store.Load(r.params.StrategyID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	remote, err := r.listOwnOrders()
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	local := led.IDSet()
	var orphans []string
	for _, snap := range remote {
		if _, ok := local[snap.ClientOrderID]; !ok {
			orphans = append(orphans, snap.ClientOrderID)
		}
	}
	if len(orphans) > 0 {
		r.log.Error("startup ownership check failed", zap.Strings("clientOrderIds", orphans))
		return fmt.Errorf("%w: %v", ErrRemoteOrphan, orphans)
	}
	return nil
}

func (r *Runner) buyPrice(level int) float64 {
	return r.ladder.BuyPrice(level, r.params.BuyGreedyX)
}

func (r *Runner) sellPrice(level int) float64 {
	return r.ladder.SellPrice(level, r.params.SellGreedyX)
}

func (r *Runner) updateGauges(led *ledger.Ledger) {
	metrics.OpenOrders.WithLabelValues(r.params.StrategyID).Set(float64(len(led.OpenOrders)))
	metrics.CumulativeGain.WithLabelValues(r.params.StrategyID).Set(led.CumulativeGain)
}

func (r *Runner) sleep(ctx context.Context) {
	if r.backoff <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.backoff):
	}
}
