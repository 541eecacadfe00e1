package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"grid-bot-go/gateway"
	"grid-bot-go/ledger"
)

// fakeGateway 内存撮合桩：测试通过 fill/cancel 直接操纵订单去向。
type fakeGateway struct {
	fee    float64
	open   map[string]gateway.OrderSnapshot
	closed map[string]gateway.OrderSnapshot

	placed       int
	rejectPlace  bool
	placeErrOnce error // 下一次下单返回该错误，但订单仍然落地
	getErr       map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		fee:    0.001,
		open:   make(map[string]gateway.OrderSnapshot),
		closed: make(map[string]gateway.OrderSnapshot),
		getErr: make(map[string]error),
	}
}

func (g *fakeGateway) TradeFee() float64               { return g.fee }
func (g *fakeGateway) BestBid(string) (float64, error) { return 0, nil }
func (g *fakeGateway) BestAsk(string) (float64, error) { return 0, nil }

func (g *fakeGateway) PlaceLimitOrder(symbol, side string, qty, price float64, clientOrderID string) (gateway.OrderSnapshot, error) {
	if g.rejectPlace {
		return gateway.OrderSnapshot{}, &gateway.RejectedError{Code: -1013, Msg: "rejected"}
	}
	if _, ok := g.open[clientOrderID]; ok {
		return gateway.OrderSnapshot{}, &gateway.RejectedError{Code: -2010, Msg: "Duplicate order sent."}
	}
	snap := gateway.OrderSnapshot{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		OrigQty:       qty,
		Status:        gateway.OrderStatusNew,
	}
	g.open[clientOrderID] = snap
	g.placed++
	if g.placeErrOnce != nil {
		err := g.placeErrOnce
		g.placeErrOnce = nil
		return gateway.OrderSnapshot{}, err
	}
	return snap, nil
}

func (g *fakeGateway) GetOrder(symbol, clientOrderID string) (gateway.OrderSnapshot, error) {
	if err, ok := g.getErr[clientOrderID]; ok {
		return gateway.OrderSnapshot{}, err
	}
	if snap, ok := g.open[clientOrderID]; ok {
		return snap, nil
	}
	if snap, ok := g.closed[clientOrderID]; ok {
		return snap, nil
	}
	return gateway.OrderSnapshot{}, gateway.ErrOrderNotFound
}

func (g *fakeGateway) CancelOrder(symbol, clientOrderID string) (gateway.OrderSnapshot, error) {
	snap, ok := g.open[clientOrderID]
	if !ok {
		return gateway.OrderSnapshot{}, gateway.ErrOrderNotFound
	}
	snap.Status = gateway.OrderStatusCanceled
	g.closed[clientOrderID] = snap
	delete(g.open, clientOrderID)
	return snap, nil
}

func (g *fakeGateway) ListOpenOrders(symbol string) ([]gateway.OrderSnapshot, error) {
	out := make([]gateway.OrderSnapshot, 0, len(g.open))
	for _, snap := range g.open {
		out = append(out, snap)
	}
	return out, nil
}

// fill 把挂单标记为全部成交并移出挂单簿。
func (g *fakeGateway) fill(clientOrderID string) {
	snap := g.open[clientOrderID]
	snap.Status = gateway.OrderStatusFilled
	snap.ExecutedQty = snap.OrigQty
	g.closed[clientOrderID] = snap
	delete(g.open, clientOrderID)
}

// cancel 交易所侧撤单。
func (g *fakeGateway) cancel(clientOrderID string) {
	snap := g.open[clientOrderID]
	snap.Status = gateway.OrderStatusCanceled
	g.closed[clientOrderID] = snap
	delete(g.open, clientOrderID)
}

func testParams() Params {
	return Params{
		StrategyID:       "gtest",
		LowBound:         100,
		UpBound:          200,
		TotalCash:        400,
		GridNum:          4,
		TargetSymbol:     "SIM",
		BaseSymbol:       "USDT",
		PriceRoundNum:    2,
		QuantityRoundNum: 4,
	}
}

func newTestRunner(t *testing.T, gw gateway.Client, store ledger.Store) *Runner {
	t.Helper()
	r, err := NewRunner(gw, store, testParams(), nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.SetRetryBackoff(0)
	return r
}

func mustLoad(t *testing.T, store ledger.Store, id string) ledger.Ledger {
	t.Helper()
	led, err := store.Load(id)
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	return led
}

func recordAt(t *testing.T, led ledger.Ledger, side string, level int) ledger.OrderRecord {
	t.Helper()
	for _, od := range led.OpenOrders {
		if od.Side == side && od.LevelIndex == level {
			return od
		}
	}
	t.Fatalf("no %s record at level %d (have %v)", side, level, led.OpenOrders)
	return ledger.OrderRecord{}
}

func TestTickPlacesInitialLadder(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	led := mustLoad(t, store, "gtest")
	if len(led.OpenOrders) != 4 {
		t.Fatalf("ledger has %d records, want 4", len(led.OpenOrders))
	}
	if len(gw.open) != 4 {
		t.Fatalf("exchange has %d orders, want 4", len(gw.open))
	}
	for i := 0; i < 4; i++ {
		od := recordAt(t, led, gateway.SideBuy, i)
		if od.Status != ledger.StatusNew {
			t.Fatalf("level %d status = %s, want NEW", i, od.Status)
		}
		if want := r.buyPrice(i); od.Price != want {
			t.Fatalf("level %d price = %v, want %v", i, od.Price, want)
		}
		wantQty := roundTo(100/r.buyPrice(i), 4)
		if math.Abs(od.Quantity-wantQty) > 1e-9 {
			t.Fatalf("level %d qty = %v, want %v", i, od.Quantity, wantQty)
		}
	}
}

func TestTickIsSteadyStateNoop(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}
	placed := gw.placed
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("steady tick: %v", err)
	}
	if gw.placed != placed {
		t.Fatalf("steady tick placed %d extra orders", gw.placed-placed)
	}
}

func TestBuyFillAdvancesToSell(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}

	buy := recordAt(t, mustLoad(t, store, "gtest"), gateway.SideBuy, 1)
	gw.fill(buy.ClientOrderID)

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	led := mustLoad(t, store, "gtest")
	sell := recordAt(t, led, gateway.SideSell, 2)
	if math.Abs(sell.Quantity-buy.Quantity) > 1e-9 {
		t.Fatalf("sell qty = %v, want buy qty %v", sell.Quantity, buy.Quantity)
	}
	if want := r.sellPrice(2); sell.Price != want {
		t.Fatalf("sell price = %v, want %v", sell.Price, want)
	}
	if led.CumulativeGain != 0 {
		t.Fatalf("gain booked on buy fill: %v", led.CumulativeGain)
	}
	if len(led.OpenOrders) != 4 {
		t.Fatalf("ledger has %d records, want 4", len(led.OpenOrders))
	}
}

func TestSellFillRealizesGain(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}

	buy := recordAt(t, mustLoad(t, store, "gtest"), gateway.SideBuy, 1)
	gw.fill(buy.ClientOrderID)
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick after buy fill: %v", err)
	}
	sell := recordAt(t, mustLoad(t, store, "gtest"), gateway.SideSell, 2)
	gw.fill(sell.ClientOrderID)

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick after sell fill: %v", err)
	}
	led := mustLoad(t, store, "gtest")
	rebuy := recordAt(t, led, gateway.SideBuy, 1)
	if rebuy.ClientOrderID == buy.ClientOrderID {
		t.Fatalf("rebuy reused old client order id")
	}
	wantQty := roundTo(100/r.buyPrice(1), 4)
	if math.Abs(rebuy.Quantity-wantQty) > 1e-9 {
		t.Fatalf("rebuy qty = %v, want %v", rebuy.Quantity, wantQty)
	}
	wantGain := Accountant{Fee: gw.fee}.RoundTrip(r.buyPrice(1), sell.Price, sell.Quantity)
	if math.Abs(led.CumulativeGain-wantGain) > 1e-9 {
		t.Fatalf("gain = %v, want %v", led.CumulativeGain, wantGain)
	}
	if r.Gain() != led.CumulativeGain {
		t.Fatalf("runner gain %v != ledger gain %v", r.Gain(), led.CumulativeGain)
	}
}

func TestCanceledOrderIsReplaced(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}

	old := recordAt(t, mustLoad(t, store, "gtest"), gateway.SideBuy, 2)
	gw.cancel(old.ClientOrderID)

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	led := mustLoad(t, store, "gtest")
	fresh := recordAt(t, led, gateway.SideBuy, 2)
	if fresh.ClientOrderID == old.ClientOrderID {
		t.Fatalf("replacement reused canceled client order id")
	}
	if math.Abs(fresh.Quantity-old.Quantity) > 1e-9 {
		t.Fatalf("replacement qty = %v, want %v", fresh.Quantity, old.Quantity)
	}
	if led.CumulativeGain != 0 {
		t.Fatalf("gain booked on cancel replacement: %v", led.CumulativeGain)
	}
}

func TestRemoteOrphanAbortsTick(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}

	// 带本策略前缀、但账本不认识的远端订单
	orphan := ledger.NewOrderKey("gtest", 9, gateway.SideBuy, 1, 4, time.Now(), 999).Encode()
	gw.open[orphan] = gateway.OrderSnapshot{
		ClientOrderID: orphan,
		Side:          gateway.SideBuy,
		Price:         123,
		OrigQty:       1,
		Status:        gateway.OrderStatusNew,
	}
	before := mustLoad(t, store, "gtest")

	err := r.Tick(ctx)
	if !errors.Is(err, ErrRemoteOrphan) {
		t.Fatalf("err = %v, want ErrRemoteOrphan", err)
	}
	after := mustLoad(t, store, "gtest")
	if len(after.OpenOrders) != len(before.OpenOrders) {
		t.Fatalf("ledger mutated on orphan abort: %d -> %d records", len(before.OpenOrders), len(after.OpenOrders))
	}
	if err := r.CheckRemoteOwnership(); !errors.Is(err, ErrRemoteOrphan) {
		t.Fatalf("ownership check = %v, want ErrRemoteOrphan", err)
	}
}

func TestPlacementExhaustionRecordsErrorAndRetries(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()

	gw.rejectPlace = true
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick with rejections: %v", err)
	}
	led := mustLoad(t, store, "gtest")
	if len(led.OpenOrders) != 4 {
		t.Fatalf("ledger has %d records, want 4", len(led.OpenOrders))
	}
	for _, od := range led.OpenOrders {
		if od.Status != ledger.StatusError {
			t.Fatalf("record %s status = %s, want ERROR", od.ClientOrderID, od.Status)
		}
		if od.Reason == "" {
			t.Fatalf("record %s has no failure reason", od.ClientOrderID)
		}
	}

	// 交易所恢复后，下个 tick 按当前目标价補挂
	gw.rejectPlace = false
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	led = mustLoad(t, store, "gtest")
	for _, od := range led.OpenOrders {
		if od.Status != ledger.StatusNew {
			t.Fatalf("record %s status = %s, want NEW after recovery", od.ClientOrderID, od.Status)
		}
	}
	if len(gw.open) != 4 {
		t.Fatalf("exchange has %d orders, want 4", len(gw.open))
	}
}

func TestPlacementIsIdempotentWhenOrderLanded(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)

	// 下单调用报错但订单实际落地：存在性轮询必须认领它，
	// 而不是换个 id 再下一张
	gw.placeErrOnce = gateway.Transientf("connection reset")
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	led := mustLoad(t, store, "gtest")
	for _, od := range led.OpenOrders {
		if od.Status != ledger.StatusNew {
			t.Fatalf("record %s status = %s, want NEW", od.ClientOrderID, od.Status)
		}
	}
	if len(gw.open) != 4 {
		t.Fatalf("exchange has %d orders, want 4", len(gw.open))
	}
}

func TestUnresolvedFillAbortsTickThenConverges(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}

	buy := recordAt(t, mustLoad(t, store, "gtest"), gateway.SideBuy, 1)
	gw.fill(buy.ClientOrderID)
	// 订单已离场，但查询一直瞬时失败：确认预算耗尽，本轮放弃
	gw.getErr[buy.ClientOrderID] = gateway.Transientf("timeout")

	if err := r.Tick(ctx); err == nil {
		t.Fatalf("want confirm exhaustion error, got nil")
	}
	led := mustLoad(t, store, "gtest")
	if len(led.OpenOrders) != 4 {
		t.Fatalf("ledger has %d records after abort, want 4 untouched", len(led.OpenOrders))
	}

	// 查询恢复后收敛：买单成交推进为上一档卖单
	delete(gw.getErr, buy.ClientOrderID)
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	recordAt(t, mustLoad(t, store, "gtest"), gateway.SideSell, 2)
}

func TestHoleRepair(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}

	// 模拟历史缺口：档位 2 在账本和交易所都没有订单
	led := mustLoad(t, store, "gtest")
	gone := recordAt(t, led, gateway.SideBuy, 2)
	kept := led.OpenOrders[:0]
	for _, od := range led.OpenOrders {
		if od.ClientOrderID != gone.ClientOrderID {
			kept = append(kept, od)
		}
	}
	led.OpenOrders = kept
	if err := store.Save(led); err != nil {
		t.Fatalf("save: %v", err)
	}
	delete(gw.open, gone.ClientOrderID)

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	led = mustLoad(t, store, "gtest")
	if len(led.OpenOrders) != 4 {
		t.Fatalf("ledger has %d records, want 4 after repair", len(led.OpenOrders))
	}
	repaired := recordAt(t, led, gateway.SideBuy, 2)
	if repaired.ClientOrderID == gone.ClientOrderID {
		t.Fatalf("repair reused removed client order id")
	}
}

func TestSellCoverageCountsAsNoHole(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}

	// 档位 1 的买单成交后由档位 2 的卖单占位，不算缺口
	buy := recordAt(t, mustLoad(t, store, "gtest"), gateway.SideBuy, 1)
	gw.fill(buy.ClientOrderID)
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick after fill: %v", err)
	}

	// 再制造一个真缺口（档位 3），触发补单扫描
	led := mustLoad(t, store, "gtest")
	gone := recordAt(t, led, gateway.SideBuy, 3)
	kept := led.OpenOrders[:0]
	for _, od := range led.OpenOrders {
		if od.ClientOrderID != gone.ClientOrderID {
			kept = append(kept, od)
		}
	}
	led.OpenOrders = kept
	if err := store.Save(led); err != nil {
		t.Fatalf("save: %v", err)
	}
	delete(gw.open, gone.ClientOrderID)

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("repair tick: %v", err)
	}
	led = mustLoad(t, store, "gtest")
	if len(led.OpenOrders) != 4 {
		t.Fatalf("ledger has %d records, want 4", len(led.OpenOrders))
	}
	// 档位 3 被修补，档位 1 仍由档位 2 的卖单占位
	recordAt(t, led, gateway.SideBuy, 3)
	for _, od := range led.OpenOrders {
		if od.Side == gateway.SideBuy && od.LevelIndex == 1 {
			t.Fatalf("hole repair double-placed at sell-covered level 1")
		}
	}
}

func TestQuitAllPreservesGain(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}
	led := mustLoad(t, store, "gtest")
	led.CumulativeGain = 5.25
	if err := store.Save(led); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := r.QuitAll(ctx); err != nil {
		t.Fatalf("QuitAll: %v", err)
	}
	if len(gw.open) != 0 {
		t.Fatalf("exchange still has %d open orders", len(gw.open))
	}
	led = mustLoad(t, store, "gtest")
	if len(led.OpenOrders) != 0 {
		t.Fatalf("ledger still has %d records", len(led.OpenOrders))
	}
	if led.CumulativeGain != 5.25 {
		t.Fatalf("cumulative gain = %v, want 5.25 preserved", led.CumulativeGain)
	}
}

func TestCrashResumeFromPersistedLedger(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()
	r := newTestRunner(t, gw, store)
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}
	buy := recordAt(t, mustLoad(t, store, "gtest"), gateway.SideBuy, 0)
	gw.fill(buy.ClientOrderID)

	// 进程重启：同一个 store，全新 Runner
	r2 := newTestRunner(t, gw, store)
	if err := r2.CheckRemoteOwnership(); err != nil {
		t.Fatalf("ownership check after restart: %v", err)
	}
	if err := r2.Tick(ctx); err != nil {
		t.Fatalf("Tick after restart: %v", err)
	}
	recordAt(t, mustLoad(t, store, "gtest"), gateway.SideSell, 1)
}

func TestNewRunnerRejectsBadParams(t *testing.T) {
	gw := newFakeGateway()
	store := ledger.NewMemStore()

	p := testParams()
	p.StrategyID = "has_underscore"
	if _, err := NewRunner(gw, store, p, nil); err == nil {
		t.Fatalf("underscore strategy id accepted")
	}

	p = testParams()
	p.TotalCash = 0
	if _, err := NewRunner(gw, store, p, nil); err == nil {
		t.Fatalf("zero cash accepted")
	}

	p = testParams()
	p.GridNum = 500 // 档距过不了费率护栏
	if _, err := NewRunner(gw, store, p, nil); err == nil {
		t.Fatalf("crowded grid accepted")
	}
}
