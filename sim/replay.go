package sim

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"grid-bot-go/gateway"
)

// DefaultSimFee 回放撮合的默认费率，对齐现货 BNB 抵扣后的档位。
const DefaultSimFee = 0.00075

type tapeTick struct {
	ts  int64
	ask float64
	bid float64
}

// ReplayGateway 实现 gateway.Client 的逐 tick 回放撮合器。
// 行情磁带每行 "ts ask bid"；每次 Step 推进一个 tick 并撮合挂单：
// 卖单价低于当前 ask 视为成交，买单价高于当前 bid 视为成交。
// 全部调用都是同步内存操作，没有瞬时故障路径。
type ReplayGateway struct {
	fee   float64
	ticks []tapeTick
	pos   int

	open   map[string]gateway.OrderSnapshot
	closed map[string]gateway.OrderSnapshot

	cash  float64
	asset float64
}

// NewReplayGateway fee<=0 时取 DefaultSimFee。
func NewReplayGateway(fee float64) *ReplayGateway {
	if fee <= 0 {
		fee = DefaultSimFee
	}
	return &ReplayGateway{
		fee:    fee,
		pos:    -1,
		open:   make(map[string]gateway.OrderSnapshot),
		closed: make(map[string]gateway.OrderSnapshot),
	}
}

// LoadTape 加载行情磁带。maxLines>0 时只取前若干行；
// 空行跳过，格式错误的行直接报错而不是静默丢弃。
func (g *ReplayGateway) LoadTape(path string, maxLines int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tape: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		lineNo++
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return fmt.Errorf("tape line %d: want \"ts ask bid\", got %q", lineNo, line)
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return fmt.Errorf("tape line %d: bad timestamp: %w", lineNo, err)
		}
		ask, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("tape line %d: bad ask: %w", lineNo, err)
		}
		bid, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("tape line %d: bad bid: %w", lineNo, err)
		}
		g.ticks = append(g.ticks, tapeTick{ts: ts, ask: ask, bid: bid})
		if maxLines > 0 && len(g.ticks) >= maxLines {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read tape: %w", err)
	}
	if len(g.ticks) == 0 {
		return fmt.Errorf("tape %s is empty", path)
	}
	return nil
}

// Fork 共享磁带、清零撮合状态的新实例，参数扫描用。
func (g *ReplayGateway) Fork() *ReplayGateway {
	out := NewReplayGateway(g.fee)
	out.ticks = g.ticks
	return out
}

// PushTick 直接注入一个 tick，测试用。
func (g *ReplayGateway) PushTick(ts int64, ask, bid float64) {
	g.ticks = append(g.ticks, tapeTick{ts: ts, ask: ask, bid: bid})
}

// Step 推进到下一个 tick 并撮合；磁带耗尽返回 false。
func (g *ReplayGateway) Step() bool {
	if g.pos+1 >= len(g.ticks) {
		return false
	}
	g.pos++
	t := g.ticks[g.pos]
	for id, snap := range g.open {
		switch {
		case snap.Side == gateway.SideSell && snap.Price < t.ask:
			g.asset -= snap.OrigQty
			g.cash += snap.Price * snap.OrigQty * (1 - g.fee)
		case snap.Side == gateway.SideBuy && snap.Price > t.bid:
			g.asset += snap.OrigQty
			g.cash -= snap.Price * snap.OrigQty * (1 + g.fee)
		default:
			continue
		}
		snap.Status = gateway.OrderStatusFilled
		snap.ExecutedQty = snap.OrigQty
		g.closed[id] = snap
		delete(g.open, id)
	}
	return true
}

// Len 磁带长度。
func (g *ReplayGateway) Len() int { return len(g.ticks) }

// Cash 已实现的计价货币净流（买花钱、卖回款，含手续费）。
func (g *ReplayGateway) Cash() float64 { return g.cash }

// Asset 当前持有的标的数量。
func (g *ReplayGateway) Asset() float64 { return g.asset }

func (g *ReplayGateway) TradeFee() float64 { return g.fee }

func (g *ReplayGateway) BestBid(symbol string) (float64, error) {
	if g.pos < 0 {
		return 0, fmt.Errorf("no tick loaded yet")
	}
	return g.ticks[g.pos].bid, nil
}

func (g *ReplayGateway) BestAsk(symbol string) (float64, error) {
	if g.pos < 0 {
		return 0, fmt.Errorf("no tick loaded yet")
	}
	return g.ticks[g.pos].ask, nil
}

func (g *ReplayGateway) PlaceLimitOrder(symbol, side string, qty, price float64, clientOrderID string) (gateway.OrderSnapshot, error) {
	if _, ok := g.open[clientOrderID]; ok {
		return gateway.OrderSnapshot{}, &gateway.RejectedError{Code: -2010, Msg: "Duplicate order sent."}
	}
	if _, ok := g.closed[clientOrderID]; ok {
		return gateway.OrderSnapshot{}, &gateway.RejectedError{Code: -2010, Msg: "Duplicate order sent."}
	}
	if qty <= 0 || price <= 0 {
		return gateway.OrderSnapshot{}, &gateway.RejectedError{Code: -1013, Msg: "Invalid quantity or price."}
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
	return snap, nil
}

func (g *ReplayGateway) GetOrder(symbol, clientOrderID string) (gateway.OrderSnapshot, error) {
	if snap, ok := g.open[clientOrderID]; ok {
		return snap, nil
	}
	if snap, ok := g.closed[clientOrderID]; ok {
		return snap, nil
	}
	return gateway.OrderSnapshot{}, gateway.ErrOrderNotFound
}

func (g *ReplayGateway) CancelOrder(symbol, clientOrderID string) (gateway.OrderSnapshot, error) {
	snap, ok := g.open[clientOrderID]
	if !ok {
		return gateway.OrderSnapshot{}, gateway.ErrOrderNotFound
	}
	snap.Status = gateway.OrderStatusCanceled
	g.closed[clientOrderID] = snap
	delete(g.open, clientOrderID)
	return snap, nil
}

func (g *ReplayGateway) ListOpenOrders(symbol string) ([]gateway.OrderSnapshot, error) {
	out := make([]gateway.OrderSnapshot, 0, len(g.open))
	for _, snap := range g.open {
		out = append(out, snap)
	}
	return out, nil
}
