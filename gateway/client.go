package gateway

// 订单方向。
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// 交易所侧订单状态（Binance 语义）。
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// OrderSnapshot 交易所视角的订单快照。
type OrderSnapshot struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Price         float64
	OrigQty       float64
	ExecutedQty   float64
	Status        string
}

// Filled 判断订单是否完全成交（数量允许 1e-8 的浮点误差）。
func (o OrderSnapshot) Filled() bool {
	return o.Status == OrderStatusFilled && o.ExecutedQty >= o.OrigQty-1e-8
}

// Closed 判断订单是否处于终态。
func (o OrderSnapshot) Closed() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Client 交易所能力接口。现货、合约与回放实现可互换，
// 由工厂在构造期选择，策略代码不感知具体实现。
type Client interface {
	// TradeFee 返回单边吃单费率（小数，例如 0.00075）。
	TradeFee() float64
	// BestBid/BestAsk 返回盘口最优买价/卖价。
	BestBid(symbol string) (float64, error)
	BestAsk(symbol string) (float64, error)
	// PlaceLimitOrder 下限价单（GTC），必须回显 clientOrderID。
	PlaceLimitOrder(symbol, side string, qty, price float64, clientOrderID string) (OrderSnapshot, error)
	// GetOrder 按本地铸造的 clientOrderID 查询订单。
	GetOrder(symbol, clientOrderID string) (OrderSnapshot, error)
	// CancelOrder 撤单；订单已不存在视为幂等成功（返回 ErrOrderNotFound）。
	CancelOrder(symbol, clientOrderID string) (OrderSnapshot, error)
	// ListOpenOrders 返回交易对当前全部挂单（调用方按 id 前缀过滤归属）。
	ListOpenOrders(symbol string) ([]OrderSnapshot, error)
}
