package ledger

import "time"

// Status 本地账本中的订单状态。
type Status string

const (
	StatusNew      Status = "NEW"      // 已确认挂在交易所
	StatusFilled   Status = "FILLED"   // 观察到完全成交
	StatusCanceled Status = "CANCELED" // 观察到撤销
	StatusError    Status = "ERROR"    // 下单在重试预算内始终未确认
)

// OrderRecord 策略认为自己拥有的一张订单。
// clientOrderId 是本地与交易所之间唯一的关联句柄。
type OrderRecord struct {
	ClientOrderID string    `json:"clientOrderId"`
	Side          string    `json:"side"`
	LevelIndex    int       `json:"levelIndex"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	PlacedAt      time.Time `json:"placedAt"`
	Status        Status    `json:"status"`
	Reason        string    `json:"reason,omitempty"` // Status==ERROR 时的失败原因
}

// Failed 下单最终失败、等待下个 tick 重试的订单。
func (r OrderRecord) Failed() bool { return r.Status == StatusError }
