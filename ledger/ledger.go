package ledger

// Ledger 单个策略实例的持久化账本：累计收益 + 自认为持有的挂单。
// 每次变更后整体落盘，崩溃后可据此恢复对账。
type Ledger struct {
	StrategyID     string        `json:"strategyId"`
	CumulativeGain float64       `json:"cumulativeGain"`
	OpenOrders     []OrderRecord `json:"openOrders"`
}

// New 返回空账本。
func New(strategyID string) Ledger {
	return Ledger{StrategyID: strategyID}
}

// IDSet 返回 clientOrderId -> 记录 的索引。
func (l *Ledger) IDSet() map[string]OrderRecord {
	set := make(map[string]OrderRecord, len(l.OpenOrders))
	for _, od := range l.OpenOrders {
		set[od.ClientOrderID] = od
	}
	return set
}
