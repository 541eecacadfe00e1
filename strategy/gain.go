package strategy

// Accountant 计算单次网格往返（相邻两档一买一卖）的已实现收益。
// 手续费按成交额双边收取。
type Accountant struct {
	Fee float64
}

// RoundTrip 已实现收益 = 差价 - 双边手续费。
// 每个完成的往返只调用一次，由 Runner 累加进账本并立即落盘。
func (a Accountant) RoundTrip(buyPrice, sellPrice, qty float64) float64 {
	return (sellPrice-buyPrice)*qty - (sellPrice+buyPrice)*qty*a.Fee
}
