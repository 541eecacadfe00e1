package strategy

import (
	"fmt"
	"math"
)

// GridMode 网格价位的铺设方式。
type GridMode string

const (
	// GridModeEqualPercent 相邻档位等比：r = (up/low)^(1/n)。
	GridModeEqualPercent GridMode = "equal_percent"
	// GridModeEqualDelta 相邻档位等差：d = (up-low)/n。
	GridModeEqualDelta GridMode = "equal_delta"
)

// ConfigurationError 参数在构造期就不可用（网格过密、精度不够、界限退化）。
// 策略必须拒绝启动，而不是带着亏损参数运行。
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// feeSafetyMargin 手续费之外要求的最小单格利润空间。
const feeSafetyMargin = 0.001

// LadderParams 构造价格阶梯需要的参数。
type LadderParams struct {
	LowBound      float64
	UpBound       float64
	GridNum       int
	PriceRoundNum int
	Mode          GridMode
	TradeFee      float64
}

// Ladder 一次构造、之后不可变的价格阶梯，长度 GridNum+1，严格递增。
type Ladder struct {
	levels     []float64
	priceRound int
}

// BuildLadder 按模式铺设价位并执行盈利性护栏：
// 单格毛利必须高于 2×手续费加安全边际，否则成交一来一回是亏的。
func BuildLadder(p LadderParams) (*Ladder, error) {
	if p.GridNum < 1 {
		return nil, configErrf("grid num %d must be >= 1", p.GridNum)
	}
	if p.LowBound <= 0 || p.UpBound <= p.LowBound {
		return nil, configErrf("degenerate bounds [%v, %v]", p.LowBound, p.UpBound)
	}
	levels := make([]float64, 0, p.GridNum+1)
	switch p.Mode {
	case GridModeEqualPercent:
		ratio := math.Pow(p.UpBound/p.LowBound, 1.0/float64(p.GridNum))
		if ratio-1 <= 2*p.TradeFee+feeSafetyMargin {
			return nil, configErrf("grid too crowded: per-level ratio %.6f does not clear fee %.5f", ratio, p.TradeFee)
		}
		fp := p.LowBound
		levels = append(levels, roundTo(fp, p.PriceRoundNum))
		for i := 0; i < p.GridNum; i++ {
			fp *= ratio
			clp := roundTo(fp, p.PriceRoundNum)
			if clp == levels[len(levels)-1] {
				return nil, configErrf("levels collapse at price precision %d near %v", p.PriceRoundNum, clp)
			}
			levels = append(levels, clp)
		}
	case GridModeEqualDelta:
		delta := (p.UpBound - p.LowBound) / float64(p.GridNum)
		if delta/p.UpBound-2*p.TradeFee <= feeSafetyMargin {
			return nil, configErrf("grid too crowded: per-level delta %.6f does not clear fee %.5f", delta, p.TradeFee)
		}
		fp := p.LowBound
		levels = append(levels, roundTo(fp, p.PriceRoundNum))
		for i := 0; i < p.GridNum; i++ {
			fp += delta
			clp := roundTo(fp, p.PriceRoundNum)
			if clp == levels[len(levels)-1] {
				return nil, configErrf("levels collapse at price precision %d near %v", p.PriceRoundNum, clp)
			}
			levels = append(levels, clp)
		}
	default:
		return nil, configErrf("unsupported grid mode %q", p.Mode)
	}
	return &Ladder{levels: levels, priceRound: p.PriceRoundNum}, nil
}

// Len 档位数量（GridNum+1）。
func (l *Ladder) Len() int { return len(l.levels) }

// Price 第 i 档的名义价格。
func (l *Ladder) Price(i int) float64 { return l.levels[i] }

// BuyPrice 第 i 档的买入挂单价（greedy 因子偏置后取整）。
func (l *Ladder) BuyPrice(i int, greedy float64) float64 {
	return roundTo(l.levels[i]*greedy, l.priceRound)
}

// SellPrice 第 i 档的卖出挂单价。
func (l *Ladder) SellPrice(i int, greedy float64) float64 {
	return roundTo(l.levels[i]*greedy, l.priceRound)
}

// roundTo 四舍五入到 places 位小数。
func roundTo(v float64, places int) float64 {
	pow := math.Pow10(places)
	return math.Round(v*pow) / pow
}
