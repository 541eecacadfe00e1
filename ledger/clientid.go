package ledger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OrderKey 本地铸造的订单关联键。只在网关边界序列化成字符串；
// 数量编码为整数尾数 + 十进制位数，避免小数点与分隔符冲突。
// 同一秒内的多次下单由单调递增的 Counter 区分。
type OrderKey struct {
	StrategyID string
	LevelIndex int
	Side       string
	Mantissa   int64 // Quantity = Mantissa * 10^-Scale
	Scale      int
	UnixTime   int64
	Counter    uint64
}

const keySeparator = "_"

// NewOrderKey 由下单参数铸造关联键；scale 取 quantityRoundNum。
func NewOrderKey(strategyID string, level int, side string, qty float64, scale int, now time.Time, counter uint64) OrderKey {
	if scale < 0 {
		scale = 0
	}
	return OrderKey{
		StrategyID: strategyID,
		LevelIndex: level,
		Side:       side,
		Mantissa:   int64(math.Round(qty * math.Pow10(scale))),
		Scale:      scale,
		UnixTime:   now.Unix(),
		Counter:    counter,
	}
}

// Quantity 还原数量。
func (k OrderKey) Quantity() float64 {
	return float64(k.Mantissa) / math.Pow10(k.Scale)
}

// Encode 序列化为交易所 clientOrderId 字段。
// 约束：StrategyID 不含下划线（config 校验保证）。
func (k OrderKey) Encode() string {
	return strings.Join([]string{
		k.StrategyID,
		strconv.Itoa(k.LevelIndex),
		k.Side,
		strconv.FormatInt(k.Mantissa, 10),
		strconv.Itoa(k.Scale),
		strconv.FormatInt(k.UnixTime, 10),
		strconv.FormatUint(k.Counter, 10),
	}, keySeparator)
}

// ParseOrderKey 反解 clientOrderId。
func ParseOrderKey(s string) (OrderKey, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) != 7 {
		return OrderKey{}, fmt.Errorf("client order id %q: want 7 fields, got %d", s, len(parts))
	}
	level, err := strconv.Atoi(parts[1])
	if err != nil {
		return OrderKey{}, fmt.Errorf("client order id %q: level: %w", s, err)
	}
	mantissa, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return OrderKey{}, fmt.Errorf("client order id %q: mantissa: %w", s, err)
	}
	scale, err := strconv.Atoi(parts[4])
	if err != nil {
		return OrderKey{}, fmt.Errorf("client order id %q: scale: %w", s, err)
	}
	ts, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return OrderKey{}, fmt.Errorf("client order id %q: timestamp: %w", s, err)
	}
	counter, err := strconv.ParseUint(parts[6], 10, 64)
	if err != nil {
		return OrderKey{}, fmt.Errorf("client order id %q: counter: %w", s, err)
	}
	return OrderKey{
		StrategyID: parts[0],
		LevelIndex: level,
		Side:       parts[2],
		Mantissa:   mantissa,
		Scale:      scale,
		UnixTime:   ts,
		Counter:    counter,
	}, nil
}

// Prefix 策略实例的 id 前缀，用于从交易所全量挂单里过滤归属。
func Prefix(strategyID string) string {
	return strategyID + keySeparator
}

// BelongsTo 判断 clientOrderId 是否由该策略实例铸造。
func BelongsTo(clientOrderID, strategyID string) bool {
	return strings.HasPrefix(clientOrderID, Prefix(strategyID))
}
