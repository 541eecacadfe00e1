package gateway

import (
	"fmt"
	"net/http"
)

// 客户端类型，配置里的 clientType 字段。
const (
	ClientTypeSpot    = "spot"
	ClientTypeFutures = "futures"
)

// Options 构造 Binance 客户端所需的连接参数。
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	TradeFee  float64 // >0 时覆盖默认费率
	RestRate  float64 // 每秒 REST 令牌数，<=0 使用 5
	RestBurst int     // 令牌桶容量，<=0 使用 10
	HTTP      *http.Client
	Feed      *BookTickerFeed
}

// NewBinanceClient 按类型构造现货或合约客户端。
// 实现选择发生在构造期，策略代码只依赖 Client 接口。
func NewBinanceClient(clientType string, opts Options) (*BinanceClient, error) {
	var c *BinanceClient
	switch clientType {
	case ClientTypeSpot:
		c = NewSpotClient(opts.BaseURL, opts.APIKey, opts.APISecret, opts.HTTP)
	case ClientTypeFutures:
		c = NewFuturesClient(opts.BaseURL, opts.APIKey, opts.APISecret, opts.HTTP)
	default:
		return nil, fmt.Errorf("unsupported client type %q", clientType)
	}
	rate := opts.RestRate
	if rate <= 0 {
		rate = 5
	}
	burst := opts.RestBurst
	if burst <= 0 {
		burst = 10
	}
	c.Limiter = NewTokenBucketLimiter(rate, burst)
	c.Feed = opts.Feed
	if opts.TradeFee > 0 {
		c.SetTradeFee(opts.TradeFee)
	}
	return c, nil
}
