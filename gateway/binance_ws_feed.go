package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BinanceSpotWSEndpoint    = "wss://stream.binance.com:9443"
	BinanceFuturesWSEndpoint = "wss://fstream.binance.com"

	// 超过该时间没有推送则认为缓存过期，回退到 REST 盘口
	bookTopStaleAfter = 3 * time.Second
)

// combinedMessage 对应 binance combined stream 包装。
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// bookTickerUpdate 提取 @bookTicker 消息的核心字段。
type bookTickerUpdate struct {
	Symbol string      `json:"s"`
	BidPx  json.Number `json:"b"`
	AskPx  json.Number `json:"a"`
}

// ParseBookTicker 解析 combined stream 的 bookTicker 消息。
func ParseBookTicker(raw []byte) (symbol string, bid, ask float64, err error) {
	var msg combinedMessage
	if err = json.Unmarshal(raw, &msg); err != nil {
		return
	}
	payload := msg.Data
	if len(payload) == 0 {
		// 单流连接没有 combined 包装
		payload = raw
	}
	var upd bookTickerUpdate
	if err = json.Unmarshal(payload, &upd); err != nil {
		return
	}
	symbol = strings.ToUpper(upd.Symbol)
	bid, _ = upd.BidPx.Float64()
	ask, _ = upd.AskPx.Float64()
	return
}

type bookTop struct {
	bid, ask float64
	ts       time.Time
}

// BookTickerFeed 订阅若干交易对的 bookTicker 流，维护盘口缓存。
// 连接断开后按固定间隔重连，直到 ctx 结束。
type BookTickerFeed struct {
	Endpoint string
	Dialer   *websocket.Dialer

	mu   sync.RWMutex
	tops map[string]bookTop
}

func NewBookTickerFeed(endpoint string) *BookTickerFeed {
	if endpoint == "" {
		endpoint = BinanceSpotWSEndpoint
	}
	return &BookTickerFeed{
		Endpoint: endpoint,
		Dialer:   websocket.DefaultDialer,
		tops:     make(map[string]bookTop),
	}
}

// Top 返回缓存的盘口；缓存过期时 ok 为 false。
func (f *BookTickerFeed) Top(symbol string) (bid, ask float64, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	top, exists := f.tops[strings.ToUpper(symbol)]
	if !exists || time.Since(top.ts) > bookTopStaleAfter || top.bid <= 0 || top.ask <= 0 {
		return 0, 0, false
	}
	return top.bid, top.ask, true
}

// Run 连接 combined stream 并持续读取；断线重连，ctx 结束时返回。
func (f *BookTickerFeed) Run(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols subscribed")
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@bookTicker")
	}
	u := url.URL{
		Scheme: "wss",
		Host:   strings.TrimPrefix(f.Endpoint, "wss://"),
		Path:   "/stream",
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.readLoop(ctx, u.String()); err != nil && ctx.Err() == nil {
			time.Sleep(time.Second)
			continue
		}
	}
}

func (f *BookTickerFeed) readLoop(ctx context.Context, wsURL string) error {
	conn, _, err := f.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		symbol, bid, ask, err := ParseBookTicker(message)
		if err != nil || symbol == "" {
			continue
		}
		f.mu.Lock()
		f.tops[symbol] = bookTop{bid: bid, ask: ask, ts: time.Now()}
		f.mu.Unlock()
	}
}
