package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	BinanceSpotBaseURL    = "https://api.binance.com"
	BinanceFuturesBaseURL = "https://fapi.binance.com"

	spotPathPrefix    = "/api/v3"
	futuresPathPrefix = "/fapi/v1"

	// 默认单边吃单费率；现货 VIP0+BNB 折扣 0.075%，U 本位合约 maker 0.018%。
	spotTradeFee    = 0.00075
	futuresTradeFee = 0.00018
)

// binanceAPIError Binance 错误响应体。
type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// binanceOrder Binance 订单响应；数值字段是字符串。
type binanceOrder struct {
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
}

func (b binanceOrder) snapshot() OrderSnapshot {
	price, _ := strconv.ParseFloat(b.Price, 64)
	orig, _ := strconv.ParseFloat(b.OrigQty, 64)
	exec, _ := strconv.ParseFloat(b.ExecutedQty, 64)
	return OrderSnapshot{
		ClientOrderID: b.ClientOrderID,
		Symbol:        b.Symbol,
		Side:          b.Side,
		Price:         price,
		OrigQty:       orig,
		ExecutedQty:   exec,
		Status:        b.Status,
	}
}

// BinanceClient 一个可签名的简化客户端；HTTPClient 可注入 httptest，
// 默认不发起真实网络调用。pathPrefix 区分现货(/api/v3)与合约(/fapi/v1)。
type BinanceClient struct {
	BaseURL    string
	APIKey     string
	Secret     string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Feed       *BookTickerFeed // 可选：新鲜时优先读 WS 盘口缓存

	pathPrefix string
	fee        float64
}

// NewSpotClient 构造现货客户端。
func NewSpotClient(baseURL, apiKey, secret string, httpCli *http.Client) *BinanceClient {
	if baseURL == "" {
		baseURL = BinanceSpotBaseURL
	}
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	return &BinanceClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Secret:     secret,
		HTTPClient: httpCli,
		pathPrefix: spotPathPrefix,
		fee:        spotTradeFee,
	}
}

// NewFuturesClient 构造 U 本位合约客户端。
func NewFuturesClient(baseURL, apiKey, secret string, httpCli *http.Client) *BinanceClient {
	if baseURL == "" {
		baseURL = BinanceFuturesBaseURL
	}
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	return &BinanceClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Secret:     secret,
		HTTPClient: httpCli,
		pathPrefix: futuresPathPrefix,
		fee:        futuresTradeFee,
	}
}

// SetTradeFee 覆盖默认费率（做 VIP 等级或费率活动调整时用）。
func (c *BinanceClient) SetTradeFee(fee float64) {
	if fee > 0 {
		c.fee = fee
	}
}

func (c *BinanceClient) TradeFee() float64 { return c.fee }

// SignParams 对参数做 HMAC-SHA256 签名，返回规范化 query 与签名。
func SignParams(params map[string]string, secret string) (string, string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	query := values.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}

// signedRequest 发送签名请求，out 非 nil 时解析响应体。
func (c *BinanceClient) signedRequest(method, path string, params map[string]string, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "5000"
	query, sig := SignParams(params, c.Secret)
	endpoint := c.BaseURL + c.pathPrefix + path + "?" + query + "&signature=" + url.QueryEscape(sig)
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.APIKey)
	return c.do(req, out)
}

// publicRequest 发送无签名请求（行情类端点）。
func (c *BinanceClient) publicRequest(path string, params map[string]string, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	endpoint := c.BaseURL + c.pathPrefix + path
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *BinanceClient) do(req *http.Request, out interface{}) error {
	if c.Limiter != nil {
		c.Limiter.Wait()
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// 网络层失败无法区分是否送达，交给调用方的存在性轮询判定
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: err}
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyStatus 把 HTTP 状态与 Binance 错误码映射到错误分类。
func classifyStatus(status int, body []byte) error {
	var apiErr binanceAPIError
	_ = json.Unmarshal(body, &apiErr)
	switch {
	case apiErr.Code == -2013 || apiErr.Code == -2011:
		// -2013 Order does not exist / -2011 撤销时订单已不存在
		return fmt.Errorf("%w: code=%d", ErrOrderNotFound, apiErr.Code)
	case status == http.StatusTooManyRequests || status == 418 || status >= 500:
		return Transientf("status %d code=%d msg=%s", status, apiErr.Code, apiErr.Msg)
	case apiErr.Code == -1003 || apiErr.Code == -1021:
		// 限频 / 时间窗漂移
		return Transientf("status %d code=%d msg=%s", status, apiErr.Code, apiErr.Msg)
	default:
		return &RejectedError{Code: apiErr.Code, Msg: apiErr.Msg}
	}
}

// PlaceLimitOrder 下 GTC 限价单，clientOrderID 即幂等键。
func (c *BinanceClient) PlaceLimitOrder(symbol, side string, qty, price float64, clientOrderID string) (OrderSnapshot, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"quantity":         strconv.FormatFloat(qty, 'f', -1, 64),
		"price":            strconv.FormatFloat(price, 'f', -1, 64),
		"newClientOrderId": clientOrderID,
	}
	var bo binanceOrder
	if err := c.signedRequest(http.MethodPost, "/order", params, &bo); err != nil {
		return OrderSnapshot{}, err
	}
	if bo.ClientOrderID != clientOrderID {
		return OrderSnapshot{}, fmt.Errorf("exchange echoed clientOrderId %q, want %q", bo.ClientOrderID, clientOrderID)
	}
	return bo.snapshot(), nil
}

// GetOrder 按 origClientOrderId 查询。
func (c *BinanceClient) GetOrder(symbol, clientOrderID string) (OrderSnapshot, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}
	var bo binanceOrder
	if err := c.signedRequest(http.MethodGet, "/order", params, &bo); err != nil {
		return OrderSnapshot{}, err
	}
	if bo.Symbol == "" {
		return OrderSnapshot{}, ErrOrderNotFound
	}
	return bo.snapshot(), nil
}

// CancelOrder 按 origClientOrderId 撤单。
func (c *BinanceClient) CancelOrder(symbol, clientOrderID string) (OrderSnapshot, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}
	var bo binanceOrder
	if err := c.signedRequest(http.MethodDelete, "/order", params, &bo); err != nil {
		return OrderSnapshot{}, err
	}
	return bo.snapshot(), nil
}

// ListOpenOrders 返回交易对全部挂单。
func (c *BinanceClient) ListOpenOrders(symbol string) ([]OrderSnapshot, error) {
	params := map[string]string{"symbol": symbol}
	var raw []binanceOrder
	if err := c.signedRequest(http.MethodGet, "/openOrders", params, &raw); err != nil {
		return nil, err
	}
	snaps := make([]OrderSnapshot, 0, len(raw))
	for _, bo := range raw {
		if !strings.EqualFold(bo.Symbol, symbol) {
			continue
		}
		snaps = append(snaps, bo.snapshot())
	}
	return snaps, nil
}

// depthResp /depth 响应，价格档为字符串对。
type depthResp struct {
	Bids [][2]json.Number `json:"bids"`
	Asks [][2]json.Number `json:"asks"`
}

// BestBid 返回最优买价；WS 缓存新鲜时优先使用。
func (c *BinanceClient) BestBid(symbol string) (float64, error) {
	if c.Feed != nil {
		if bid, _, ok := c.Feed.Top(symbol); ok {
			return bid, nil
		}
	}
	bid, _, err := c.restTop(symbol)
	return bid, err
}

// BestAsk 返回最优卖价；WS 缓存新鲜时优先使用。
func (c *BinanceClient) BestAsk(symbol string) (float64, error) {
	if c.Feed != nil {
		if _, ask, ok := c.Feed.Top(symbol); ok {
			return ask, nil
		}
	}
	_, ask, err := c.restTop(symbol)
	return ask, err
}

func (c *BinanceClient) restTop(symbol string) (bid, ask float64, err error) {
	var depth depthResp
	if err = c.publicRequest("/depth", map[string]string{"symbol": symbol, "limit": "5"}, &depth); err != nil {
		return 0, 0, err
	}
	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return 0, 0, Transientf("empty depth for %s", symbol)
	}
	bid, _ = depth.Bids[0][0].Float64()
	ask, _ = depth.Asks[0][0].Float64()
	return bid, ask, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
