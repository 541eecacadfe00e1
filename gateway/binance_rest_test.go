package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestSignParams(t *testing.T) {
	query, sig := SignParams(map[string]string{
		"symbol":    "ETHUSDT",
		"side":      "BUY",
		"timestamp": "1700000000000",
	}, "secret")

	// 键按字典序排列，签名覆盖整个 query
	if query != "side=BUY&symbol=ETHUSDT&timestamp=1700000000000" {
		t.Fatalf("query = %q", query)
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(query))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Fatalf("sig = %s, want %s", sig, want)
	}
}

func newTestClient(handler http.Handler) (*BinanceClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewSpotClient(srv.URL, "test-key", "test-secret", srv.Client())
	return c, srv
}

func TestPlaceLimitOrderSignsAndEchoes(t *testing.T) {
	var gotQuery url.Values
	var gotAPIKey string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAPIKey = r.Header.Get("X-MBX-APIKEY")
		json.NewEncoder(w).Encode(map[string]string{
			"symbol":        "ETHUSDT",
			"clientOrderId": gotQuery.Get("newClientOrderId"),
			"side":          "BUY",
			"price":         "100.5",
			"origQty":       "0.25",
			"executedQty":   "0",
			"status":        "NEW",
		})
	}))
	defer srv.Close()

	snap, err := c.PlaceLimitOrder("ETHUSDT", SideBuy, 0.25, 100.5, "g1_0_BUY_2500_4_1700000000_1")
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if gotAPIKey != "test-key" {
		t.Fatalf("api key header = %q", gotAPIKey)
	}
	for _, field := range []string{"timestamp", "recvWindow", "signature"} {
		if gotQuery.Get(field) == "" {
			t.Fatalf("signed request missing %s", field)
		}
	}
	if gotQuery.Get("type") != "LIMIT" || gotQuery.Get("timeInForce") != "GTC" {
		t.Fatalf("order type params = %s/%s", gotQuery.Get("type"), gotQuery.Get("timeInForce"))
	}
	if snap.Price != 100.5 || snap.OrigQty != 0.25 || snap.Status != OrderStatusNew {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPlaceLimitOrderRejectsWrongEcho(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"symbol":        "ETHUSDT",
			"clientOrderId": "somebody-else",
			"status":        "NEW",
		})
	}))
	defer srv.Close()

	if _, err := c.PlaceLimitOrder("ETHUSDT", SideBuy, 1, 100, "mine"); err == nil {
		t.Fatalf("mismatched clientOrderId echo accepted")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"order not found", 400, `{"code":-2013,"msg":"Order does not exist."}`, IsNotFound},
		{"cancel already gone", 400, `{"code":-2011,"msg":"Unknown order sent."}`, IsNotFound},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests."}`, IsTransient},
		{"banned", 418, `{"code":-1003,"msg":"IP banned."}`, IsTransient},
		{"server error", 500, `{}`, IsTransient},
		{"clock drift", 400, `{"code":-1021,"msg":"Timestamp outside recvWindow."}`, IsTransient},
		{"filter rejection", 400, `{"code":-1013,"msg":"PRICE_FILTER"}`, IsRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := c.GetOrder("ETHUSDT", "whatever")
			if err == nil {
				t.Fatalf("want error, got nil")
			}
			if !tc.check(err) {
				t.Fatalf("wrong classification for %v", err)
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := NewSpotClient(srv.URL, "k", "s", srv.Client())
	srv.Close() // 连接被拒

	_, err := c.GetOrder("ETHUSDT", "cid")
	if !IsTransient(err) {
		t.Fatalf("network failure classified as %v", err)
	}
}

func TestListOpenOrdersFiltersSymbol(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"symbol":"ETHUSDT","clientOrderId":"a","side":"BUY","price":"1","origQty":"1","executedQty":"0","status":"NEW"},
			{"symbol":"BTCUSDT","clientOrderId":"b","side":"BUY","price":"1","origQty":"1","executedQty":"0","status":"NEW"}
		]`))
	}))
	defer srv.Close()

	snaps, err := c.ListOpenOrders("ETHUSDT")
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ClientOrderID != "a" {
		t.Fatalf("snaps = %+v", snaps)
	}
}

func TestGetOrderEmptyBodyMeansNotFound(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := c.GetOrder("ETHUSDT", "cid")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestBestBidFallsBackToRest(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"bids":[["100.1","2"]],"asks":[["100.3","1"]]}`))
	}))
	defer srv.Close()

	bid, err := c.BestBid("ETHUSDT")
	if err != nil {
		t.Fatalf("BestBid: %v", err)
	}
	if bid != 100.1 {
		t.Fatalf("bid = %v, want 100.1", bid)
	}
	ask, err := c.BestAsk("ETHUSDT")
	if err != nil {
		t.Fatalf("BestAsk: %v", err)
	}
	if ask != 100.3 {
		t.Fatalf("ask = %v, want 100.3", ask)
	}
}

func TestFilledSnapshot(t *testing.T) {
	snap := OrderSnapshot{Status: OrderStatusFilled, OrigQty: 1, ExecutedQty: 1}
	if !snap.Filled() {
		t.Fatalf("fully executed order not Filled")
	}
	partial := OrderSnapshot{Status: OrderStatusFilled, OrigQty: 1, ExecutedQty: 0.4}
	if partial.Filled() {
		t.Fatalf("partially executed order reported Filled")
	}
	resting := OrderSnapshot{Status: OrderStatusNew, OrigQty: 1, ExecutedQty: 1}
	if resting.Filled() {
		t.Fatalf("NEW order reported Filled")
	}
}
