package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptotrack/models"
	"cryptotrack/reader"
)

func hexHMAC(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignerPayload(t *testing.T) {
	s := Signer{APIKey: "XXXXXXXXXX", APISecret: "YYYYYYYYYY", RecvWindow: 5000}
	ts := time.UnixMilli(1658384314791)

	get, err := s.Sign(reader.SignInput{Method: http.MethodGet, Path: "/v5/order/realtime", RawQuery: "category=option&symbol=BTC-29JUL22-25000-C", Timestamp: ts})
	if err != nil {
		t.Fatalf("sign get: %v", err)
	}
	want := hexHMAC("YYYYYYYYYY", "1658384314791XXXXXXXXXX5000category=option&symbol=BTC-29JUL22-25000-C")
	if got := get.Header.Get("X-BAPI-SIGN"); got != want {
		t.Fatalf("get sign=%s want %s", got, want)
	}
	if get.RawQuery != "category=option&symbol=BTC-29JUL22-25000-C" {
		t.Fatalf("query changed: %s", get.RawQuery)
	}

	body := []byte(`{"category":"spot","symbol":"BTCUSDT"}`)
	post, err := s.Sign(reader.SignInput{Method: http.MethodPost, Path: "/v5/order/create", Body: body, Timestamp: ts})
	if err != nil {
		t.Fatalf("sign post: %v", err)
	}
	want = hexHMAC("YYYYYYYYYY", "1658384314791XXXXXXXXXX5000"+string(body))
	if got := post.Header.Get("X-BAPI-SIGN"); got != want {
		t.Fatalf("post sign=%s want %s", got, want)
	}
	for header, v := range map[string]string{"X-BAPI-API-KEY": "XXXXXXXXXX", "X-BAPI-TIMESTAMP": "1658384314791", "X-BAPI-RECV-WINDOW": "5000"} {
		if got := post.Header.Get(header); got != v {
			t.Errorf("%s=%q want %q", header, got, v)
		}
	}
}

func newClient(t *testing.T, hits *int32, h http.HandlerFunc, sandbox bool) *RestClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	opts := reader.AdapterOptions{RequestsPerSecond: 1000, Burst: 10}
	return NewRestClient(opts, srv.URL, models.Credentials{APIKey: "key", APISecret: "secret", SandboxMode: sandbox})
}

func TestStatsAndBulk(t *testing.T) {
	var hits int32
	c := newClient(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" || r.URL.Query().Get("category") != "spot" {
			t.Errorf("unexpected request %s", r.URL)
		}
		rows := `{"symbol":"BTCUSDT","lastPrice":"64000","prevPrice24h":"63000","price24hPcnt":"0.0159","volume24h":"100"},` +
			`{"symbol":"ETHUSDT","lastPrice":"3000","prevPrice24h":"3100","price24hPcnt":"-0.0323","volume24h":"900"},` +
			`{"symbol":"DOGEUSDT","lastPrice":"0.1","volume24h":"1"}`
		if sym := r.URL.Query().Get("symbol"); sym != "" {
			rows = `{"symbol":"` + sym + `","lastPrice":"64000","prevPrice24h":"63000","price24hPcnt":"0.0159","volume24h":"100"}`
		}
		fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[%s]},"time":1700000000000}`, rows)
	}, false)

	s, err := c.Stats24h(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !s.Change24h.Equal(decimal.NewFromInt(1000)) || !s.ChangePercent24h.Equal(decimal.RequireFromString("1.59")) || s.EventTimeMs != 1700000000000 {
		t.Fatalf("sample=%+v", s)
	}

	before := atomic.LoadInt32(&hits)
	got := c.MarketData(context.Background(), []string{"ETH/USDT", "BTC/USDT"})
	if len(got) != 2 || got[0].Symbol != "ETH/USDT" || got[1].Symbol != "BTC/USDT" {
		t.Fatalf("market data=%+v", got)
	}
	if atomic.LoadInt32(&hits)-before != 1 {
		t.Fatalf("bulk path must use one request")
	}
}

func TestRetCodeClassification(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		check func(error) bool
	}{
		{"invalid key", `{"retCode":10003,"retMsg":"API key is invalid.","result":{}}`, reader.IsAuth},
		{"too many visits", `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`, reader.IsRateLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits int32
			c := newClient(t, &hits, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}, false)
			if _, err := c.Balances(context.Background()); !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBalancesNested(t *testing.T) {
	var hits int32
	c := newClient(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BAPI-SIGN") == "" || r.URL.Query().Get("accountType") != "UNIFIED" {
			t.Errorf("unsigned or wrong request: %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"accountType":"UNIFIED","coin":[` +
			`{"coin":"USDT","walletBalance":"1000.5","locked":"100","free":""},` +
			`{"coin":"BTC","walletBalance":"0.2","locked":"0"},` +
			`{"coin":"ETH","walletBalance":"0","locked":"0"},` +
			`{"coin":"SOL","walletBalance":"oops","locked":"0"}` +
			`]}]}}`))
	}, false)
	got, err := c.Balances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("balances=%+v", got)
	}
	usdt := got[0]
	if usdt.Asset != "USDT" || !usdt.Free.Equal(decimal.RequireFromString("900.5")) || !usdt.Total.Equal(decimal.RequireFromString("1000.5")) {
		t.Fatalf("usdt=%+v", usdt)
	}
}

func TestPositions(t *testing.T) {
	var hits int32
	c := newClient(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") != "linear" {
			t.Errorf("category=%s", r.URL.Query().Get("category"))
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[` +
			`{"symbol":"BTCUSDT","side":"Buy","size":"0.01","avgPrice":"60000","updatedTime":"1700000000000"},` +
			`{"symbol":"ETHUSDT","side":"","size":"0","avgPrice":"0"}]}}`))
	}, false)
	got, err := c.Positions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "BTC/USDT" || got[0].Side != "buy" || !got[0].Active() {
		t.Fatalf("positions=%+v", got)
	}
}

func TestPlaceOrderSandboxOnly(t *testing.T) {
	var hits int32
	c := newClient(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"orderLinkId":"`) || !strings.Contains(string(body), `"side":"Buy"`) {
			t.Errorf("body=%s", body)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1321003749386327552","orderLinkId":"abc"}}`))
	}, true)
	res, err := c.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: decimal.NewFromInt(1)})
	if err != nil || res.OrderID != "1321003749386327552" {
		t.Fatalf("order=%+v err=%v", res, err)
	}

	var liveHits int32
	live := newClient(t, &liveHits, func(http.ResponseWriter, *http.Request) {}, false)
	if _, err := live.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "BTC/USDT"}); !reader.IsConfig(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if liveHits != 0 {
		t.Fatalf("live order reached the network")
	}
}

func TestQuoteFromBook(t *testing.T) {
	q, err := quoteFromBook("BTC/USDT", orderBook{Symbol: "BTCUSDT", Bids: [][]string{{"63999", "2"}}, Asks: [][]string{{"64001", "1"}}, Ts: 1})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Spread().Equal(decimal.NewFromInt(2)) || q.VenueID != models.VenueBybit {
		t.Fatalf("quote=%+v", q)
	}
	if _, err := quoteFromBook("BTC/USDT", orderBook{}); !reader.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestProtocol(t *testing.T) {
	p := NewProtocol("wss://example")
	syms := []string{"A/USDT", "B/USDT", "C/USDT", "D/USDT", "E/USDT", "F/USDT", "G/USDT", "H/USDT", "I/USDT", "J/USDT", "BTC/USDT"}
	msgs, err := p.SubscribeMessages(syms)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(msgs) != 2 || !strings.Contains(string(msgs[1]), `"args":["tickers.BTCUSDT"]`) || !strings.Contains(string(msgs[0]), `"op":"subscribe"`) {
		t.Fatalf("messages=%q", msgs)
	}
	if string(p.Ping()) != `{"op":"ping"}` {
		t.Fatalf("ping=%s", p.Ping())
	}

	push := `{"topic":"tickers.BTCUSDT","ts":1673853746003,"type":"snapshot","cs":2588407389,"data":{"symbol":"BTCUSDT","lastPrice":"21109.77","highPrice24h":"21426.99","lowPrice24h":"20575","prevPrice24h":"20704.93","volume24h":"6780.866843","turnover24h":"141946527.22907118","price24hPcnt":"0.0196","usdIndexPrice":"21120.2400136"}}`
	samples, err := p.Decode([]byte(push))
	if err != nil || len(samples) != 1 {
		t.Fatalf("decode: %v %+v", err, samples)
	}
	if s := samples[0]; s.Symbol != "BTC/USDT" || !s.Price.Equal(decimal.RequireFromString("21109.77")) || s.EventTimeMs != 1673853746003 {
		t.Fatalf("sample=%+v", s)
	}

	for _, ok := range []string{`{"success":true,"ret_msg":"subscribe","conn_id":"x","req_id":"y","op":"subscribe"}`, `{"op":"pong"}`, `{"success":true,"ret_msg":"pong","op":"ping"}`} {
		if samples, err := p.Decode([]byte(ok)); err != nil || len(samples) != 0 {
			t.Errorf("%s: %v %+v", ok, err, samples)
		}
	}
	for _, bad := range []string{`{"success":false,"ret_msg":"error:handler not found","op":"subscribe"}`, `[]`, `{}`, `{"topic":"tickers.BTCUSDT","data":{"lastPrice":"x"}}`} {
		if _, err := p.Decode([]byte(bad)); !reader.IsValidation(err) {
			t.Errorf("%s: expected ValidationError, got %v", bad, err)
		}
	}
}
