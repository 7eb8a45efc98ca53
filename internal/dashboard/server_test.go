package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"cryptotrack/config"
	"cryptotrack/internal/metrics"
	"cryptotrack/internal/orchestrator"
	"cryptotrack/internal/store"
	"cryptotrack/logger"
	"cryptotrack/models"
)

type fixedStatus []orchestrator.VenueStatus

func (f fixedStatus) Status() []orchestrator.VenueStatus { return f }

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://10.0.0.7:8080":           "10.0.0.7:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDisabledServerIsNil(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, logger.New(), fixedStatus{}, store.NewMemory())
	if err != nil || srv != nil {
		t.Fatalf("srv=%v err=%v", srv, err)
	}
	if srv.Address() != "" {
		t.Fatal("nil server reported an address")
	}
}

func newTestServer(t *testing.T, status fixedStatus, data *store.Memory) (*Server, http.Handler) {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000", LogBuffer: 10, MetricBuffer: 10}, logger.New(), status, data)
	if err != nil || srv == nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("address=%q", got)
	}
	router, err := srv.buildRouter("cryptotrack")
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return srv, router
}

func get(t *testing.T, h http.Handler, path string, out interface{}) int {
	t.Helper()
	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && res.Code == http.StatusOK {
		if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
	}
	return res.Code
}

func TestHealthReportsDegradedVenues(t *testing.T) {
	status := fixedStatus{
		{Venue: models.VenueBinance, State: "open"},
		{Venue: models.VenueKucoin, State: "closed", Degraded: true},
	}
	_, router := newTestServer(t, status, store.NewMemory())

	var body struct {
		Status   string           `json:"status"`
		Degraded []models.VenueID `json:"degraded"`
	}
	if code := get(t, router, "/healthz", &body); code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if body.Status != "degraded" || len(body.Degraded) != 1 || body.Degraded[0] != models.VenueKucoin {
		t.Fatalf("body=%+v", body)
	}
}

func TestVenuesRedactCredentials(t *testing.T) {
	data := store.NewMemory()
	_ = data.SetVenueConnected(models.VenueBybit, true, &models.Credentials{APIKey: "abcdefgh", APISecret: "topsecret"})
	status := fixedStatus{{Venue: models.VenueBybit, State: "open", Symbols: []string{"BTC/USDT"}, Attempts: 2}}
	_, router := newTestServer(t, status, data)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/venues", nil))
	if strings.Contains(res.Body.String(), "topsecret") || strings.Contains(res.Body.String(), "abcdefgh") {
		t.Fatalf("secrets leaked: %s", res.Body.String())
	}

	var body struct {
		Venues []struct {
			ID          models.VenueID `json:"id"`
			IsConnected bool           `json:"isConnected"`
			Credentials *struct {
				APIKey string `json:"apiKey"`
			} `json:"credentials"`
			Stream *struct {
				State    string `json:"state"`
				Attempts int    `json:"reconnectAttempts"`
			} `json:"stream"`
		} `json:"venues"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Venues) != 3 {
		t.Fatalf("venues=%d", len(body.Venues))
	}
	for _, v := range body.Venues {
		if v.ID != models.VenueBybit {
			if v.Stream != nil {
				t.Fatalf("%s has stream status", v.ID)
			}
			continue
		}
		if !v.IsConnected || v.Credentials == nil || v.Credentials.APIKey != "abcd****" || v.Stream == nil || v.Stream.Attempts != 2 {
			t.Fatalf("bybit=%+v", v)
		}
	}
}

func TestMarketAndBalances(t *testing.T) {
	data := store.NewMemory()
	_ = data.UpsertAggregatedMarketData(models.AggregatedMarketData{
		Symbol: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		BestPrice: decimal.NewFromInt(64000), BestVenue: models.VenueBinance, UpdatedAt: time.Unix(1, 0),
	})
	_ = data.ReplaceBalances(models.VenueKucoin, []models.BalanceRecord{
		models.NewBalanceRecord(models.VenueKucoin, "USDT", decimal.NewFromInt(10), decimal.NewFromInt(5)),
	})
	_, router := newTestServer(t, fixedStatus{}, data)

	var market struct {
		Market []models.AggregatedMarketData `json:"market"`
	}
	if code := get(t, router, "/api/market", &market); code != http.StatusOK || len(market.Market) != 1 {
		t.Fatalf("code=%d market=%+v", code, market)
	}
	var one models.AggregatedMarketData
	if code := get(t, router, "/api/market?symbol=btc/usdt", &one); code != http.StatusOK || !one.BestPrice.Equal(decimal.NewFromInt(64000)) {
		t.Fatalf("code=%d one=%+v", code, one)
	}
	if code := get(t, router, "/api/market?symbol=ETH/USDT", nil); code != http.StatusNotFound {
		t.Fatalf("missing symbol code=%d", code)
	}

	var balances struct {
		Balances []models.BalanceRecord `json:"balances"`
	}
	if code := get(t, router, "/api/balances?venue=KuCoin", &balances); code != http.StatusOK || len(balances.Balances) != 1 || !balances.Balances[0].Total.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("code=%d balances=%+v", code, balances)
	}
	if code := get(t, router, "/api/balances?venue=ftx", nil); code != http.StatusBadRequest {
		t.Fatalf("unknown venue code=%d", code)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv, router := newTestServer(t, fixedStatus{}, store.NewMemory())
	metrics.Record(srv.log, "stream", "reconnect_scheduled", 1, "counter", logger.Fields{"venue": "binance"})
	metrics.IncTicker("binance")

	var body struct {
		Metrics []map[string]interface{} `json:"metrics"`
	}
	if code := get(t, router, "/api/metrics", &body); code != http.StatusOK || len(body.Metrics) == 0 {
		t.Fatalf("code=%d metrics=%d", code, len(body.Metrics))
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "cryptotrack_tickers_total") {
		t.Fatalf("prometheus scrape code=%d", res.Code)
	}
}

func TestLogsEndpointFiltersLevel(t *testing.T) {
	srv, router := newTestServer(t, fixedStatus{}, store.NewMemory())
	srv.log.WithComponent("orchestrator").Info("venue connected")
	srv.log.WithComponent("orchestrator").Error("venue degraded")

	var body struct {
		Logs []logRecord `json:"logs"`
	}
	if code := get(t, router, "/api/logs?level=error", &body); code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if len(body.Logs) != 1 || body.Logs[0].Message != "venue degraded" || body.Logs[0].Component != "orchestrator" {
		t.Fatalf("logs=%+v", body.Logs)
	}
}
