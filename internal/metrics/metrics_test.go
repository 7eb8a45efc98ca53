package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cryptotrack/logger"
)

func TestCollectorsExposed(t *testing.T) {
	IncTicker("binance")
	IncReconnect("bybit")
	SetDegraded("kucoin", true)
	EmitDropMetric(logger.New(), DropMalformed, "binance", "BTC/USDT")

	if got := testutil.ToFloat64(tickers.WithLabelValues("binance")); got < 1 {
		t.Fatalf("tickers counter=%v", got)
	}
	if got := testutil.ToFloat64(degraded.WithLabelValues("kucoin")); got != 1 {
		t.Fatalf("degraded gauge=%v", got)
	}
	if got := testutil.ToFloat64(dropped.WithLabelValues("binance", "malformed")); got < 1 {
		t.Fatalf("dropped counter=%v", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cryptotrack_stream_reconnects_total") {
		t.Fatalf("reconnect counter missing from exposition")
	}
}
