package reader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"cryptotrack/models"
)

func sample(sym string, price int64) models.TickerSample {
	return models.TickerSample{VenueID: models.VenueBybit, Symbol: sym, Price: decimal.NewFromInt(price)}
}

func TestFetchMarketDataBulk(t *testing.T) {
	var singles int32
	bulk := func(context.Context, []string) ([]models.TickerSample, error) {
		return []models.TickerSample{sample("ETH/USDT", 3000), sample("DOGE/USDT", 1), sample("BTC/USDT", 60000), sample("BTC/USDT", 1)}, nil
	}
	single := func(context.Context, string) (models.TickerSample, error) {
		atomic.AddInt32(&singles, 1)
		return models.TickerSample{}, errors.New("unexpected")
	}
	got := FetchMarketData(context.Background(), nil, models.VenueBybit, []string{"BTC/USDT", "ETH/USDT"}, bulk, single)
	if len(got) != 2 || got[0].Symbol != "BTC/USDT" || got[1].Symbol != "ETH/USDT" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if !got[0].Price.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("first sample per symbol must win, got %s", got[0].Price)
	}
	if singles != 0 {
		t.Fatalf("per-symbol path used after successful bulk call")
	}
}

func TestFetchMarketDataFallback(t *testing.T) {
	bulk := func(context.Context, []string) ([]models.TickerSample, error) {
		return nil, &TransportError{Venue: models.VenueBybit, Op: "GET /v5/market/tickers", Err: errors.New("timeout")}
	}
	single := func(_ context.Context, sym string) (models.TickerSample, error) {
		if sym == "BTC/USDT" {
			return models.TickerSample{}, &APIError{Venue: models.VenueBybit, Code: "10001", Message: "symbol invalid"}
		}
		return sample(sym, 3000), nil
	}
	got := FetchMarketData(context.Background(), nil, models.VenueBybit, []string{"BTC/USDT", "ETH/USDT"}, bulk, single)
	if len(got) != 1 || got[0].Symbol != "ETH/USDT" {
		t.Fatalf("expected only ETH/USDT, got %+v", got)
	}
}

func TestFetchMarketDataEmpty(t *testing.T) {
	if got := FetchMarketData(context.Background(), nil, models.VenueBybit, nil, nil, nil); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
