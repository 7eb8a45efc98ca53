package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickerSample is one canonical ticker push from a venue stream.
// Symbol is always in BASE/QUOTE form.
type TickerSample struct {
	VenueID          VenueID         `json:"venueId"`
	Symbol           string          `json:"symbol"`
	Price            decimal.Decimal `json:"price"`
	Change24h        decimal.Decimal `json:"change24h"`
	ChangePercent24h decimal.Decimal `json:"changePercent24h"`
	Volume24h        decimal.Decimal `json:"volume24h"`
	EventTimeMs      int64           `json:"eventTimeMs"`
}

// EventTime converts EventTimeMs, falling back to now when unset.
func (t TickerSample) EventTime() time.Time {
	if t.EventTimeMs <= 0 {
		return time.Now()
	}
	return time.UnixMilli(t.EventTimeMs)
}

// VenuePrice is the latest price one venue reports for a symbol.
type VenuePrice struct {
	VenueID     VenueID         `json:"venueId"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Volume24h   decimal.Decimal `json:"volume24h"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// AggregatedMarketData is the cross-venue view of one symbol.
type AggregatedMarketData struct {
	Symbol         string          `json:"symbol"`
	BaseAsset      string          `json:"baseAsset"`
	QuoteAsset     string          `json:"quoteAsset"`
	BestPrice      decimal.Decimal `json:"bestPrice"`
	BestVenue      VenueID         `json:"bestVenue"`
	PerVenuePrices []VenuePrice    `json:"perVenuePrices"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Quote is a best bid/ask level for one symbol on one venue.
type Quote struct {
	VenueID VenueID         `json:"venueId"`
	Symbol  string          `json:"symbol"`
	Bid     decimal.Decimal `json:"bid"`
	BidSize decimal.Decimal `json:"bidSize"`
	Ask     decimal.Decimal `json:"ask"`
	AskSize decimal.Decimal `json:"askSize"`
	Time    time.Time       `json:"time"`
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}
