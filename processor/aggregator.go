package processor

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptotrack/internal/symbols"
	"cryptotrack/models"
)

// Aggregate computes the cross-venue view of symbol from the current
// per-venue prices, given in venue connection order.
//
// The best price is the lowest positive price; on ties the first venue in
// order wins. Volume is summed over every venue with a usable price. With
// no usable price the last known aggregate is carried forward under the
// "aggregated" source. ok is false when there is nothing to report at all.
func Aggregate(symbol string, prices []models.VenuePrice, last *models.AggregatedMarketData, now time.Time) (out models.AggregatedMarketData, ok bool) {
	base, quote, _ := symbols.Split(symbol)
	out = models.AggregatedMarketData{
		Symbol:     symbol,
		BaseAsset:  base,
		QuoteAsset: quote,
		Volume24h:  decimal.Zero,
		UpdatedAt:  now,
	}

	found := false
	for _, p := range prices {
		if !p.Price.IsPositive() {
			continue
		}
		out.PerVenuePrices = append(out.PerVenuePrices, p)
		out.Volume24h = out.Volume24h.Add(p.Volume24h)
		if !found || p.Price.LessThan(out.BestPrice) {
			out.BestPrice = p.Price
			out.BestVenue = p.VenueID
			found = true
		}
	}
	if found {
		return out, true
	}

	if last == nil || !last.BestPrice.IsPositive() {
		return models.AggregatedMarketData{}, false
	}
	out.BestPrice = last.BestPrice
	out.BestVenue = models.SourceAggregated
	out.PerVenuePrices = []models.VenuePrice{}
	return out, true
}
