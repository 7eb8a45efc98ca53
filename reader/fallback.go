package reader

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"cryptotrack/logger"
	"cryptotrack/models"
)

// maxFallbackConcurrency bounds the per-symbol requests fired after a
// failed bulk call.
const maxFallbackConcurrency = 4

// BulkFunc fetches statistics for many symbols in one call.
type BulkFunc func(ctx context.Context, symbols []string) ([]models.TickerSample, error)

// SingleFunc fetches statistics for one symbol.
type SingleFunc func(ctx context.Context, symbol string) (models.TickerSample, error)

// FetchMarketData tries bulk first. When it fails every symbol is fetched
// on its own; individual failures are logged and left out of the result.
// Results keep the order of symbols.
func FetchMarketData(ctx context.Context, log *logger.Log, venue models.VenueID, symbols []string, bulk BulkFunc, single SingleFunc) []models.TickerSample {
	if len(symbols) == 0 {
		return nil
	}
	entry := logger.OrDefault(log).WithComponent("market_data").WithVenue(string(venue))

	if bulk != nil {
		samples, err := bulk(ctx, symbols)
		if err == nil {
			return filterRequested(samples, symbols)
		}
		entry.WithError(err).WithFields(logger.Fields{"symbols": len(symbols)}).
			Warn("bulk market data failed; falling back to per-symbol requests")
	}

	p := pool.NewWithResults[models.TickerSample]().
		WithContext(ctx).
		WithMaxGoroutines(maxFallbackConcurrency)
	for _, sym := range symbols {
		sym := sym
		p.Go(func(ctx context.Context) (models.TickerSample, error) {
			sample, err := single(ctx, sym)
			if err != nil {
				entry.WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("per-symbol market data failed")
				return models.TickerSample{}, err
			}
			return sample, nil
		})
	}
	// Errors are already logged per symbol; conc drops failed results.
	samples, _ := p.Wait()
	return filterRequested(samples, symbols)
}

// filterRequested keeps samples for requested symbols, in request order,
// one per symbol.
func filterRequested(samples []models.TickerSample, symbols []string) []models.TickerSample {
	bySymbol := make(map[string]models.TickerSample, len(samples))
	for _, s := range samples {
		if _, seen := bySymbol[s.Symbol]; !seen {
			bySymbol[s.Symbol] = s
		}
	}
	out := make([]models.TickerSample, 0, len(symbols))
	for _, sym := range symbols {
		if s, ok := bySymbol[sym]; ok {
			out = append(out, s)
			delete(bySymbol, sym)
		}
	}
	return out
}
