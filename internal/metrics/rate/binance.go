package rate

import (
	"context"
	"net/http"

	binance "github.com/adshao/go-binance/v2"
)

// FetchRequestWeightLimit asks Binance exchangeInfo for the REQUEST_WEIGHT
// per minute limit. Zero means the limit was not advertised.
func FetchRequestWeightLimit(ctx context.Context, client *binance.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			if rl.IntervalNum > 1 {
				return rl.Limit / rl.IntervalNum, nil
			}
			return rl.Limit, nil
		}
	}
	return 0, nil
}

func binanceUsedWeight(header http.Header) int64 {
	v := header.Get("X-MBX-USED-WEIGHT-1m")
	if v == "" {
		v = header.Get("X-MBX-USED-WEIGHT-1M")
	}
	return firstInt(v)
}
