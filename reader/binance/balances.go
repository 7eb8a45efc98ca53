package binance

import (
	"github.com/goccy/go-json"

	"cryptotrack/processor"
	"cryptotrack/reader"
)

// BalanceShape reads the flat balances array of /api/v3/account.
type BalanceShape struct{}

func (BalanceShape) DecodeBalances(payload []byte) ([]processor.RawBalance, error) {
	var account struct {
		Balances []json.RawMessage `json:"balances"`
	}
	if err := json.Unmarshal(payload, &account); err != nil {
		return nil, reader.Invalid(venue, payload, "decode account: %v", err)
	}
	out := make([]processor.RawBalance, 0, len(account.Balances))
	for _, raw := range account.Balances {
		var b struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		}
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		out = append(out, processor.RawBalance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return out, nil
}
