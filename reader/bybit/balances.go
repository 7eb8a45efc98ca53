package bybit

import (
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"cryptotrack/processor"
	"cryptotrack/reader"
)

// BalanceShape reads the nested account/coin lists of
// /v5/account/wallet-balance. Unified accounts report walletBalance and
// locked; free is derived when the venue leaves it out.
type BalanceShape struct{}

type walletCoin struct {
	Coin          string `json:"coin"`
	WalletBalance string `json:"walletBalance"`
	Free          string `json:"free"`
	Locked        string `json:"locked"`
}

func (BalanceShape) DecodeBalances(payload []byte) ([]processor.RawBalance, error) {
	var env struct {
		Result struct {
			List []struct {
				AccountType string            `json:"accountType"`
				Coin        []json.RawMessage `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, reader.Invalid(venue, payload, "decode wallet balance: %v", err)
	}
	var out []processor.RawBalance
	for _, account := range env.Result.List {
		for _, raw := range account.Coin {
			var c walletCoin
			if err := json.Unmarshal(raw, &c); err != nil {
				continue
			}
			free, ok := freeAmount(c)
			if !ok {
				continue
			}
			out = append(out, processor.RawBalance{Asset: c.Coin, Free: free, Locked: c.Locked})
		}
	}
	return out, nil
}

func freeAmount(c walletCoin) (string, bool) {
	if c.Free != "" {
		return c.Free, true
	}
	if c.WalletBalance == "" {
		return "", true
	}
	wallet, err := decimal.NewFromString(c.WalletBalance)
	if err != nil {
		return "", false
	}
	locked := decimal.Zero
	if c.Locked != "" {
		if locked, err = decimal.NewFromString(c.Locked); err != nil {
			return "", false
		}
	}
	free := wallet.Sub(locked)
	if free.IsNegative() {
		free = decimal.Zero
	}
	return free.String(), true
}
