package kucoin

import (
	"github.com/goccy/go-json"

	"cryptotrack/processor"
	"cryptotrack/reader"
)

// BalanceShape reads the flat account list of /api/v1/accounts. Main and
// trade accounts are reported; the same currency in both is merged by the
// normalizer.
type BalanceShape struct{}

func (BalanceShape) DecodeBalances(payload []byte) ([]processor.RawBalance, error) {
	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, reader.Invalid(venue, payload, "decode accounts: %v", err)
	}
	out := make([]processor.RawBalance, 0, len(env.Data))
	for _, raw := range env.Data {
		var a struct {
			Currency  string `json:"currency"`
			Type      string `json:"type"`
			Available string `json:"available"`
			Holds     string `json:"holds"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.Type != "main" && a.Type != "trade" {
			continue
		}
		out = append(out, processor.RawBalance{Asset: a.Currency, Free: a.Available, Locked: a.Holds})
	}
	return out, nil
}
