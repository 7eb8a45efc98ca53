package processor

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptotrack/internal/symbols"
	"cryptotrack/models"
)

// RawBalance is one balance entry as a venue reports it, amounts still in
// their string form.
type RawBalance struct {
	Asset  string
	Free   string
	Locked string
}

// BalanceShape knows how to pull raw entries out of one venue's balance
// payload. Entries it cannot read at all are omitted; amount parsing is
// left to Normalize.
type BalanceShape interface {
	DecodeBalances(payload []byte) ([]RawBalance, error)
}

// Normalize maps a venue balance payload to canonical records. Entries with
// an empty asset or unparsable amounts are skipped, zero holdings are
// filtered out, and entries repeating an asset are merged in first-seen
// order. An error is returned only when the payload as a whole cannot be
// decoded.
func Normalize(venue models.VenueID, shape BalanceShape, payload []byte) ([]models.BalanceRecord, error) {
	raw, err := shape.DecodeBalances(payload)
	if err != nil {
		return nil, err
	}
	return NormalizeRaw(venue, raw), nil
}

// NormalizeRaw applies the Normalize rules to already decoded entries.
func NormalizeRaw(venue models.VenueID, raw []RawBalance) []models.BalanceRecord {
	type amounts struct{ free, locked decimal.Decimal }
	order := make([]string, 0, len(raw))
	byAsset := make(map[string]*amounts, len(raw))

	for _, r := range raw {
		asset := strings.ToUpper(strings.TrimSpace(r.Asset))
		if asset == "" {
			continue
		}
		free, ok := parseAmount(r.Free)
		if !ok {
			continue
		}
		locked, ok := parseAmount(r.Locked)
		if !ok {
			continue
		}
		if a, seen := byAsset[asset]; seen {
			a.free = a.free.Add(free)
			a.locked = a.locked.Add(locked)
			continue
		}
		byAsset[asset] = &amounts{free: free, locked: locked}
		order = append(order, asset)
	}

	out := make([]models.BalanceRecord, 0, len(order))
	for _, asset := range order {
		a := byAsset[asset]
		rec := models.NewBalanceRecord(venue, asset, a.free, a.locked)
		if rec.IsZero() {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// parseAmount treats an empty amount as zero and rejects negatives.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

// PositionsFromBalances derives spot positions from holdings: every
// non-quote asset is a long position against quote, sized at its total.
func PositionsFromBalances(venue models.VenueID, balances []models.BalanceRecord, quote string, now time.Time) []models.Position {
	quote = strings.ToUpper(quote)
	out := make([]models.Position, 0, len(balances))
	for _, b := range balances {
		if b.Asset == quote || isStable(b.Asset) || !b.Total.IsPositive() {
			continue
		}
		out = append(out, models.Position{
			VenueID:   venue,
			Symbol:    symbols.Canonical(b.Asset, quote),
			Side:      "long",
			Size:      b.Total,
			UpdatedAt: now,
		})
	}
	return out
}

func isStable(asset string) bool {
	switch asset {
	case "USDT", "USDC", "BUSD", "FDUSD", "TUSD", "DAI", "USD":
		return true
	}
	return false
}
