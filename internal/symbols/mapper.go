package symbols

import (
	"fmt"
	"strings"

	"cryptotrack/models"
)

// knownQuotes is ordered longest first so FDUSD wins over USD.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "DAI", "BTC", "ETH", "BNB", "EUR", "TRY", "USD"}

// Canonical joins base and quote as BASE/QUOTE.
func Canonical(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// Split parses a canonical BASE/QUOTE symbol.
func Split(sym string) (base, quote string, ok bool) {
	base, quote, found := strings.Cut(sym, "/")
	if !found || base == "" || quote == "" || strings.Contains(quote, "/") {
		return "", "", false
	}
	if sym != strings.ToUpper(sym) {
		return "", "", false
	}
	return base, quote, true
}

// IsCanonical reports whether sym is uppercase BASE/QUOTE.
func IsCanonical(sym string) bool {
	_, _, ok := Split(sym)
	return ok
}

// SplitConcatenated splits venue symbols such as BTCUSDT using known quote suffixes.
func SplitConcatenated(native string) (base, quote string, ok bool) {
	native = strings.ToUpper(native)
	for _, q := range knownQuotes {
		if len(native) > len(q) && strings.HasSuffix(native, q) {
			return native[:len(native)-len(q)], q, true
		}
	}
	return "", "", false
}

// ToVenue converts a canonical symbol to the venue's native format.
//
//	binance, bybit: BTC/USDT -> BTCUSDT
//	kucoin:         BTC/USDT -> BTC-USDT
func ToVenue(venue models.VenueID, sym string) (string, error) {
	base, quote, ok := Split(sym)
	if !ok {
		return "", fmt.Errorf("symbol %q is not in BASE/QUOTE form", sym)
	}
	switch venue {
	case models.VenueBinance, models.VenueBybit:
		return base + quote, nil
	case models.VenueKucoin:
		return base + "-" + quote, nil
	}
	return "", fmt.Errorf("unsupported venue %q", venue)
}

// FromVenue converts a venue-native symbol to canonical BASE/QUOTE.
// KuCoin's legacy XBT ticker maps to BTC.
func FromVenue(venue models.VenueID, native string) (string, error) {
	native = strings.ToUpper(strings.TrimSpace(native))
	switch venue {
	case models.VenueBinance, models.VenueBybit:
		base, quote, ok := SplitConcatenated(native)
		if !ok {
			return "", fmt.Errorf("cannot split %s symbol %q", venue, native)
		}
		return Canonical(base, quote), nil
	case models.VenueKucoin:
		base, quote, found := strings.Cut(native, "-")
		if !found || base == "" || quote == "" {
			return "", fmt.Errorf("cannot split kucoin symbol %q", native)
		}
		if base == "XBT" {
			base = "BTC"
		}
		return Canonical(base, quote), nil
	}
	return "", fmt.Errorf("unsupported venue %q", venue)
}

// ToVenueAll converts a list of canonical symbols, skipping invalid entries.
func ToVenueAll(venue models.VenueID, syms []string) map[string]string {
	out := make(map[string]string, len(syms))
	for _, s := range syms {
		if native, err := ToVenue(venue, s); err == nil {
			out[native] = s
		}
	}
	return out
}
