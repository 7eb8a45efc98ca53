package models

import "strings"

// VenueID is the stable identifier of a supported trading venue.
type VenueID string

const (
	VenueBinance VenueID = "binance"
	VenueBybit   VenueID = "bybit"
	VenueKucoin  VenueID = "kucoin"

	// SourceAggregated labels an aggregate whose price was carried over from
	// the last computation because no venue currently reports the symbol.
	SourceAggregated VenueID = "aggregated"
)

// AllVenues lists every venue the system can connect to.
func AllVenues() []VenueID {
	return []VenueID{VenueBinance, VenueBybit, VenueKucoin}
}

// ParseVenueID resolves a case-insensitive venue name.
func ParseVenueID(s string) (VenueID, bool) {
	id := VenueID(strings.ToLower(strings.TrimSpace(s)))
	return id, id.Valid()
}

// Valid reports whether the id names a supported venue.
func (v VenueID) Valid() bool {
	switch v {
	case VenueBinance, VenueBybit, VenueKucoin:
		return true
	}
	return false
}

func (v VenueID) String() string { return string(v) }

// Credentials are the secrets a user supplies to connect a venue.
// Passphrase is mandatory for KuCoin only.
type Credentials struct {
	APIKey      string `json:"apiKey" yaml:"api_key"`
	APISecret   string `json:"apiSecret" yaml:"api_secret"`
	Passphrase  string `json:"passphrase,omitempty" yaml:"passphrase"`
	SandboxMode bool   `json:"sandboxMode" yaml:"sandbox"`
}

// Redacted returns a copy safe to show in logs or the ops server.
func (c Credentials) Redacted() Credentials {
	out := c
	out.APIKey = mask(c.APIKey)
	if c.APISecret != "" {
		out.APISecret = "***"
	}
	if c.Passphrase != "" {
		out.Passphrase = "***"
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

// Venue is the persisted identity row of a venue.
type Venue struct {
	ID          VenueID      `json:"id"`
	Name        string       `json:"name"`
	IsConnected bool         `json:"isConnected"`
	SandboxMode bool         `json:"sandboxMode"`
	Credentials *Credentials `json:"-"`
}

// DisplayName returns the human readable name of a venue id.
func DisplayName(id VenueID) string {
	switch id {
	case VenueBinance:
		return "Binance"
	case VenueBybit:
		return "Bybit"
	case VenueKucoin:
		return "KuCoin"
	}
	return string(id)
}
