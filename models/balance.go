package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceRecord is a canonical holding of one asset on one venue.
// Total is always Free plus Locked; build records with NewBalanceRecord.
type BalanceRecord struct {
	Asset   string          `json:"asset"`
	Free    decimal.Decimal `json:"free"`
	Locked  decimal.Decimal `json:"locked"`
	Total   decimal.Decimal `json:"total"`
	VenueID VenueID         `json:"venueId"`
}

// NewBalanceRecord derives Total from free and locked.
func NewBalanceRecord(venue VenueID, asset string, free, locked decimal.Decimal) BalanceRecord {
	return BalanceRecord{
		Asset:   asset,
		Free:    free,
		Locked:  locked,
		Total:   free.Add(locked),
		VenueID: venue,
	}
}

// IsZero reports whether the record holds nothing.
func (b BalanceRecord) IsZero() bool {
	return !b.Free.IsPositive() && !b.Locked.IsPositive()
}

// Position is an open exposure on a venue. Spot venues report holdings
// of non-quote assets as long positions.
type Position struct {
	VenueID    VenueID         `json:"venueId"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Active reports whether the position has a non-zero size.
func (p Position) Active() bool {
	return !p.Size.IsZero()
}
