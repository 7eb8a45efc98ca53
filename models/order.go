package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderRequest describes an order in canonical terms. ClientOrderID is
// filled by the REST client when empty.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ClientOrderID string          `json:"clientOrderId"`
}

// OrderResult is the venue acknowledgement of a placed order.
type OrderResult struct {
	VenueID       VenueID   `json:"venueId"`
	Symbol        string    `json:"symbol"`
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}
