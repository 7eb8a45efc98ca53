package orchestrator

import (
	"sync"

	"cryptotrack/models"
)

// book holds the live per-venue prices of every symbol. Each symbol has its
// own lock so updates for one symbol from different venues are applied one
// at a time while other symbols proceed in parallel.
type book struct {
	mu      sync.Mutex
	symbols map[string]*symbolBook
}

type symbolBook struct {
	mu     sync.Mutex
	prices map[models.VenueID]models.VenuePrice
}

func newBook() *book {
	return &book{symbols: make(map[string]*symbolBook)}
}

func (b *book) get(symbol string) *symbolBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, ok := b.symbols[symbol]
	if !ok {
		sb = &symbolBook{prices: make(map[models.VenueID]models.VenuePrice)}
		b.symbols[symbol] = sb
	}
	return sb
}

// names returns every symbol the book has seen.
func (b *book) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		out = append(out, s)
	}
	return out
}

// ordered returns the symbol's prices in the given venue order. Caller
// holds sb.mu.
func (sb *symbolBook) ordered(order []models.VenueID) []models.VenuePrice {
	out := make([]models.VenuePrice, 0, len(sb.prices))
	for _, v := range order {
		if p, ok := sb.prices[v]; ok {
			out = append(out, p)
		}
	}
	return out
}
