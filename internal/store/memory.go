// Package store is the in-memory persistence collaborator: venue identity
// rows, per-venue prices, aggregated market data, balances, positions and
// sandbox orders. Nothing survives a restart.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptotrack/models"
)

// Memory is safe for concurrent use. Every read returns copies.
type Memory struct {
	mu         sync.RWMutex
	venues     map[models.VenueID]models.Venue
	prices     map[string]map[models.VenueID]models.VenuePrice
	aggregates map[string]models.AggregatedMarketData
	balances   map[models.VenueID][]models.BalanceRecord
	positions  map[models.VenueID][]models.Position
	orders     []models.OrderResult
}

// NewMemory seeds one disconnected row per supported venue.
func NewMemory() *Memory {
	m := &Memory{
		venues:     make(map[models.VenueID]models.Venue),
		prices:     make(map[string]map[models.VenueID]models.VenuePrice),
		aggregates: make(map[string]models.AggregatedMarketData),
		balances:   make(map[models.VenueID][]models.BalanceRecord),
		positions:  make(map[models.VenueID][]models.Position),
	}
	for _, id := range models.AllVenues() {
		m.venues[id] = models.Venue{ID: id, Name: models.DisplayName(id)}
	}
	return m
}

func unknownVenue(id models.VenueID) error {
	return fmt.Errorf("unknown venue %q", id)
}

func (m *Memory) GetVenue(id models.VenueID) (models.Venue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.venues[id]
	return v, ok
}

// ListVenues returns every venue ordered by id.
func (m *Memory) ListVenues() []models.Venue {
	m.mu.RLock()
	out := make([]models.Venue, 0, len(m.venues))
	for _, v := range m.venues {
		out = append(out, v)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetVenueConnected flips the connection flag. Credentials are kept while
// connected and cleared on disconnect.
func (m *Memory) SetVenueConnected(id models.VenueID, connected bool, creds *models.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.venues[id]
	if !ok {
		return unknownVenue(id)
	}
	v.IsConnected = connected
	if connected && creds != nil {
		c := *creds
		v.Credentials = &c
		v.SandboxMode = c.SandboxMode
	} else if !connected {
		v.Credentials = nil
		v.SandboxMode = false
	}
	m.venues[id] = v
	return nil
}

func (m *Memory) UpsertVenuePrice(venue models.VenueID, symbol string, price, volume decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[venue]; !ok {
		return unknownVenue(venue)
	}
	bySymbol, ok := m.prices[symbol]
	if !ok {
		bySymbol = make(map[models.VenueID]models.VenuePrice)
		m.prices[symbol] = bySymbol
	}
	bySymbol[venue] = models.VenuePrice{VenueID: venue, Symbol: symbol, Price: price, Volume24h: volume, LastUpdated: at}
	return nil
}

// VenuePrices returns the stored prices of symbol ordered by venue id.
func (m *Memory) VenuePrices(symbol string) []models.VenuePrice {
	m.mu.RLock()
	bySymbol := m.prices[symbol]
	out := make([]models.VenuePrice, 0, len(bySymbol))
	for _, p := range bySymbol {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}

// DeleteVenuePrices removes every price venue reported.
func (m *Memory) DeleteVenuePrices(venue models.VenueID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, bySymbol := range m.prices {
		delete(bySymbol, venue)
		if len(bySymbol) == 0 {
			delete(m.prices, symbol)
		}
	}
	return nil
}

func (m *Memory) UpsertAggregatedMarketData(rec models.AggregatedMarketData) error {
	if rec.Symbol == "" {
		return fmt.Errorf("aggregated market data without symbol")
	}
	rec.PerVenuePrices = append([]models.VenuePrice(nil), rec.PerVenuePrices...)
	m.mu.Lock()
	m.aggregates[rec.Symbol] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) AggregatedMarketData(symbol string) (models.AggregatedMarketData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.aggregates[symbol]
	if ok {
		rec.PerVenuePrices = append([]models.VenuePrice(nil), rec.PerVenuePrices...)
	}
	return rec, ok
}

// ListAggregatedMarketData returns every aggregate ordered by symbol.
func (m *Memory) ListAggregatedMarketData() []models.AggregatedMarketData {
	m.mu.RLock()
	out := make([]models.AggregatedMarketData, 0, len(m.aggregates))
	for _, rec := range m.aggregates {
		rec.PerVenuePrices = append([]models.VenuePrice(nil), rec.PerVenuePrices...)
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ReplaceBalances swaps in a freshly fetched balance set for venue.
func (m *Memory) ReplaceBalances(venue models.VenueID, balances []models.BalanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[venue]; !ok {
		return unknownVenue(venue)
	}
	m.balances[venue] = append([]models.BalanceRecord(nil), balances...)
	return nil
}

func (m *Memory) Balances(venue models.VenueID) []models.BalanceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.BalanceRecord(nil), m.balances[venue]...)
}

// AllBalances returns the balances of every venue ordered by venue.
func (m *Memory) AllBalances() []models.BalanceRecord {
	m.mu.RLock()
	ids := make([]models.VenueID, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []models.BalanceRecord
	for _, id := range ids {
		out = append(out, m.balances[id]...)
	}
	m.mu.RUnlock()
	return out
}

// DeleteBalances drops the balances and positions of venue.
func (m *Memory) DeleteBalances(venue models.VenueID) error {
	m.mu.Lock()
	delete(m.balances, venue)
	delete(m.positions, venue)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReplacePositions(venue models.VenueID, positions []models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[venue]; !ok {
		return unknownVenue(venue)
	}
	m.positions[venue] = append([]models.Position(nil), positions...)
	return nil
}

func (m *Memory) Positions(venue models.VenueID) []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Position(nil), m.positions[venue]...)
}

// ActivePositionsForVenue lists the distinct symbols of non-zero positions
// in stored order.
func (m *Memory) ActivePositionsForVenue(venue models.VenueID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.positions[venue] {
		if !p.Active() || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		out = append(out, p.Symbol)
	}
	return out
}

// AddOrder records a placed order.
func (m *Memory) AddOrder(order models.OrderResult) {
	m.mu.Lock()
	m.orders = append(m.orders, order)
	m.mu.Unlock()
}

func (m *Memory) Orders() []models.OrderResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.OrderResult(nil), m.orders...)
}
