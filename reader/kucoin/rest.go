package kucoin

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptotrack/internal/symbols"
	"cryptotrack/logger"
	"cryptotrack/models"
	"cryptotrack/processor"
	"cryptotrack/reader"
)

const (
	venue       = models.VenueKucoin
	successCode = "200000"
)

var errorCodes = reader.ErrorCodes{
	Auth: map[string]bool{
		"400001": true, // missing auth headers
		"400002": true, // invalid timestamp
		"400003": true, // key does not exist
		"400004": true, // invalid passphrase
		"400005": true, // invalid signature
		"400006": true, // ip not whitelisted
		"400007": true, // access denied
		"411100": true, // user frozen
	},
	RateLimit: map[string]bool{
		"429000": true,
		"200002": true,
	},
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func classify(status int, header http.Header, body []byte) error {
	var env envelope
	decoded := json.Unmarshal(body, &env) == nil
	if status >= 200 && status < 300 && (!decoded || env.Code == "" || env.Code == successCode) {
		return nil
	}
	if !decoded {
		return errorCodes.Classify(venue, status, header, "", string(body))
	}
	return errorCodes.Classify(venue, status, header, env.Code, env.Msg)
}

// RestClient reads KuCoin spot market data and account balances, and
// issues the private stream tokens.
type RestClient struct {
	transport *reader.Transport
	creds     models.Credentials
	log       *logger.Log
	now       func() time.Time
}

func NewRestClient(opts reader.AdapterOptions, baseURL string, creds models.Credentials) *RestClient {
	var signer reader.Signer
	if creds.APIKey != "" && creds.APISecret != "" && creds.Passphrase != "" {
		signer = Signer{APIKey: creds.APIKey, APISecret: creds.APISecret, Passphrase: creds.Passphrase}
	}
	return &RestClient{
		transport: reader.NewTransport(opts.TransportConfig(venue, baseURL, signer, classify)),
		creds:     creds,
		log:       logger.OrDefault(opts.Log),
		now:       time.Now,
	}
}

func (c *RestClient) Venue() models.VenueID { return venue }

func (c *RestClient) call(ctx context.Context, call reader.Call, out interface{}) error {
	body, err := c.transport.Do(ctx, call)
	if err != nil {
		return err
	}
	var env envelope
	if err := reader.Decode(venue, body, &env); err != nil {
		return err
	}
	return reader.Decode(venue, env.Data, out)
}

func native(symbol string) (string, error) {
	n, err := symbols.ToVenue(venue, symbol)
	if err != nil {
		return "", &reader.ValidationError{Venue: venue, Reason: err.Error()}
	}
	return n, nil
}

type level1 struct {
	Time        int64  `json:"time"`
	Price       string `json:"price"`
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
}

type stats struct {
	Time        int64  `json:"time"`
	Symbol      string `json:"symbol"`
	ChangeRate  string `json:"changeRate"`
	ChangePrice string `json:"changePrice"`
	Vol         string `json:"vol"`
	Last        string `json:"last"`
}

var hundred = decimal.NewFromInt(100)

// sample converts a stats row. changeRate is a fraction on KuCoin.
func (s stats) sample(symbol string, eventMs int64) (models.TickerSample, error) {
	price, err := reader.ParsePrice(venue, "last", s.Last)
	if err != nil {
		return models.TickerSample{}, err
	}
	change, err := reader.ParseOptionalDecimal(venue, "changePrice", s.ChangePrice)
	if err != nil {
		return models.TickerSample{}, err
	}
	rate, err := reader.ParseOptionalDecimal(venue, "changeRate", s.ChangeRate)
	if err != nil {
		return models.TickerSample{}, err
	}
	vol, err := reader.ParseOptionalDecimal(venue, "vol", s.Vol)
	if err != nil {
		return models.TickerSample{}, err
	}
	if s.Time > 0 {
		eventMs = s.Time
	}
	return models.TickerSample{
		VenueID:          venue,
		Symbol:           symbol,
		Price:            price,
		Change24h:        change,
		ChangePercent24h: rate.Mul(hundred),
		Volume24h:        vol,
		EventTimeMs:      eventMs,
	}, nil
}

func (c *RestClient) level1(ctx context.Context, symbol string) (level1, error) {
	n, err := native(symbol)
	if err != nil {
		return level1{}, err
	}
	var l level1
	err = c.call(ctx, reader.Call{Method: http.MethodGet, Path: "/api/v1/market/orderbook/level1", Query: url.Values{"symbol": {n}}}, &l)
	return l, err
}

func (c *RestClient) Ticker(ctx context.Context, symbol string) (models.TickerSample, error) {
	l, err := c.level1(ctx, symbol)
	if err != nil {
		return models.TickerSample{}, err
	}
	price, err := reader.ParsePrice(venue, "price", l.Price)
	if err != nil {
		return models.TickerSample{}, err
	}
	return models.TickerSample{VenueID: venue, Symbol: symbol, Price: price, EventTimeMs: l.Time}, nil
}

func (c *RestClient) Stats24h(ctx context.Context, symbol string) (models.TickerSample, error) {
	n, err := native(symbol)
	if err != nil {
		return models.TickerSample{}, err
	}
	var s stats
	if err := c.call(ctx, reader.Call{Method: http.MethodGet, Path: "/api/v1/market/stats", Query: url.Values{"symbol": {n}}}, &s); err != nil {
		return models.TickerSample{}, err
	}
	return s.sample(symbol, 0)
}

// MarketData reads allTickers once and keeps the requested symbols,
// falling back to per-symbol stats when that fails.
func (c *RestClient) MarketData(ctx context.Context, syms []string) []models.TickerSample {
	return reader.FetchMarketData(ctx, c.log, venue, syms, c.bulkStats, c.Stats24h)
}

func (c *RestClient) bulkStats(ctx context.Context, syms []string) ([]models.TickerSample, error) {
	wanted := symbols.ToVenueAll(venue, syms)
	var all struct {
		Time   int64   `json:"time"`
		Ticker []stats `json:"ticker"`
	}
	if err := c.call(ctx, reader.Call{Method: http.MethodGet, Path: "/api/v1/market/allTickers"}, &all); err != nil {
		return nil, err
	}
	out := make([]models.TickerSample, 0, len(wanted))
	for _, row := range all.Ticker {
		canonical, ok := wanted[row.Symbol]
		if !ok {
			continue
		}
		s, err := row.sample(canonical, all.Time)
		if err != nil {
			c.log.WithComponent("kucoin_rest").WithError(err).Warn("skipping unreadable ticker")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *RestClient) Balances(ctx context.Context) ([]models.BalanceRecord, error) {
	body, err := c.transport.Do(ctx, reader.Call{Method: http.MethodGet, Path: "/api/v1/accounts", Signed: true})
	if err != nil {
		return nil, err
	}
	return processor.Normalize(venue, BalanceShape{}, body)
}

// Positions reports spot holdings as positions against USDT.
func (c *RestClient) Positions(ctx context.Context) ([]models.Position, error) {
	balances, err := c.Balances(ctx)
	if err != nil {
		return nil, err
	}
	return processor.PositionsFromBalances(venue, balances, "USDT", c.now()), nil
}

func (c *RestClient) BestQuote(ctx context.Context, symbol string) (models.Quote, error) {
	l, err := c.level1(ctx, symbol)
	if err != nil {
		return models.Quote{}, err
	}
	q := models.Quote{VenueID: venue, Symbol: symbol, Time: time.UnixMilli(l.Time)}
	if q.Bid, err = reader.ParseDecimal(venue, "bestBid", l.BestBid); err != nil {
		return models.Quote{}, err
	}
	if q.BidSize, err = reader.ParseDecimal(venue, "bestBidSize", l.BestBidSize); err != nil {
		return models.Quote{}, err
	}
	if q.Ask, err = reader.ParseDecimal(venue, "bestAsk", l.BestAsk); err != nil {
		return models.Quote{}, err
	}
	if q.AskSize, err = reader.ParseDecimal(venue, "bestAskSize", l.BestAskSize); err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

type orderRequest struct {
	ClientOid string `json:"clientOid"`
	Side      string `json:"side"`
	Symbol    string `json:"symbol"`
	Type      string `json:"type"`
	Size      string `json:"size"`
	Price     string `json:"price,omitempty"`
}

// PlaceOrder submits a spot order to the sandbox venue only.
func (c *RestClient) PlaceOrder(ctx context.Context, order models.OrderRequest) (models.OrderResult, error) {
	if err := reader.RequireSandbox(venue, c.creds); err != nil {
		return models.OrderResult{}, err
	}
	n, err := native(order.Symbol)
	if err != nil {
		return models.OrderResult{}, err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	req := orderRequest{
		ClientOid: order.ClientOrderID,
		Side:      strings.ToLower(string(order.Side)),
		Symbol:    n,
		Type:      strings.ToLower(string(order.Type)),
		Size:      order.Quantity.String(),
	}
	if order.Type == models.OrderTypeLimit {
		req.Price = order.Price.String()
	}
	var res struct {
		OrderID string `json:"orderId"`
	}
	if err := c.call(ctx, reader.Call{Method: http.MethodPost, Path: "/api/v1/orders", Body: req, Signed: true}, &res); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{
		VenueID:       venue,
		Symbol:        order.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: order.ClientOrderID,
		Status:        "active",
		CreatedAt:     c.now(),
	}, nil
}

// Bullet is a one-time private stream token and the servers that accept it.
type Bullet struct {
	Token           string           `json:"token"`
	InstanceServers []InstanceServer `json:"instanceServers"`
}

type InstanceServer struct {
	Endpoint     string `json:"endpoint"`
	Encrypt      bool   `json:"encrypt"`
	Protocol     string `json:"protocol"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

// Bullet requests a private stream token.
func (c *RestClient) Bullet(ctx context.Context) (Bullet, error) {
	var b Bullet
	if err := c.call(ctx, reader.Call{Method: http.MethodPost, Path: "/api/v1/bullet-private", Signed: true}, &b); err != nil {
		return Bullet{}, err
	}
	if b.Token == "" || len(b.InstanceServers) == 0 {
		return Bullet{}, &reader.ValidationError{Venue: venue, Reason: "bullet response without token or servers"}
	}
	return b, nil
}
