package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	ratemetrics "cryptotrack/internal/metrics/rate"
	"cryptotrack/internal/symbols"
	"cryptotrack/logger"
	"cryptotrack/models"
	"cryptotrack/processor"
	"cryptotrack/reader"
)

const venue = models.VenueBinance

var errorCodes = reader.ErrorCodes{
	Auth: map[string]bool{
		"-1002": true, // unauthorized
		"-1022": true, // invalid signature
		"-2014": true, // api key format invalid
		"-2015": true, // invalid api key, ip or permissions
	},
	RateLimit: map[string]bool{
		"-1003": true, // too many requests
		"-1015": true, // too many orders
	},
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func classify(status int, header http.Header, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || (e.Code == 0 && e.Msg == "") {
		return errorCodes.Classify(venue, status, header, "", string(body))
	}
	return errorCodes.Classify(venue, status, header, strconv.Itoa(e.Code), e.Msg)
}

// RestClient reads Binance spot market data and account state.
type RestClient struct {
	transport *reader.Transport
	sdk       *binance.Client
	creds     models.Credentials
	discover  bool
	log       *logger.Log
	now       func() time.Time
}

// NewRestClient builds a client against baseURL. The go-binance client
// shares the transport's HTTP pool and is only used for exchange metadata.
func NewRestClient(opts reader.AdapterOptions, baseURL string, creds models.Credentials) *RestClient {
	var signer reader.Signer
	if creds.APIKey != "" && creds.APISecret != "" {
		signer = Signer{APIKey: creds.APIKey, APISecret: creds.APISecret, RecvWindow: opts.RecvWindow}
	}
	transport := reader.NewTransport(opts.TransportConfig(venue, baseURL, signer, classify))

	sdk := binance.NewClient(creds.APIKey, creds.APISecret)
	sdk.BaseURL = baseURL
	sdk.HTTPClient = transport.HTTPClient()

	return &RestClient{
		transport: transport,
		sdk:       sdk,
		creds:     creds,
		discover:  opts.DiscoverLimits,
		log:       logger.OrDefault(opts.Log),
		now:       time.Now,
	}
}

func (c *RestClient) Venue() models.VenueID { return venue }

// DiscoverLimits reads the REQUEST_WEIGHT limit from exchangeInfo and paces
// the transport at that rate. Disabled clients return nil at once.
func (c *RestClient) DiscoverLimits(ctx context.Context) error {
	if !c.discover {
		return nil
	}
	perMinute, err := ratemetrics.FetchRequestWeightLimit(ctx, c.sdk)
	if err != nil {
		return &reader.TransportError{Venue: venue, Op: "exchangeInfo", Err: err}
	}
	if perMinute <= 0 {
		return nil
	}
	perSecond := float64(perMinute) / 60
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	c.transport.SetRateLimit(perSecond, burst)
	c.log.WithComponent("binance_rest").WithFields(logger.Fields{
		"weight_per_minute": perMinute,
		"per_second":        perSecond,
		"burst":             burst,
	}).Info("rest pacing tuned from exchange limits")
	return nil
}

type priceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type stats24h struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	CloseTime          int64  `json:"closeTime"`
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

type orderAck struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
	Status        string `json:"status"`
}

func (c *RestClient) get(ctx context.Context, path string, query url.Values, signed bool, out interface{}) error {
	body, err := c.transport.Do(ctx, reader.Call{Method: http.MethodGet, Path: path, Query: query, Signed: signed})
	if err != nil {
		return err
	}
	return reader.Decode(venue, body, out)
}

func native(symbol string) (string, error) {
	n, err := symbols.ToVenue(venue, symbol)
	if err != nil {
		return "", &reader.ValidationError{Venue: venue, Reason: err.Error()}
	}
	return n, nil
}

func (c *RestClient) Ticker(ctx context.Context, symbol string) (models.TickerSample, error) {
	n, err := native(symbol)
	if err != nil {
		return models.TickerSample{}, err
	}
	var t priceTicker
	if err := c.get(ctx, "/api/v3/ticker/price", url.Values{"symbol": {n}}, false, &t); err != nil {
		return models.TickerSample{}, err
	}
	p, err := reader.ParsePrice(venue, "price", t.Price)
	if err != nil {
		return models.TickerSample{}, err
	}
	return models.TickerSample{VenueID: venue, Symbol: symbol, Price: p, EventTimeMs: c.now().UnixMilli()}, nil
}

func (c *RestClient) Stats24h(ctx context.Context, symbol string) (models.TickerSample, error) {
	n, err := native(symbol)
	if err != nil {
		return models.TickerSample{}, err
	}
	var s stats24h
	if err := c.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {n}}, false, &s); err != nil {
		return models.TickerSample{}, err
	}
	return s.sample(symbol)
}

func (s stats24h) sample(symbol string) (models.TickerSample, error) {
	p, err := reader.ParsePrice(venue, "lastPrice", s.LastPrice)
	if err != nil {
		return models.TickerSample{}, err
	}
	change, err := reader.ParseOptionalDecimal(venue, "priceChange", s.PriceChange)
	if err != nil {
		return models.TickerSample{}, err
	}
	pct, err := reader.ParseOptionalDecimal(venue, "priceChangePercent", s.PriceChangePercent)
	if err != nil {
		return models.TickerSample{}, err
	}
	vol, err := reader.ParseOptionalDecimal(venue, "volume", s.Volume)
	if err != nil {
		return models.TickerSample{}, err
	}
	return models.TickerSample{
		VenueID:          venue,
		Symbol:           symbol,
		Price:            p,
		Change24h:        change,
		ChangePercent24h: pct,
		Volume24h:        vol,
		EventTimeMs:      s.CloseTime,
	}, nil
}

// MarketData asks for every symbol in one 24hr call and falls back to
// per-symbol calls when it fails.
func (c *RestClient) MarketData(ctx context.Context, syms []string) []models.TickerSample {
	return reader.FetchMarketData(ctx, c.log, venue, syms, c.bulkStats, c.Stats24h)
}

func (c *RestClient) bulkStats(ctx context.Context, syms []string) ([]models.TickerSample, error) {
	byNative := symbols.ToVenueAll(venue, syms)
	natives := make([]string, 0, len(byNative))
	for _, s := range syms {
		if n, err := symbols.ToVenue(venue, s); err == nil {
			natives = append(natives, n)
		}
	}
	param, err := json.Marshal(natives)
	if err != nil {
		return nil, err
	}
	var all []stats24h
	if err := c.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbols": {string(param)}}, false, &all); err != nil {
		return nil, err
	}
	out := make([]models.TickerSample, 0, len(all))
	for _, s := range all {
		canonical, ok := byNative[s.Symbol]
		if !ok {
			continue
		}
		sample, err := s.sample(canonical)
		if err != nil {
			c.log.WithComponent("binance_rest").WithError(err).Warn("skipping unreadable ticker")
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

func (c *RestClient) Balances(ctx context.Context) ([]models.BalanceRecord, error) {
	body, err := c.transport.Do(ctx, reader.Call{
		Method: http.MethodGet,
		Path:   "/api/v3/account",
		Query:  url.Values{"omitZeroBalances": {"true"}},
		Signed: true,
	})
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
	n, err := native(symbol)
	if err != nil {
		return models.Quote{}, err
	}
	var b bookTicker
	if err := c.get(ctx, "/api/v3/ticker/bookTicker", url.Values{"symbol": {n}}, false, &b); err != nil {
		return models.Quote{}, err
	}
	q := models.Quote{VenueID: venue, Symbol: symbol, Time: c.now()}
	if q.Bid, err = reader.ParseDecimal(venue, "bidPrice", b.BidPrice); err != nil {
		return models.Quote{}, err
	}
	if q.BidSize, err = reader.ParseDecimal(venue, "bidQty", b.BidQty); err != nil {
		return models.Quote{}, err
	}
	if q.Ask, err = reader.ParseDecimal(venue, "askPrice", b.AskPrice); err != nil {
		return models.Quote{}, err
	}
	if q.AskSize, err = reader.ParseDecimal(venue, "askQty", b.AskQty); err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

// PlaceOrder submits an order to the sandbox venue only.
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
	query := url.Values{
		"symbol":           {n},
		"side":             {string(order.Side)},
		"type":             {string(order.Type)},
		"quantity":         {order.Quantity.String()},
		"newClientOrderId": {order.ClientOrderID},
	}
	if order.Type == models.OrderTypeLimit {
		query.Set("price", order.Price.String())
		query.Set("timeInForce", "GTC")
	}
	body, err := c.transport.Do(ctx, reader.Call{Method: http.MethodPost, Path: "/api/v3/order", Query: query, Signed: true})
	if err != nil {
		return models.OrderResult{}, err
	}
	var ack orderAck
	if err := reader.Decode(venue, body, &ack); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{
		VenueID:       venue,
		Symbol:        order.Symbol,
		OrderID:       strconv.FormatInt(ack.OrderID, 10),
		ClientOrderID: ack.ClientOrderID,
		Status:        ack.Status,
		CreatedAt:     time.UnixMilli(ack.TransactTime),
	}, nil
}
