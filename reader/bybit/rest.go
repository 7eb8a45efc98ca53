package bybit

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptotrack/internal/symbols"
	"cryptotrack/logger"
	"cryptotrack/models"
	"cryptotrack/processor"
	"cryptotrack/reader"
)

const venue = models.VenueBybit

var errorCodes = reader.ErrorCodes{
	Auth: map[string]bool{
		"10003": true, // invalid api key
		"10004": true, // signature error
		"10005": true, // permission denied
		"10007": true, // user authentication failed
		"10010": true, // unmatched ip
		"33004": true, // api key expired
	},
	RateLimit: map[string]bool{
		"10006": true, // too many visits
		"10018": true, // ip rate limit
	},
}

// envelope is the v5 response wrapper. A non-zero retCode is an error even
// with HTTP 200.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func classify(status int, header http.Header, body []byte) error {
	var env envelope
	decoded := json.Unmarshal(body, &env) == nil
	if status >= 200 && status < 300 && (!decoded || env.RetCode == 0) {
		return nil
	}
	if !decoded {
		return errorCodes.Classify(venue, status, header, "", string(body))
	}
	return errorCodes.Classify(venue, status, header, strconv.Itoa(env.RetCode), env.RetMsg)
}

// RestClient reads Bybit v5 spot market data, unified account balances and
// linear positions.
type RestClient struct {
	transport *reader.Transport
	sdk       *bybit.Client
	creds     models.Credentials
	log       *logger.Log
	now       func() time.Time
}

// NewRestClient builds a client against baseURL. The bybit SDK client
// shares the transport's HTTP pool and serves the order book reads.
func NewRestClient(opts reader.AdapterOptions, baseURL string, creds models.Credentials) *RestClient {
	var signer reader.Signer
	if creds.APIKey != "" && creds.APISecret != "" {
		signer = Signer{APIKey: creds.APIKey, APISecret: creds.APISecret, RecvWindow: opts.RecvWindow}
	}
	transport := reader.NewTransport(opts.TransportConfig(venue, baseURL, signer, classify))

	sdk := bybit.NewBybitHttpClient(creds.APIKey, creds.APISecret, bybit.WithBaseURL(baseURL))
	sdk.HTTPClient = transport.HTTPClient()

	return &RestClient{
		transport: transport,
		sdk:       sdk,
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
	return reader.Decode(venue, env.Result, out)
}

func native(symbol string) (string, error) {
	n, err := symbols.ToVenue(venue, symbol)
	if err != nil {
		return "", &reader.ValidationError{Venue: venue, Reason: err.Error()}
	}
	return n, nil
}

type ticker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	PrevPrice24h string `json:"prevPrice24h"`
	Price24hPcnt string `json:"price24hPcnt"`
	Volume24h    string `json:"volume24h"`
}

type tickerList struct {
	Category string   `json:"category"`
	List     []ticker `json:"list"`
}

var hundred = decimal.NewFromInt(100)

// sample converts a ticker row. price24hPcnt is a fraction on Bybit and is
// reported as a percentage.
func (t ticker) sample(symbol string, eventMs int64) (models.TickerSample, error) {
	price, err := reader.ParsePrice(venue, "lastPrice", t.LastPrice)
	if err != nil {
		return models.TickerSample{}, err
	}
	prev, err := reader.ParseOptionalDecimal(venue, "prevPrice24h", t.PrevPrice24h)
	if err != nil {
		return models.TickerSample{}, err
	}
	pct, err := reader.ParseOptionalDecimal(venue, "price24hPcnt", t.Price24hPcnt)
	if err != nil {
		return models.TickerSample{}, err
	}
	vol, err := reader.ParseOptionalDecimal(venue, "volume24h", t.Volume24h)
	if err != nil {
		return models.TickerSample{}, err
	}
	change := decimal.Zero
	if prev.IsPositive() {
		change = price.Sub(prev)
	}
	return models.TickerSample{
		VenueID:          venue,
		Symbol:           symbol,
		Price:            price,
		Change24h:        change,
		ChangePercent24h: pct.Mul(hundred),
		Volume24h:        vol,
		EventTimeMs:      eventMs,
	}, nil
}

func (c *RestClient) tickers(ctx context.Context, query url.Values) ([]ticker, int64, error) {
	body, err := c.transport.Do(ctx, reader.Call{Method: http.MethodGet, Path: "/v5/market/tickers", Query: query})
	if err != nil {
		return nil, 0, err
	}
	var env envelope
	if err := reader.Decode(venue, body, &env); err != nil {
		return nil, 0, err
	}
	var list tickerList
	if err := reader.Decode(venue, env.Result, &list); err != nil {
		return nil, 0, err
	}
	return list.List, env.Time, nil
}

func (c *RestClient) Ticker(ctx context.Context, symbol string) (models.TickerSample, error) {
	return c.Stats24h(ctx, symbol)
}

func (c *RestClient) Stats24h(ctx context.Context, symbol string) (models.TickerSample, error) {
	n, err := native(symbol)
	if err != nil {
		return models.TickerSample{}, err
	}
	rows, ts, err := c.tickers(ctx, url.Values{"category": {"spot"}, "symbol": {n}})
	if err != nil {
		return models.TickerSample{}, err
	}
	for _, row := range rows {
		if row.Symbol == n {
			return row.sample(symbol, ts)
		}
	}
	return models.TickerSample{}, &reader.APIError{Venue: venue, Message: "no ticker for " + n}
}

// MarketData reads every spot ticker in one call and keeps the requested
// symbols, falling back to per-symbol reads when that fails.
func (c *RestClient) MarketData(ctx context.Context, syms []string) []models.TickerSample {
	return reader.FetchMarketData(ctx, c.log, venue, syms, c.bulkStats, c.Stats24h)
}

func (c *RestClient) bulkStats(ctx context.Context, syms []string) ([]models.TickerSample, error) {
	wanted := symbols.ToVenueAll(venue, syms)
	rows, ts, err := c.tickers(ctx, url.Values{"category": {"spot"}})
	if err != nil {
		return nil, err
	}
	out := make([]models.TickerSample, 0, len(wanted))
	for _, row := range rows {
		canonical, ok := wanted[row.Symbol]
		if !ok {
			continue
		}
		s, err := row.sample(canonical, ts)
		if err != nil {
			c.log.WithComponent("bybit_rest").WithError(err).Warn("skipping unreadable ticker")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *RestClient) Balances(ctx context.Context) ([]models.BalanceRecord, error) {
	body, err := c.transport.Do(ctx, reader.Call{
		Method: http.MethodGet,
		Path:   "/v5/account/wallet-balance",
		Query:  url.Values{"accountType": {"UNIFIED"}},
		Signed: true,
	})
	if err != nil {
		return nil, err
	}
	return processor.Normalize(venue, BalanceShape{}, body)
}

type position struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

// Positions reads open USDT linear positions.
func (c *RestClient) Positions(ctx context.Context) ([]models.Position, error) {
	var res struct {
		List []position `json:"list"`
	}
	err := c.call(ctx, reader.Call{
		Method: http.MethodGet,
		Path:   "/v5/position/list",
		Query:  url.Values{"category": {"linear"}, "settleCoin": {"USDT"}},
		Signed: true,
	}, &res)
	if err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(res.List))
	for _, p := range res.List {
		size, err := decimal.NewFromString(p.Size)
		if err != nil || size.IsZero() {
			continue
		}
		canonical, err := symbols.FromVenue(venue, p.Symbol)
		if err != nil {
			c.log.WithComponent("bybit_rest").WithFields(logger.Fields{"symbol": p.Symbol}).Warn("skipping position with unknown symbol")
			continue
		}
		entry, _ := decimal.NewFromString(p.AvgPrice)
		updated := c.now()
		if ms, err := strconv.ParseInt(p.UpdatedTime, 10, 64); err == nil && ms > 0 {
			updated = time.UnixMilli(ms)
		}
		out = append(out, models.Position{
			VenueID:    venue,
			Symbol:     canonical,
			Side:       strings.ToLower(p.Side),
			Size:       size,
			EntryPrice: entry,
			UpdatedAt:  updated,
		})
	}
	return out, nil
}

type orderBook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
}

// BestQuote reads the top of the spot order book through the bybit SDK.
func (c *RestClient) BestQuote(ctx context.Context, symbol string) (models.Quote, error) {
	n, err := native(symbol)
	if err != nil {
		return models.Quote{}, err
	}
	if err := c.transport.Wait(ctx); err != nil {
		return models.Quote{}, err
	}
	params := map[string]interface{}{
		"category": "spot",
		"symbol":   n,
		"limit":    1,
	}
	resp, err := c.sdk.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return models.Quote{}, &reader.TransportError{Venue: venue, Op: "GET /v5/market/orderbook", Err: err}
	}
	if resp.RetCode != 0 {
		return models.Quote{}, errorCodes.Classify(venue, http.StatusOK, nil, strconv.Itoa(resp.RetCode), resp.RetMsg)
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return models.Quote{}, &reader.ValidationError{Venue: venue, Reason: err.Error()}
	}
	var book orderBook
	if err := reader.Decode(venue, payload, &book); err != nil {
		return models.Quote{}, err
	}
	return quoteFromBook(symbol, book)
}

func quoteFromBook(symbol string, book orderBook) (models.Quote, error) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 || len(book.Bids[0]) < 2 || len(book.Asks[0]) < 2 {
		return models.Quote{}, &reader.ValidationError{Venue: venue, Reason: "empty order book for " + book.Symbol}
	}
	q := models.Quote{VenueID: venue, Symbol: symbol, Time: time.UnixMilli(book.Ts)}
	var err error
	if q.Bid, err = reader.ParseDecimal(venue, "bid", book.Bids[0][0]); err != nil {
		return models.Quote{}, err
	}
	if q.BidSize, err = reader.ParseDecimal(venue, "bidSize", book.Bids[0][1]); err != nil {
		return models.Quote{}, err
	}
	if q.Ask, err = reader.ParseDecimal(venue, "ask", book.Asks[0][0]); err != nil {
		return models.Quote{}, err
	}
	if q.AskSize, err = reader.ParseDecimal(venue, "askSize", book.Asks[0][1]); err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

type createOrder struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
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
	req := createOrder{
		Category:    "spot",
		Symbol:      n,
		Side:        titleCase(string(order.Side)),
		OrderType:   titleCase(string(order.Type)),
		Qty:         order.Quantity.String(),
		OrderLinkID: order.ClientOrderID,
	}
	if order.Type == models.OrderTypeLimit {
		req.Price = order.Price.String()
		req.TimeInForce = "GTC"
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.call(ctx, reader.Call{Method: http.MethodPost, Path: "/v5/order/create", Body: req, Signed: true}, &res); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{
		VenueID:       venue,
		Symbol:        order.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.OrderLinkID,
		Status:        "New",
		CreatedAt:     c.now(),
	}, nil
}

// titleCase maps BUY to Buy and LIMIT to Limit.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
