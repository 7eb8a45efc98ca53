package binance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"cryptotrack/internal/symbols"
	"cryptotrack/models"
	"cryptotrack/reader"
)

const pingInterval = 30 * time.Second

// Protocol frames the public Binance ticker stream. Subscriptions use
// <symbol>@ticker topics; the venue expects transport level pings.
type Protocol struct {
	url    string
	nextID atomic.Int64

	mu     sync.RWMutex
	byName map[string]string // BTCUSDT -> BTC/USDT
}

func NewProtocol(wsURL string) *Protocol {
	return &Protocol{url: wsURL, byName: make(map[string]string)}
}

func (p *Protocol) Venue() models.VenueID { return venue }

func (p *Protocol) Endpoint(context.Context) (reader.Endpoint, error) {
	if p.url == "" {
		return reader.Endpoint{}, &reader.ConfigError{Venue: venue, Field: "ws_url", Msg: "is required"}
	}
	return reader.Endpoint{URL: p.url, PingInterval: pingInterval}, nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (p *Protocol) SubscribeMessages(syms []string) ([][]byte, error) {
	return p.request("SUBSCRIBE", syms, true)
}

func (p *Protocol) UnsubscribeMessages(syms []string) ([][]byte, error) {
	return p.request("UNSUBSCRIBE", syms, false)
}

func (p *Protocol) request(method string, syms []string, track bool) ([][]byte, error) {
	params := make([]string, 0, len(syms))
	p.mu.Lock()
	for _, s := range syms {
		n, err := native(s)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if track {
			p.byName[n] = s
		}
		params = append(params, strings.ToLower(n)+"@ticker")
	}
	p.mu.Unlock()

	msg, err := json.Marshal(subscribeRequest{Method: method, Params: params, ID: p.nextID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// Ping is nil: Binance answers transport ping frames.
func (p *Protocol) Ping() []byte { return nil }

// frame covers the ticker payload, subscription acks and the combined
// stream wrapper. Upper and lower case keys are distinct fields on Binance,
// so the ones sharing a letter are all declared.
type frame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Change    string `json:"p"`
	ChangePct string `json:"P"`
	Last      string `json:"c"`
	CloseTime int64  `json:"C"`
	Volume    string `json:"v"`

	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`

	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (p *Protocol) Decode(data []byte) ([]models.TickerSample, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, reader.Invalid(venue, data, "decode frame: %v", err)
	}
	if f.Stream != "" && len(f.Data) > 0 {
		return p.Decode(f.Data)
	}
	switch {
	case f.Error != nil:
		return nil, reader.Invalid(venue, data, "request %d rejected: %s", idOf(f.ID), f.Error.Msg)
	case f.ID != nil:
		return nil, nil
	case f.Event == "24hrTicker":
		sample, err := p.sample(f)
		if err != nil {
			return nil, err
		}
		return []models.TickerSample{sample}, nil
	case f.Event != "":
		return nil, nil
	}
	return nil, reader.Invalid(venue, data, "unrecognised frame")
}

func (p *Protocol) sample(f frame) (models.TickerSample, error) {
	p.mu.RLock()
	canonical, ok := p.byName[f.Symbol]
	p.mu.RUnlock()
	if !ok {
		var err error
		if canonical, err = symbols.FromVenue(venue, f.Symbol); err != nil {
			return models.TickerSample{}, &reader.ValidationError{Venue: venue, Reason: err.Error()}
		}
	}
	price, err := reader.ParsePrice(venue, "c", f.Last)
	if err != nil {
		return models.TickerSample{}, err
	}
	change, err := reader.ParseOptionalDecimal(venue, "p", f.Change)
	if err != nil {
		return models.TickerSample{}, err
	}
	pct, err := reader.ParseOptionalDecimal(venue, "P", f.ChangePct)
	if err != nil {
		return models.TickerSample{}, err
	}
	vol, err := reader.ParseOptionalDecimal(venue, "v", f.Volume)
	if err != nil {
		return models.TickerSample{}, err
	}
	return models.TickerSample{
		VenueID:          venue,
		Symbol:           canonical,
		Price:            price,
		Change24h:        change,
		ChangePercent24h: pct,
		Volume24h:        vol,
		EventTimeMs:      f.EventTime,
	}, nil
}

func idOf(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
