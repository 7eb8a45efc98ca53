package bybit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"cryptotrack/internal/symbols"
	"cryptotrack/models"
	"cryptotrack/reader"
)

const (
	pingInterval = 20 * time.Second
	topicPrefix  = "tickers."
	// maxArgs is the spot limit of topics per subscribe request.
	maxArgs = 10
)

var pingFrame = []byte(`{"op":"ping"}`)

// Protocol frames the Bybit v5 public spot stream.
type Protocol struct {
	url string

	mu     sync.RWMutex
	byName map[string]string
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

type opRequest struct {
	ReqID string   `json:"req_id"`
	Op    string   `json:"op"`
	Args  []string `json:"args"`
}

func (p *Protocol) SubscribeMessages(syms []string) ([][]byte, error) {
	return p.ops("subscribe", syms, true)
}

func (p *Protocol) UnsubscribeMessages(syms []string) ([][]byte, error) {
	return p.ops("unsubscribe", syms, false)
}

func (p *Protocol) ops(op string, syms []string, track bool) ([][]byte, error) {
	args := make([]string, 0, len(syms))
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
		args = append(args, topicPrefix+n)
	}
	p.mu.Unlock()

	var out [][]byte
	for start := 0; start < len(args); start += maxArgs {
		end := start + maxArgs
		if end > len(args) {
			end = len(args)
		}
		msg, err := json.Marshal(opRequest{ReqID: uuid.NewString(), Op: op, Args: args[start:end]})
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ping is the application heartbeat; the server answers with a pong op.
func (p *Protocol) Ping() []byte { return pingFrame }

type frame struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

func (p *Protocol) Decode(data []byte) ([]models.TickerSample, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, reader.Invalid(venue, data, "decode frame: %v", err)
	}
	switch {
	case f.Op != "":
		if f.Success != nil && !*f.Success {
			return nil, reader.Invalid(venue, data, "%s rejected: %s", f.Op, f.RetMsg)
		}
		return nil, nil
	case strings.HasPrefix(f.Topic, topicPrefix):
		var t ticker
		if err := json.Unmarshal(f.Data, &t); err != nil {
			return nil, reader.Invalid(venue, data, "decode ticker: %v", err)
		}
		if t.Symbol == "" {
			t.Symbol = strings.TrimPrefix(f.Topic, topicPrefix)
		}
		canonical, err := p.canonical(t.Symbol)
		if err != nil {
			return nil, err
		}
		sample, err := t.sample(canonical, f.Ts)
		if err != nil {
			return nil, err
		}
		return []models.TickerSample{sample}, nil
	case f.Topic != "":
		return nil, nil
	}
	return nil, reader.Invalid(venue, data, "unrecognised frame")
}

func (p *Protocol) canonical(n string) (string, error) {
	p.mu.RLock()
	s, ok := p.byName[n]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}
	s, err := symbols.FromVenue(venue, n)
	if err != nil {
		return "", &reader.ValidationError{Venue: venue, Reason: err.Error()}
	}
	return s, nil
}
