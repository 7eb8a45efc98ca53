package kucoin

import (
	"context"
	"net/url"
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
	topicPrefix         = "/market/ticker:"
	defaultPingInterval = 18 * time.Second
)

// TokenSource issues private stream tokens.
type TokenSource interface {
	Bullet(ctx context.Context) (Bullet, error)
}

// Protocol frames the KuCoin spot ticker stream. Every connect fetches a
// fresh bullet token; the ping interval is the one the server hands out.
type Protocol struct {
	tokens TokenSource
	newID  func() string

	mu     sync.RWMutex
	byName map[string]string
}

func NewProtocol(tokens TokenSource) *Protocol {
	return &Protocol{tokens: tokens, newID: uuid.NewString, byName: make(map[string]string)}
}

func (p *Protocol) Venue() models.VenueID { return venue }

// Endpoint trades a signed bullet request for the stream URL:
// <endpoint>?token=<token>&connectId=<uuid>.
func (p *Protocol) Endpoint(ctx context.Context) (reader.Endpoint, error) {
	b, err := p.tokens.Bullet(ctx)
	if err != nil {
		return reader.Endpoint{}, err
	}
	if len(b.InstanceServers) == 0 {
		return reader.Endpoint{}, &reader.ValidationError{Venue: venue, Reason: "bullet token carried no instance servers"}
	}
	server := b.InstanceServers[0]
	u, err := url.Parse(server.Endpoint)
	if err != nil || u.Host == "" {
		return reader.Endpoint{}, &reader.ValidationError{Venue: venue, Reason: "invalid stream endpoint " + server.Endpoint}
	}
	q := u.Query()
	q.Set("token", b.Token)
	q.Set("connectId", p.newID())
	u.RawQuery = q.Encode()

	interval := time.Duration(server.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return reader.Endpoint{URL: u.String(), PingInterval: interval}, nil
}

type request struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// SubscribeMessages sends one subscribe per symbol.
func (p *Protocol) SubscribeMessages(syms []string) ([][]byte, error) {
	return p.requests("subscribe", syms, true)
}

func (p *Protocol) UnsubscribeMessages(syms []string) ([][]byte, error) {
	return p.requests("unsubscribe", syms, false)
}

func (p *Protocol) requests(kind string, syms []string, track bool) ([][]byte, error) {
	out := make([][]byte, 0, len(syms))
	for _, s := range syms {
		n, err := native(s)
		if err != nil {
			return nil, err
		}
		if track {
			p.mu.Lock()
			p.byName[n] = s
			p.mu.Unlock()
		}
		msg, err := json.Marshal(request{ID: p.newID(), Type: kind, Topic: topicPrefix + n, Response: true})
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (p *Protocol) Ping() []byte {
	msg, _ := json.Marshal(struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}{ID: p.newID(), Type: "ping"})
	return msg
}

type frame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    json.RawMessage `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type tickerData struct {
	Price string `json:"price"`
	Time  int64  `json:"time"`
}

func (p *Protocol) Decode(data []byte) ([]models.TickerSample, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, reader.Invalid(venue, data, "decode frame: %v", err)
	}
	switch f.Type {
	case "welcome", "ack", "pong":
		return nil, nil
	case "error":
		return nil, reader.Invalid(venue, data, "stream error %s: %s", string(f.Code), string(f.Data))
	case "message":
		if !strings.HasPrefix(f.Topic, topicPrefix) {
			return nil, nil
		}
		var t tickerData
		if err := json.Unmarshal(f.Data, &t); err != nil {
			return nil, reader.Invalid(venue, data, "decode ticker: %v", err)
		}
		canonical, err := p.canonical(strings.TrimPrefix(f.Topic, topicPrefix))
		if err != nil {
			return nil, err
		}
		price, err := reader.ParsePrice(venue, "price", t.Price)
		if err != nil {
			return nil, err
		}
		return []models.TickerSample{{VenueID: venue, Symbol: canonical, Price: price, EventTimeMs: t.Time}}, nil
	}
	return nil, reader.Invalid(venue, data, "unrecognised frame type %q", f.Type)
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
