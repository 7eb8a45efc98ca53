package reader

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cryptotrack/logger"
	"cryptotrack/models"
)

// RestClient is the typed REST surface of one venue. Every symbol argument
// and result is canonical BASE/QUOTE.
type RestClient interface {
	Venue() models.VenueID
	// Ticker returns the last traded price of a symbol.
	Ticker(ctx context.Context, symbol string) (models.TickerSample, error)
	// Stats24h returns rolling 24h statistics of a symbol.
	Stats24h(ctx context.Context, symbol string) (models.TickerSample, error)
	// MarketData fetches 24h statistics for several symbols, preferring one
	// bulk call and falling back to per-symbol calls. Failures are logged;
	// the result holds whatever succeeded.
	MarketData(ctx context.Context, symbols []string) []models.TickerSample
	Balances(ctx context.Context) ([]models.BalanceRecord, error)
	Positions(ctx context.Context) ([]models.Position, error)
	BestQuote(ctx context.Context, symbol string) (models.Quote, error)
	PlaceOrder(ctx context.Context, order models.OrderRequest) (models.OrderResult, error)
}

// Stream is one venue's long-lived ticker stream.
type Stream interface {
	Venue() models.VenueID
	Start(ctx context.Context) error
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
	Close()
	Events() <-chan StreamEvent
	State() StreamState
	Symbols() []string
	Attempts() int
}

// Adapter builds the clients of one venue and knows its credential rules.
type Adapter interface {
	Venue() models.VenueID
	// Validate checks credentials without any network call.
	Validate(creds models.Credentials) error
	NewRestClient(creds models.Credentials) (RestClient, error)
	NewStream(rest RestClient, creds models.Credentials) (Stream, error)
}

// LimitDiscoverer is implemented by REST clients that can retune their
// request pacing from venue metadata.
type LimitDiscoverer interface {
	DiscoverLimits(ctx context.Context) error
}

// AdapterOptions carries the endpoint and policy settings shared by the
// venue adapters.
type AdapterOptions struct {
	RestURL        string
	SandboxRestURL string
	WsURL          string
	SandboxWsURL   string

	Timeout           time.Duration
	MaxRetries        uint
	RequestsPerSecond float64
	Burst             int
	RecvWindow        int64
	DiscoverLimits    bool

	Stream     StreamOptions
	HTTPClient *http.Client
	Log        *logger.Log
}

// URLs returns the REST and stream base URLs for the credential mode.
func (o AdapterOptions) URLs(sandbox bool) (rest, ws string) {
	if sandbox {
		return o.SandboxRestURL, o.SandboxWsURL
	}
	return o.RestURL, o.WsURL
}

// WithDefaults fills unset endpoints from the given defaults.
func (o AdapterOptions) WithDefaults(rest, sandboxRest, ws, sandboxWs string) AdapterOptions {
	if o.RestURL == "" {
		o.RestURL = rest
	}
	if o.SandboxRestURL == "" {
		o.SandboxRestURL = sandboxRest
	}
	if o.WsURL == "" {
		o.WsURL = ws
	}
	if o.SandboxWsURL == "" {
		o.SandboxWsURL = sandboxWs
	}
	return o
}

// TransportConfig derives the REST transport settings for one client.
func (o AdapterOptions) TransportConfig(venue models.VenueID, baseURL string, signer Signer, classify Classifier) TransportConfig {
	return TransportConfig{
		Venue:             venue,
		BaseURL:           baseURL,
		Timeout:           o.Timeout,
		MaxRetries:        o.MaxRetries,
		RequestsPerSecond: o.RequestsPerSecond,
		Burst:             o.Burst,
		HTTPClient:        o.HTTPClient,
		Signer:            signer,
		Classify:          classify,
		Log:               o.Log,
	}
}

// RequireCredentials fails with ConfigError when a mandatory field is empty.
func RequireCredentials(venue models.VenueID, creds models.Credentials, passphrase bool) error {
	switch {
	case creds.APIKey == "":
		return &ConfigError{Venue: venue, Field: "apiKey", Msg: "is required"}
	case creds.APISecret == "":
		return &ConfigError{Venue: venue, Field: "apiSecret", Msg: "is required"}
	case passphrase && creds.Passphrase == "":
		return &ConfigError{Venue: venue, Field: "passphrase", Msg: "is required"}
	}
	return nil
}

// RequireSandbox rejects order placement outside sandbox mode.
func RequireSandbox(venue models.VenueID, creds models.Credentials) error {
	if !creds.SandboxMode {
		return &ConfigError{Venue: venue, Field: "sandboxMode", Msg: "orders are only accepted with sandbox credentials"}
	}
	return nil
}

// Registry indexes adapters by venue.
type Registry map[models.VenueID]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Venue()] = a
	}
	return r
}

// Get returns the adapter of venue.
func (r Registry) Get(venue models.VenueID) (Adapter, error) {
	a, ok := r[venue]
	if !ok {
		return nil, &ConfigError{Venue: venue, Msg: fmt.Sprintf("no adapter registered for venue %q", venue)}
	}
	return a, nil
}
