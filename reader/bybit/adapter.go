// Package bybit implements the Bybit v5 venue: header signing, spot market
// data, unified account balances, linear positions and the public spot
// ticker stream.
package bybit

import (
	"cryptotrack/models"
	"cryptotrack/reader"
)

const (
	DefaultRestURL        = "https://api.bybit.com"
	DefaultSandboxRestURL = "https://api-testnet.bybit.com"
	DefaultWsURL          = "wss://stream.bybit.com/v5/public/spot"
	DefaultSandboxWsURL   = "wss://stream-testnet.bybit.com/v5/public/spot"
)

// Adapter builds Bybit clients.
type Adapter struct {
	opts reader.AdapterOptions
}

func NewAdapter(opts reader.AdapterOptions) *Adapter {
	return &Adapter{opts: opts.WithDefaults(DefaultRestURL, DefaultSandboxRestURL, DefaultWsURL, DefaultSandboxWsURL)}
}

func (a *Adapter) Venue() models.VenueID { return venue }

func (a *Adapter) Validate(creds models.Credentials) error {
	return reader.RequireCredentials(venue, creds, false)
}

func (a *Adapter) NewRestClient(creds models.Credentials) (reader.RestClient, error) {
	if err := a.Validate(creds); err != nil {
		return nil, err
	}
	restURL, _ := a.opts.URLs(creds.SandboxMode)
	return NewRestClient(a.opts, restURL, creds), nil
}

func (a *Adapter) NewStream(_ reader.RestClient, creds models.Credentials) (reader.Stream, error) {
	_, wsURL := a.opts.URLs(creds.SandboxMode)
	streamOpts := a.opts.Stream
	if streamOpts.Log == nil {
		streamOpts.Log = a.opts.Log
	}
	return reader.NewStreamClient(NewProtocol(wsURL), streamOpts), nil
}
