// Package binance implements the Binance spot venue: HMAC query signing,
// REST market data and account reads, and the public ticker stream.
package binance

import (
	"cryptotrack/logger"
	"cryptotrack/models"
	"cryptotrack/reader"
)

const (
	DefaultRestURL        = "https://api.binance.com"
	DefaultSandboxRestURL = "https://testnet.binance.vision"
	DefaultWsURL          = "wss://stream.binance.com:9443/ws"
	DefaultSandboxWsURL   = "wss://stream.testnet.binance.vision/ws"
)

// Adapter builds Binance clients.
type Adapter struct {
	opts reader.AdapterOptions
}

func NewAdapter(opts reader.AdapterOptions) *Adapter {
	return &Adapter{opts: opts.WithDefaults(DefaultRestURL, DefaultSandboxRestURL, DefaultWsURL, DefaultSandboxWsURL)}
}

func (a *Adapter) Venue() models.VenueID { return venue }

// Validate requires an API key and secret.
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

// NewStream opens no connection; the public ticker stream needs no token.
func (a *Adapter) NewStream(_ reader.RestClient, creds models.Credentials) (reader.Stream, error) {
	_, wsURL := a.opts.URLs(creds.SandboxMode)
	streamOpts := a.opts.Stream
	if streamOpts.Log == nil {
		streamOpts.Log = a.opts.Log
	}
	logger.OrDefault(a.opts.Log).WithComponent("binance_stream").WithFields(logger.Fields{
		"url":     wsURL,
		"sandbox": creds.SandboxMode,
	}).Debug("binance stream configured")
	return reader.NewStreamClient(NewProtocol(wsURL), streamOpts), nil
}
