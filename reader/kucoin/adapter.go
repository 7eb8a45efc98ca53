// Package kucoin implements the KuCoin spot venue: key version 2 signing
// with a signed passphrase, REST market data and accounts, and the token
// based ticker stream.
package kucoin

import (
	"cryptotrack/models"
	"cryptotrack/reader"
)

const (
	DefaultRestURL        = "https://api.kucoin.com"
	DefaultSandboxRestURL = "https://openapi-sandbox.kucoin.com"
)

// Adapter builds KuCoin clients. The stream URL comes from the bullet
// token, so no websocket URL is configured.
type Adapter struct {
	opts reader.AdapterOptions
}

func NewAdapter(opts reader.AdapterOptions) *Adapter {
	return &Adapter{opts: opts.WithDefaults(DefaultRestURL, DefaultSandboxRestURL, "", "")}
}

func (a *Adapter) Venue() models.VenueID { return venue }

// Validate requires key, secret and passphrase.
func (a *Adapter) Validate(creds models.Credentials) error {
	return reader.RequireCredentials(venue, creds, true)
}

func (a *Adapter) NewRestClient(creds models.Credentials) (reader.RestClient, error) {
	if err := a.Validate(creds); err != nil {
		return nil, err
	}
	restURL, _ := a.opts.URLs(creds.SandboxMode)
	return NewRestClient(a.opts, restURL, creds), nil
}

// NewStream reuses rest for bullet tokens when it is a KuCoin client.
func (a *Adapter) NewStream(rest reader.RestClient, creds models.Credentials) (reader.Stream, error) {
	tokens, ok := rest.(TokenSource)
	if !ok {
		client, err := a.NewRestClient(creds)
		if err != nil {
			return nil, err
		}
		tokens = client.(*RestClient)
	}
	streamOpts := a.opts.Stream
	if streamOpts.Log == nil {
		streamOpts.Log = a.opts.Log
	}
	return reader.NewStreamClient(NewProtocol(tokens), streamOpts), nil
}
