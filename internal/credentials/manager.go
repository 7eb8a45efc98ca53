// Package credentials owns the live clients of every connected venue and
// the connect, rotate and disconnect lifecycle of their credentials.
package credentials

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptotrack/internal/orchestrator"
	"cryptotrack/logger"
	"cryptotrack/models"
	"cryptotrack/reader"
)

// Adapters resolves the adapter of a venue.
type Adapters interface {
	Get(venue models.VenueID) (reader.Adapter, error)
}

// Supervisor runs the stream and REST pair of a connected venue.
type Supervisor interface {
	Connect(ctx context.Context, venue models.VenueID, rest reader.RestClient, stream reader.Stream) error
	Disconnect(venue models.VenueID) error
	Degraded(venue models.VenueID) bool
}

// Store holds the venue identity rows.
type Store interface {
	GetVenue(id models.VenueID) (models.Venue, bool)
	SetVenueConnected(id models.VenueID, connected bool, creds *models.Credentials) error
	AddOrder(order models.OrderResult)
}

type Options struct {
	// VerifyTimeout bounds the balance call that proves new credentials.
	VerifyTimeout time.Duration
	// DiscoverLimits lets REST clients retune their pacing on connect.
	DiscoverLimits bool
	Log            *logger.Log
}

type client struct {
	rest  reader.RestClient
	creds models.Credentials
}

// Manager serialises lifecycle operations; reads of the live clients do
// not wait for them.
type Manager struct {
	adapters Adapters
	sup      Supervisor
	store    Store
	opts     Options
	log      *logger.Log

	ops     sync.Mutex
	mu      sync.RWMutex
	clients map[models.VenueID]client
}

func NewManager(adapters Adapters, sup Supervisor, store Store, opts Options) *Manager {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 15 * time.Second
	}
	return &Manager{
		adapters: adapters,
		sup:      sup,
		store:    store,
		opts:     opts,
		log:      logger.OrDefault(opts.Log),
		clients:  make(map[models.VenueID]client),
	}
}

func (m *Manager) venueLog(venue models.VenueID) *logger.Entry {
	return m.log.WithComponent("credentials").WithVenue(string(venue))
}

func (m *Manager) adapter(venue models.VenueID) (reader.Adapter, error) {
	if !venue.Valid() {
		return nil, &reader.ConfigError{Venue: venue, Msg: "unsupported venue"}
	}
	if _, ok := m.store.GetVenue(venue); !ok {
		return nil, &reader.ConfigError{Venue: venue, Msg: "venue is not registered"}
	}
	return m.adapters.Get(venue)
}

// open builds and verifies a REST client and its stream. Credential
// problems fail before any network call.
func (m *Manager) open(ctx context.Context, a reader.Adapter, venue models.VenueID, creds models.Credentials) (reader.RestClient, reader.Stream, error) {
	if err := a.Validate(creds); err != nil {
		return nil, nil, err
	}
	rest, err := a.NewRestClient(creds)
	if err != nil {
		return nil, nil, err
	}
	if d, ok := rest.(reader.LimitDiscoverer); ok && m.opts.DiscoverLimits {
		if err := d.DiscoverLimits(ctx); err != nil {
			m.venueLog(venue).WithError(err).Warn("rate limit discovery failed, keeping configured limits")
		}
	}

	vctx, cancel := context.WithTimeout(ctx, m.opts.VerifyTimeout)
	defer cancel()
	if _, err := rest.Balances(vctx); err != nil {
		if reader.IsAuth(err) {
			m.venueLog(venue).WithError(err).Error("venue rejected credentials")
		}
		return nil, nil, fmt.Errorf("verify %s credentials: %w", venue, err)
	}

	stream, err := a.NewStream(rest, creds)
	if err != nil {
		return nil, nil, err
	}
	return rest, stream, nil
}

// Connect validates and verifies creds, then hands fresh clients to the
// supervisor. A degraded venue is replaced; a healthy one is an error.
func (m *Manager) Connect(ctx context.Context, venue models.VenueID, creds models.Credentials) error {
	a, err := m.adapter(venue)
	if err != nil {
		return err
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	if _, ok := m.current(venue); ok {
		if !m.sup.Degraded(venue) {
			return fmt.Errorf("%s: %w", venue, orchestrator.ErrAlreadyConnected)
		}
		m.venueLog(venue).Info("replacing degraded venue session")
		m.teardown(venue)
	}

	rest, stream, err := m.open(ctx, a, venue, creds)
	if err != nil {
		return err
	}
	if err := m.attach(ctx, venue, rest, stream, creds); err != nil {
		return err
	}
	m.venueLog(venue).WithFields(logger.Fields{
		"api_key": creds.Redacted().APIKey,
		"sandbox": creds.SandboxMode,
	}).Info("venue credentials connected")
	return nil
}

func (m *Manager) attach(ctx context.Context, venue models.VenueID, rest reader.RestClient, stream reader.Stream, creds models.Credentials) error {
	if err := m.sup.Connect(ctx, venue, rest, stream); err != nil {
		stream.Close()
		return err
	}
	if err := m.store.SetVenueConnected(venue, true, &creds); err != nil {
		_ = m.sup.Disconnect(venue)
		return err
	}
	m.mu.Lock()
	m.clients[venue] = client{rest: rest, creds: creds}
	m.mu.Unlock()
	return nil
}

// Rotate swaps the credentials of a connected venue. The new credentials
// are verified first; if they fail the running session is left as is.
func (m *Manager) Rotate(ctx context.Context, venue models.VenueID, creds models.Credentials) error {
	a, err := m.adapter(venue)
	if err != nil {
		return err
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	if _, ok := m.current(venue); !ok {
		return fmt.Errorf("%s: %w", venue, orchestrator.ErrNotConnected)
	}
	rest, stream, err := m.open(ctx, a, venue, creds)
	if err != nil {
		m.venueLog(venue).WithError(err).Warn("credential rotation rejected, keeping current session")
		return err
	}

	m.teardown(venue)
	if err := m.attach(ctx, venue, rest, stream, creds); err != nil {
		m.venueLog(venue).WithError(err).Error("credential rotation failed after teardown")
		return err
	}
	m.venueLog(venue).WithFields(logger.Fields{"api_key": creds.Redacted().APIKey}).Info("venue credentials rotated")
	return nil
}

// Disconnect stops the venue and forgets its credentials.
func (m *Manager) Disconnect(ctx context.Context, venue models.VenueID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.ops.Lock()
	defer m.ops.Unlock()

	if _, ok := m.current(venue); !ok {
		return fmt.Errorf("%s: %w", venue, orchestrator.ErrNotConnected)
	}
	m.teardown(venue)
	m.venueLog(venue).Info("venue credentials disconnected")
	return nil
}

// teardown drops the live session of venue. Caller holds m.ops.
func (m *Manager) teardown(venue models.VenueID) {
	if err := m.sup.Disconnect(venue); err != nil {
		m.venueLog(venue).WithError(err).Debug("supervisor had no session")
	}
	m.mu.Lock()
	delete(m.clients, venue)
	m.mu.Unlock()
	if err := m.store.SetVenueConnected(venue, false, nil); err != nil {
		m.venueLog(venue).WithError(err).Warn("failed to mark venue disconnected")
	}
}

func (m *Manager) current(venue models.VenueID) (client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[venue]
	return c, ok
}

// RestClient returns the live REST client of venue.
func (m *Manager) RestClient(venue models.VenueID) (reader.RestClient, bool) {
	c, ok := m.current(venue)
	return c.rest, ok
}

// PlaceOrder submits order through the live client of venue and records
// the acknowledgement. Clients refuse orders outside sandbox mode.
func (m *Manager) PlaceOrder(ctx context.Context, venue models.VenueID, order models.OrderRequest) (models.OrderResult, error) {
	c, ok := m.current(venue)
	if !ok {
		return models.OrderResult{}, fmt.Errorf("%s: %w", venue, orchestrator.ErrNotConnected)
	}
	res, err := c.rest.PlaceOrder(ctx, order)
	if err != nil {
		return models.OrderResult{}, err
	}
	m.store.AddOrder(res)
	m.venueLog(venue).WithFields(logger.Fields{
		"symbol":          res.Symbol,
		"order_id":        res.OrderID,
		"client_order_id": res.ClientOrderID,
	}).Info("sandbox order placed")
	return res, nil
}

// Connected lists the venues with live credentials, ordered by id.
func (m *Manager) Connected() []models.VenueID {
	m.mu.RLock()
	out := make([]models.VenueID, 0, len(m.clients))
	for v := range m.clients {
		out = append(out, v)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DisconnectAll tears down every venue, used on shutdown.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, v := range m.Connected() {
		if err := m.Disconnect(ctx, v); err != nil {
			m.venueLog(v).WithError(err).Warn("disconnect failed")
		}
	}
}
