// Package orchestrator supervises one stream and one REST client per
// connected venue. It derives subscriptions from open positions, folds
// ticker samples into per-venue prices and aggregated market data, and
// resyncs balances and bulk market data in the background.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"cryptotrack/internal/metrics"
	"cryptotrack/internal/symbols"
	"cryptotrack/logger"
	"cryptotrack/models"
	"cryptotrack/processor"
	"cryptotrack/reader"
)

var (
	ErrAlreadyConnected = errors.New("venue already connected")
	ErrNotConnected     = errors.New("venue not connected")
	ErrDegraded         = errors.New("venue degraded")
	ErrClosed           = errors.New("orchestrator closed")
)

// Store is the persistence the orchestrator writes through.
type Store interface {
	UpsertVenuePrice(venue models.VenueID, symbol string, price, volume decimal.Decimal, at time.Time) error
	DeleteVenuePrices(venue models.VenueID) error
	UpsertAggregatedMarketData(rec models.AggregatedMarketData) error
	AggregatedMarketData(symbol string) (models.AggregatedMarketData, bool)
	ActivePositionsForVenue(venue models.VenueID) []string
	ReplaceBalances(venue models.VenueID, balances []models.BalanceRecord) error
	ReplacePositions(venue models.VenueID, positions []models.Position) error
	DeleteBalances(venue models.VenueID) error
	SetVenueConnected(venue models.VenueID, connected bool, creds *models.Credentials) error
}

// Publisher receives every recomputed aggregate. Publish must not block.
type Publisher interface {
	Publish(rec models.AggregatedMarketData)
}

type Options struct {
	BalanceResyncInterval time.Duration
	MarketRefreshInterval time.Duration
	// DefaultSymbols are subscribed when a venue has no open positions.
	DefaultSymbols []string
	Publisher      Publisher
	Log            *logger.Log
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BalanceResyncInterval <= 0 {
		o.BalanceResyncInterval = 60 * time.Second
	}
	if o.MarketRefreshInterval <= 0 {
		o.MarketRefreshInterval = 30 * time.Second
	}
	if len(o.DefaultSymbols) == 0 {
		o.DefaultSymbols = []string{"BTC/USDT", "ETH/USDT"}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Log = logger.OrDefault(o.Log)
	return o
}

// VenueStatus is the operator view of one supervised venue.
type VenueStatus struct {
	Venue          models.VenueID `json:"venue"`
	Name           string         `json:"name"`
	State          string         `json:"state"`
	Symbols        []string       `json:"symbols"`
	Attempts       int            `json:"reconnectAttempts"`
	Degraded       bool           `json:"degraded"`
	LastError      string         `json:"lastError,omitempty"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastBalanceAt  time.Time      `json:"lastBalanceSync,omitempty"`
	LastMarketAt   time.Time      `json:"lastMarketRefresh,omitempty"`
	BalanceRecords int            `json:"balanceRecords"`
}

type session struct {
	venue       models.VenueID
	rest        reader.RestClient
	stream      reader.Stream
	cancel      context.CancelFunc
	connectedAt time.Time

	mu           sync.Mutex
	degraded     bool
	lastErr      error
	lastBalance  time.Time
	lastMarket   time.Time
	balanceCount int
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *session) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

type Orchestrator struct {
	opts  Options
	store Store
	log   *logger.Log
	book  *book

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.RWMutex
	sessions map[models.VenueID]*session
	order    []models.VenueID
	closed   bool
}

func New(store Store, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:     opts,
		store:    store,
		log:      opts.Log,
		book:     newBook(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[models.VenueID]*session),
	}
}

// Connect takes ownership of rest and stream for venue: it starts the
// stream, subscribes the venue's open position symbols (or the defaults)
// and schedules balance resync and market refresh. The stream outlives
// ctx; it runs until Disconnect or Close.
func (o *Orchestrator) Connect(ctx context.Context, venue models.VenueID, rest reader.RestClient, stream reader.Stream) error {
	if rest == nil || stream == nil {
		return &reader.ConfigError{Venue: venue, Msg: "rest client and stream are required"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if _, ok := o.sessions[venue]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", venue, ErrAlreadyConnected)
	}
	sctx, cancel := context.WithCancel(o.ctx)
	s := &session{venue: venue, rest: rest, stream: stream, cancel: cancel, connectedAt: o.opts.Now()}
	o.sessions[venue] = s
	o.order = append(o.order, venue)
	o.mu.Unlock()

	if err := stream.Start(sctx); err != nil {
		o.detach(venue)
		cancel()
		stream.Close()
		return fmt.Errorf("start %s stream: %w", venue, err)
	}
	syms := o.initialSymbols(venue)
	if err := stream.Subscribe(syms...); err != nil {
		_ = o.Disconnect(venue)
		return fmt.Errorf("subscribe %s: %w", venue, err)
	}

	o.wg.Go(func() { o.consume(sctx, s) })
	o.wg.Go(func() {
		o.every(sctx, o.opts.BalanceResyncInterval, func(ctx context.Context) {
			if err := o.ResyncBalances(ctx, venue); err != nil && ctx.Err() == nil {
				o.venueLog(venue).WithError(err).Warn("balance resync failed")
			}
		})
	})
	o.wg.Go(func() {
		o.every(sctx, o.opts.MarketRefreshInterval, func(ctx context.Context) {
			if err := o.RefreshMarketData(ctx, venue); err != nil && ctx.Err() == nil {
				o.venueLog(venue).WithError(err).Warn("market data refresh failed")
			}
		})
	})

	metrics.SetDegraded(string(venue), false)
	o.venueLog(venue).WithFields(logger.Fields{"symbols": syms}).Info("venue connected")
	return nil
}

func (o *Orchestrator) venueLog(venue models.VenueID) *logger.Entry {
	return o.log.WithComponent("orchestrator").WithVenue(string(venue))
}

func (o *Orchestrator) initialSymbols(venue models.VenueID) []string {
	var out []string
	for _, s := range o.store.ActivePositionsForVenue(venue) {
		if symbols.IsCanonical(s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, o.opts.DefaultSymbols...)
	}
	return out
}

// detach removes the session of venue from supervision and returns it.
func (o *Orchestrator) detach(venue models.VenueID) (*session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[venue]
	if !ok {
		return nil, false
	}
	delete(o.sessions, venue)
	for i, v := range o.order {
		if v == venue {
			o.order = append(o.order[:i:i], o.order[i+1:]...)
			break
		}
	}
	return s, true
}

// Disconnect stops the venue's stream and background work, discards its
// clients and purges its prices and balances before returning. Socket
// teardown finishes in the background.
func (o *Orchestrator) Disconnect(venue models.VenueID) error {
	s, ok := o.detach(venue)
	if !ok {
		return fmt.Errorf("%s: %w", venue, ErrNotConnected)
	}
	s.cancel()
	s.stream.Close()
	o.purge(venue)
	if err := o.store.DeleteBalances(venue); err != nil {
		o.venueLog(venue).WithError(err).Warn("failed to drop balances")
	}
	metrics.SetDegraded(string(venue), false)
	o.venueLog(venue).Info("venue disconnected")
	return nil
}

// purge removes every price of venue from the store and the book and
// recomputes the aggregates it took part in.
func (o *Orchestrator) purge(venue models.VenueID) {
	if err := o.store.DeleteVenuePrices(venue); err != nil {
		o.venueLog(venue).WithError(err).Warn("failed to delete venue prices")
	}
	for _, sym := range o.book.names() {
		sb := o.book.get(sym)
		sb.mu.Lock()
		if _, ok := sb.prices[venue]; ok {
			delete(sb.prices, venue)
			if err := o.recompute(sym, sb, o.liveOrder()); err != nil {
				o.venueLog(venue).WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("failed to recompute aggregate")
			}
		}
		sb.mu.Unlock()
	}
}

// liveOrder lists connected, non-degraded venues in connection order.
func (o *Orchestrator) liveOrder() []models.VenueID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.VenueID, 0, len(o.order))
	for _, v := range o.order {
		if s := o.sessions[v]; s != nil && !s.isDegraded() {
			out = append(out, v)
		}
	}
	return out
}

func (o *Orchestrator) live(venue models.VenueID) (*session, error) {
	o.mu.RLock()
	s, ok := o.sessions[venue]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", venue, ErrNotConnected)
	}
	if s.isDegraded() {
		return nil, fmt.Errorf("%s: %w", venue, ErrDegraded)
	}
	return s, nil
}

func contains(vs []models.VenueID, v models.VenueID) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// HandleTicker records the sample as its venue's current price and
// recomputes the symbol's aggregate. Samples from venues that are not
// connected are dropped. A sample without volume keeps the venue's last
// known volume.
func (o *Orchestrator) HandleTicker(sample models.TickerSample) error {
	_, err := o.apply(sample, false)
	return err
}

// apply records sample under the symbol lock. With keepNewer set, a sample
// older than the venue's stored price is skipped and applied is false.
func (o *Orchestrator) apply(sample models.TickerSample, keepNewer bool) (applied bool, err error) {
	venue := sample.VenueID
	if !symbols.IsCanonical(sample.Symbol) {
		return false, &reader.ValidationError{Venue: venue, Reason: fmt.Sprintf("symbol %q is not BASE/QUOTE", sample.Symbol)}
	}
	if !sample.Price.IsPositive() {
		return false, &reader.ValidationError{Venue: venue, Reason: fmt.Sprintf("non-positive price %s for %s", sample.Price, sample.Symbol)}
	}

	sb := o.book.get(sample.Symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	order := o.liveOrder()
	if !contains(order, venue) {
		metrics.EmitDropMetric(o.log, metrics.DropStaleVenue, string(venue), sample.Symbol)
		return false, fmt.Errorf("%s: %w", venue, ErrNotConnected)
	}

	at := o.opts.Now()
	if sample.EventTimeMs > 0 {
		at = time.UnixMilli(sample.EventTimeMs)
	}
	volume := sample.Volume24h
	if prev, ok := sb.prices[venue]; ok {
		if keepNewer && at.Before(prev.LastUpdated) {
			return false, nil
		}
		if volume.IsZero() {
			volume = prev.Volume24h
		}
	}
	if err := o.store.UpsertVenuePrice(venue, sample.Symbol, sample.Price, volume, at); err != nil {
		return false, fmt.Errorf("store %s price: %w", venue, err)
	}
	sb.prices[venue] = models.VenuePrice{VenueID: venue, Symbol: sample.Symbol, Price: sample.Price, Volume24h: volume, LastUpdated: at}
	return true, o.recompute(sample.Symbol, sb, order)
}

// recompute writes the aggregate of symbol. Caller holds sb.mu.
func (o *Orchestrator) recompute(symbol string, sb *symbolBook, order []models.VenueID) error {
	var last *models.AggregatedMarketData
	if rec, ok := o.store.AggregatedMarketData(symbol); ok {
		last = &rec
	}
	agg, ok := processor.Aggregate(symbol, sb.ordered(order), last, o.opts.Now())
	if !ok {
		return nil
	}
	if err := o.store.UpsertAggregatedMarketData(agg); err != nil {
		return fmt.Errorf("store aggregate %s: %w", symbol, err)
	}
	metrics.IncAggregateUpdate()
	if o.opts.Publisher != nil {
		o.opts.Publisher.Publish(agg)
	}
	return nil
}

func (o *Orchestrator) consume(ctx context.Context, s *session) {
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleEvent(s, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(s *session, ev reader.StreamEvent) {
	log := o.venueLog(s.venue)
	switch ev.Kind {
	case reader.EventTicker:
		if err := o.HandleTicker(ev.Ticker); err != nil {
			log.WithError(err).Debug("ticker dropped")
		}
	case reader.EventConnected:
		log.Info("stream connected")
	case reader.EventError:
		s.setErr(ev.Err)
		if reader.IsAuth(ev.Err) {
			log.WithError(ev.Err).Error("venue rejected credentials")
		}
	case reader.EventDisconnected:
		s.setErr(ev.Err)
		if ev.Terminal {
			o.degrade(s, ev.Err)
		}
	case reader.EventMaxReconnectAttempts:
		o.degrade(s, ev.Err)
	}
}

// degrade marks a venue whose stream stopped for good. Its prices leave the
// aggregation and it is reported as disconnected until the credential
// owner reconnects it.
func (o *Orchestrator) degrade(s *session, err error) {
	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	s.cancel()
	metrics.SetDegraded(string(s.venue), true)
	o.venueLog(s.venue).WithError(err).Error("venue degraded, stream stopped")
	o.purge(s.venue)
	if err := o.store.SetVenueConnected(s.venue, false, nil); err != nil {
		o.venueLog(s.venue).WithError(err).Warn("failed to mark venue disconnected")
	}
}

// RefreshMarketData fetches bulk 24h statistics for the venue's subscribed
// symbols and folds them in like stream samples. A sample older than the
// venue's stored price is skipped.
func (o *Orchestrator) RefreshMarketData(ctx context.Context, venue models.VenueID) error {
	s, err := o.live(venue)
	if err != nil {
		return err
	}
	syms := s.stream.Symbols()
	if len(syms) == 0 {
		return nil
	}
	started := time.Now()
	samples := s.rest.MarketData(ctx, syms)
	stale := 0
	for _, sample := range samples {
		if sample.VenueID == "" {
			sample.VenueID = venue
		}
		applied, err := o.apply(sample, true)
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return err
			}
			o.venueLog(venue).WithError(err).Warn("skipping refreshed sample")
			continue
		}
		if !applied {
			stale++
		}
	}
	s.mu.Lock()
	s.lastMarket = o.opts.Now()
	s.mu.Unlock()
	o.venueLog(venue).WithFields(logger.Fields{"requested": len(syms), "received": len(samples), "stale": stale}).LogDuration("market_refresh", started)
	return nil
}

// ResyncBalances replaces the venue's balances and positions and
// subscribes any newly opened position symbols.
func (o *Orchestrator) ResyncBalances(ctx context.Context, venue models.VenueID) error {
	s, err := o.live(venue)
	if err != nil {
		return err
	}
	balances, err := s.rest.Balances(ctx)
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("%s balances: %w", venue, err)
	}
	if err := o.store.ReplaceBalances(venue, balances); err != nil {
		return fmt.Errorf("store %s balances: %w", venue, err)
	}
	s.mu.Lock()
	s.lastBalance = o.opts.Now()
	s.balanceCount = len(balances)
	s.mu.Unlock()

	positions, err := s.rest.Positions(ctx)
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("%s positions: %w", venue, err)
	}
	if err := o.store.ReplacePositions(venue, positions); err != nil {
		return fmt.Errorf("store %s positions: %w", venue, err)
	}
	o.followPositions(s)
	return nil
}

func (o *Orchestrator) followPositions(s *session) {
	current := make(map[string]bool)
	for _, sym := range s.stream.Symbols() {
		current[sym] = true
	}
	var added []string
	for _, sym := range o.store.ActivePositionsForVenue(s.venue) {
		if !current[sym] && symbols.IsCanonical(sym) {
			added = append(added, sym)
		}
	}
	if len(added) == 0 {
		return
	}
	if err := s.stream.Subscribe(added...); err != nil {
		o.venueLog(s.venue).WithError(err).Warn("failed to subscribe position symbols")
		return
	}
	o.venueLog(s.venue).WithFields(logger.Fields{"symbols": added}).Info("subscribed position symbols")
}

// every runs fn at once and then on each interval until ctx ends.
func (o *Orchestrator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Status reports every supervised venue in connection order.
func (o *Orchestrator) Status() []VenueStatus {
	o.mu.RLock()
	sessions := make([]*session, 0, len(o.order))
	for _, v := range o.order {
		sessions = append(sessions, o.sessions[v])
	}
	o.mu.RUnlock()

	out := make([]VenueStatus, 0, len(sessions))
	for _, s := range sessions {
		st := VenueStatus{
			Venue:       s.venue,
			Name:        models.DisplayName(s.venue),
			State:       s.stream.State().String(),
			Symbols:     s.stream.Symbols(),
			Attempts:    s.stream.Attempts(),
			ConnectedAt: s.connectedAt,
		}
		s.mu.Lock()
		st.Degraded = s.degraded
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		st.LastBalanceAt = s.lastBalance
		st.LastMarketAt = s.lastMarket
		st.BalanceRecords = s.balanceCount
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Degraded reports whether venue exhausted its stream.
func (o *Orchestrator) Degraded(venue models.VenueID) bool {
	o.mu.RLock()
	s, ok := o.sessions[venue]
	o.mu.RUnlock()
	return ok && s.isDegraded()
}

// Connected reports whether venue is supervised, degraded or not.
func (o *Orchestrator) Connected(venue models.VenueID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.sessions[venue]
	return ok
}

// Close disconnects every venue and waits for background work to stop.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	venues := append([]models.VenueID(nil), o.order...)
	o.mu.Unlock()

	for _, v := range venues {
		_ = o.Disconnect(v)
	}
	o.cancel()
	o.wg.Wait()
}
