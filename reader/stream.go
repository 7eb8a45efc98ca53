package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"cryptotrack/internal/metrics"
	"cryptotrack/internal/metrics/rate"
	"cryptotrack/internal/symbols"
	"cryptotrack/logger"
	"cryptotrack/models"
)

// StreamState is the lifecycle state of a venue stream.
type StreamState int32

const (
	StateIdle StreamState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventKind discriminates StreamEvent.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventError
	EventTicker
	EventMaxReconnectAttempts
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventTicker:
		return "ticker"
	case EventMaxReconnectAttempts:
		return "max_reconnect_attempts_reached"
	}
	return "unknown"
}

// StreamEvent is a lifecycle signal or a ticker sample. Lifecycle and ticker
// events share one channel so their relative order is preserved.
type StreamEvent struct {
	Kind     EventKind
	Venue    models.VenueID
	Ticker   models.TickerSample
	Err      error
	Attempt  int
	Terminal bool
	Time     time.Time
}

// Endpoint is where a stream connects and how often it must heartbeat.
type Endpoint struct {
	URL          string
	PingInterval time.Duration
}

// Protocol is the venue specific part of a stream: endpoint discovery,
// message framing and ticker decoding. Symbols crossing this interface are
// canonical; the protocol translates to and from the venue format.
type Protocol interface {
	Venue() models.VenueID
	// Endpoint resolves the URL to dial. Token based venues perform a
	// signed REST call here.
	Endpoint(ctx context.Context) (Endpoint, error)
	SubscribeMessages(symbols []string) ([][]byte, error)
	UnsubscribeMessages(symbols []string) ([][]byte, error)
	// Ping returns the application heartbeat payload, or nil when the venue
	// expects a transport level ping frame.
	Ping() []byte
	// Decode turns one frame into ticker samples. Acks, pongs and welcome
	// frames yield no samples and no error. Malformed frames yield a
	// ValidationError.
	Decode(data []byte) ([]models.TickerSample, error)
}

// Conn is the subset of *websocket.Conn the stream uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// StreamOptions tunes connection and reconnect behaviour.
type StreamOptions struct {
	ConnectTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ReadTimeout    time.Duration
	EventBuffer    int
	Dialer         Dialer
	// After schedules reconnect timers; tests replace it.
	After func(time.Duration) <-chan time.Time
	Log   *logger.Log
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.After == nil {
		o.After = time.After
	}
	return o
}

const writeTimeout = 10 * time.Second

// ErrStreamClosed is returned by operations on a manually closed stream.
var ErrStreamClosed = errors.New("stream closed")

// StreamClient owns one venue connection: it tracks subscriptions across
// sessions, heartbeats, and reconnects with capped exponential backoff until
// MaxAttempts consecutive failures, after which it emits
// EventMaxReconnectAttempts and stops.
type StreamClient struct {
	proto Protocol
	venue models.VenueID
	opts  StreamOptions
	log   *logger.Entry

	mu       sync.Mutex
	state    StreamState
	started  bool
	conn     Conn
	subs     map[string]struct{}
	attempts int
	backoff  *backoff.ExponentialBackOff
	lastErr  error

	manual    atomic.Bool
	writeMu   sync.Mutex
	events    chan StreamEvent
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	tracker   *rate.WSTracker
}

func NewStreamClient(proto Protocol, opts StreamOptions) *StreamClient {
	opts = opts.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.MaxDelay,
	}
	b.Reset()
	return &StreamClient{
		proto:   proto,
		venue:   proto.Venue(),
		opts:    opts,
		log:     logger.OrDefault(opts.Log).WithComponent("stream").WithVenue(string(proto.Venue())),
		subs:    make(map[string]struct{}),
		backoff: b,
		events:  make(chan StreamEvent, opts.EventBuffer),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		tracker: rate.NewWSTracker(time.Second),
	}
}

func (c *StreamClient) Venue() models.VenueID { return c.venue }

// Events delivers lifecycle and ticker events. It is closed when the run
// loop exits.
func (c *StreamClient) Events() <-chan StreamEvent { return c.events }

// Done is closed once the run loop has exited.
func (c *StreamClient) Done() <-chan struct{} { return c.done }

func (c *StreamClient) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *StreamClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastError returns the most recent connect or transport error.
func (c *StreamClient) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OutgoingStats reports messages sent in the last second and total dials.
func (c *StreamClient) OutgoingStats() (msgs int, dials int) {
	return c.tracker.Stats()
}

// Symbols returns the tracked subscription set, sorted.
func (c *StreamClient) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbolsLocked()
}

func (c *StreamClient) symbolsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Start moves the stream from Idle to Connecting and runs it until Close,
// ctx cancellation, a terminal error or exhausted reconnects.
func (c *StreamClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual.Load() {
		return ErrStreamClosed
	}
	if c.started {
		return fmt.Errorf("%s stream already started", c.venue)
	}
	c.started = true
	c.state = StateConnecting
	go c.run(ctx)
	return nil
}

// Subscribe tracks symbols and, when the stream is open, subscribes at once.
// Otherwise the set is replayed when the next session opens.
func (c *StreamClient) Subscribe(syms ...string) error {
	if err := c.validate(syms); err != nil {
		return err
	}
	c.mu.Lock()
	if c.manual.Load() {
		c.mu.Unlock()
		return ErrStreamClosed
	}
	var added []string
	for _, s := range syms {
		if _, ok := c.subs[s]; !ok {
			c.subs[s] = struct{}{}
			added = append(added, s)
		}
	}
	conn := c.openConnLocked()
	c.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	msgs, err := c.proto.SubscribeMessages(added)
	if err != nil {
		return err
	}
	return c.send(conn, msgs)
}

// Unsubscribe stops tracking symbols and unsubscribes when open.
func (c *StreamClient) Unsubscribe(syms ...string) error {
	if err := c.validate(syms); err != nil {
		return err
	}
	c.mu.Lock()
	var removed []string
	for _, s := range syms {
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			removed = append(removed, s)
		}
	}
	conn := c.openConnLocked()
	c.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	msgs, err := c.proto.UnsubscribeMessages(removed)
	if err != nil {
		return err
	}
	return c.send(conn, msgs)
}

func (c *StreamClient) validate(syms []string) error {
	for _, s := range syms {
		if !symbols.IsCanonical(s) {
			return &ValidationError{Venue: c.venue, Reason: fmt.Sprintf("symbol %q is not BASE/QUOTE", s)}
		}
	}
	return nil
}

func (c *StreamClient) openConnLocked() Conn {
	if c.state != StateOpen {
		return nil
	}
	return c.conn
}

// Close is a manual disconnect. State and subscriptions change before it
// returns; any pending reconnect timer is abandoned and the socket is torn
// down in the background.
func (c *StreamClient) Close() {
	if !c.manual.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.state = StateClosed
	c.subs = make(map[string]struct{})
	conn := c.conn
	c.conn = nil
	neverStarted := !c.started
	c.started = true
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeCh) })
	metrics.SetStreamState(string(c.venue), int(StateClosed))
	if neverStarted {
		close(c.events)
		close(c.done)
	}
	if conn != nil {
		go func() {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}()
	}
	c.log.Info("stream closed")
}

func (c *StreamClient) setState(s StreamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual.Load() {
		return
	}
	c.state = s
	metrics.SetStreamState(string(c.venue), int(s))
}

func (c *StreamClient) closing(ctx context.Context) bool {
	return c.manual.Load() || ctx.Err() != nil
}

// emit delivers ev unless the stream was closed manually.
func (c *StreamClient) emit(ev StreamEvent) {
	if c.manual.Load() {
		return
	}
	ev.Venue = c.venue
	ev.Time = time.Now()
	select {
	case c.events <- ev:
	case <-c.closeCh:
	}
}

func (c *StreamClient) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	defer c.finish()

	for {
		if c.closing(ctx) {
			return
		}
		c.setState(StateConnecting)
		conn, ep, err := c.connect(ctx)
		if err != nil {
			if c.closing(ctx) {
				return
			}
			c.recordErr(err)
			c.log.WithError(err).WithFields(logger.Fields{"attempt": c.Attempts()}).Warn("stream connect failed")
			c.emit(StreamEvent{Kind: EventError, Err: err, Attempt: c.Attempts()})
			if IsTerminal(err) {
				c.log.WithError(err).Error("stream connect failed permanently")
				c.emit(StreamEvent{Kind: EventDisconnected, Err: err, Terminal: true})
				return
			}
			if !c.waitReconnect(ctx) {
				return
			}
			continue
		}

		stopPing, ok := c.open(conn, ep)
		if !ok {
			conn.Close()
			return
		}
		err = c.readLoop(ctx, conn)
		stopPing()
		c.teardown(conn)
		if c.closing(ctx) {
			return
		}

		terr := &TransportError{Venue: c.venue, Op: "read", Err: err}
		c.recordErr(terr)
		c.log.WithError(err).Warn("stream transport closed")
		c.emit(StreamEvent{Kind: EventDisconnected, Err: terr})
		if !c.waitReconnect(ctx) {
			return
		}
	}
}

func (c *StreamClient) finish() {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateClosed
	}
	c.mu.Unlock()
	metrics.SetStreamState(string(c.venue), int(StateClosed))
}

func (c *StreamClient) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// connect resolves the endpoint and dials within ConnectTimeout. A manual
// close aborts an in-flight attempt.
func (c *StreamClient) connect(ctx context.Context) (Conn, Endpoint, error) {
	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-cctx.Done():
		}
	}()

	ep, err := c.proto.Endpoint(cctx)
	if err != nil {
		return nil, Endpoint{}, err
	}
	c.tracker.RegisterConnectionAttempt()
	conn, err := c.opts.Dialer.Dial(cctx, ep.URL)
	if err != nil {
		return nil, Endpoint{}, &TransportError{Venue: c.venue, Op: "dial", Err: err}
	}
	return conn, ep, nil
}

// open installs conn as the live session, resets the reconnect policy and
// replays the subscription set.
func (c *StreamClient) open(conn Conn, ep Endpoint) (func(), bool) {
	c.mu.Lock()
	if c.manual.Load() {
		c.mu.Unlock()
		return nil, false
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.backoff.Reset()
	subs := c.symbolsLocked()
	c.mu.Unlock()
	metrics.SetStreamState(string(c.venue), int(StateOpen))

	if len(subs) > 0 {
		msgs, err := c.proto.SubscribeMessages(subs)
		if err == nil {
			err = c.send(conn, msgs)
		}
		if err != nil {
			c.log.WithError(err).Warn("failed to resubscribe")
		}
	}
	c.log.WithFields(logger.Fields{"symbols": len(subs)}).Info("stream connected")
	c.emit(StreamEvent{Kind: EventConnected})
	return c.startPingLoop(conn, ep.PingInterval), true
}

func (c *StreamClient) teardown(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// waitReconnect schedules the next attempt. It returns false when the
// stream must stop: manual close, cancelled ctx, or exhausted attempts.
func (c *StreamClient) waitReconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.manual.Load() {
		c.mu.Unlock()
		return false
	}
	if c.attempts >= c.opts.MaxAttempts {
		attempts := c.attempts
		c.state = StateClosed
		c.mu.Unlock()
		c.log.WithFields(logger.Fields{"attempts": attempts}).Error("max reconnect attempts reached")
		c.emit(StreamEvent{Kind: EventMaxReconnectAttempts, Attempt: attempts, Err: c.LastError()})
		return false
	}
	c.attempts++
	attempt := c.attempts
	delay := c.backoff.NextBackOff()
	c.state = StateReconnecting
	c.mu.Unlock()

	metrics.SetStreamState(string(c.venue), int(StateReconnecting))
	metrics.IncReconnect(string(c.venue))
	c.log.WithFields(logger.Fields{"attempt": attempt, "delay_ms": delay.Milliseconds()}).Info("scheduling reconnect")

	select {
	case <-c.opts.After(delay):
	case <-c.closeCh:
		return false
	case <-ctx.Done():
		return false
	}
	return !c.manual.Load()
}

func (c *StreamClient) readLoop(ctx context.Context, conn Conn) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		samples, err := c.proto.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed stream message")
			metrics.EmitDropMetric(nil, metrics.DropMalformed, string(c.venue), "")
			continue
		}
		for _, s := range samples {
			metrics.IncTicker(string(c.venue))
			c.emit(StreamEvent{Kind: EventTicker, Ticker: s})
		}
	}
}

func (c *StreamClient) send(conn Conn, msgs [][]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, m := range msgs {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
			return &TransportError{Venue: c.venue, Op: "write", Err: err}
		}
	}
	c.tracker.RegisterOutgoing(len(msgs))
	return nil
}

// startPingLoop heartbeats until the returned func is called. Failed
// heartbeats are logged only; the read loop decides when the session ends.
func (c *StreamClient) startPingLoop(conn Conn, interval time.Duration) func() {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.heartbeat(conn); err != nil {
					c.log.WithError(err).Warn("failed to send heartbeat")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (c *StreamClient) heartbeat(conn Conn) error {
	payload := c.proto.Ping()
	if payload == nil {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
	}
	return c.send(conn, [][]byte{payload})
}
