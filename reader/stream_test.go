package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptotrack/logger"
	"cryptotrack/models"
)

type fakeConn struct {
	mu        sync.Mutex
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writes    []string
	pings     int
	pingErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return websocket.TextMessage, m, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		f.pings++
		return f.pingErr
	}
	return nil
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeConn) SetReadDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error     { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)    {}
func (f *fakeConn) Close() error                         { f.closeOnce.Do(func() { close(f.closed) }); return nil }
func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	next  func(n int) (Conn, error)
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	return d.next(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeProto frames messages as "sub:A,B" and decodes "SYMBOL PRICE".
type fakeProto struct {
	url         string
	endpointErr error
	interval    time.Duration
	ping        []byte
}

func (p *fakeProto) Venue() models.VenueID { return models.VenueBinance }

func (p *fakeProto) Endpoint(context.Context) (Endpoint, error) {
	if p.endpointErr != nil {
		return Endpoint{}, p.endpointErr
	}
	interval := p.interval
	if interval == 0 {
		interval = time.Hour
	}
	return Endpoint{URL: p.url, PingInterval: interval}, nil
}

func (p *fakeProto) SubscribeMessages(syms []string) ([][]byte, error) {
	return [][]byte{[]byte("sub:" + strings.Join(syms, ","))}, nil
}

func (p *fakeProto) UnsubscribeMessages(syms []string) ([][]byte, error) {
	return [][]byte{[]byte("unsub:" + strings.Join(syms, ","))}, nil
}

func (p *fakeProto) Ping() []byte { return p.ping }

func (p *fakeProto) Decode(data []byte) ([]models.TickerSample, error) {
	s := string(data)
	if s == "ack" {
		return nil, nil
	}
	sym, price, ok := strings.Cut(s, " ")
	if !ok {
		return nil, Invalid(models.VenueBinance, data, "unexpected frame")
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, Invalid(models.VenueBinance, data, "bad price")
	}
	return []models.TickerSample{{VenueID: models.VenueBinance, Symbol: sym, Price: d}}, nil
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func waitEvent(t *testing.T, events <-chan StreamEvent, kind EventKind) StreamEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestReconnectBackoffSequence(t *testing.T) {
	dialer := &fakeDialer{next: func(int) (Conn, error) { return nil, errors.New("connection refused") }}
	var mu sync.Mutex
	var delays []time.Duration
	c := NewStreamClient(&fakeProto{url: "ws://fake"}, StreamOptions{
		Dialer: dialer,
		After: func(d time.Duration) <-chan time.Time {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return immediate(d)
		},
		Log: logger.New(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var last StreamEvent
	errorsSeen := 0
	for ev := range c.Events() {
		if ev.Kind == EventError {
			errorsSeen++
		}
		last = ev
	}

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	mu.Lock()
	defer mu.Unlock()
	if len(delays) != len(want) {
		t.Fatalf("scheduled %d reconnects, want %d: %v", len(delays), len(want), delays)
	}
	for i, d := range want {
		if delays[i] != d*time.Second {
			t.Errorf("attempt %d delay=%s want %s", i+1, delays[i], d*time.Second)
		}
	}
	if got := dialer.count(); got != 11 {
		t.Errorf("dials=%d want 11", got)
	}
	if errorsSeen != 11 {
		t.Errorf("error events=%d want 11", errorsSeen)
	}
	if last.Kind != EventMaxReconnectAttempts {
		t.Fatalf("last event=%s want max reconnect attempts", last.Kind)
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%s want closed", c.State())
	}
}

func TestManualCloseCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{next: func(int) (Conn, error) { return nil, errors.New("connection refused") }}
	scheduled := make(chan struct{}, 1)
	fire := make(chan time.Time, 1)
	c := NewStreamClient(&fakeProto{url: "ws://fake"}, StreamOptions{
		Dialer: dialer,
		After: func(time.Duration) <-chan time.Time {
			scheduled <- struct{}{}
			return fire
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-scheduled:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never scheduled")
	}
	if c.State() != StateReconnecting {
		t.Fatalf("state=%s want reconnecting", c.State())
	}

	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("state after close=%s", c.State())
	}
	fire <- time.Now()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit")
	}
	if got := dialer.count(); got != 1 {
		t.Fatalf("dials=%d want 1; timer reconnected after close", got)
	}
}

func TestSubscriptionsAndTickers(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
	c := NewStreamClient(&fakeProto{url: "ws://fake"}, StreamOptions{Dialer: dialer, After: immediate})
	defer c.Close()

	if err := c.Subscribe("BTC/USDT"); err != nil {
		t.Fatalf("subscribe before start: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, c.Events(), EventConnected)

	if err := c.Subscribe("ETH/USDT", "BTC/USDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Unsubscribe("ETH/USDT"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	want := []string{"sub:BTC/USDT", "sub:ETH/USDT", "unsub:ETH/USDT"}
	got := conn.written()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("writes=%v want %v", got, want)
	}
	if syms := c.Symbols(); len(syms) != 1 || syms[0] != "BTC/USDT" {
		t.Fatalf("symbols=%v", syms)
	}

	conn.in <- []byte("garbage")
	conn.in <- []byte("ack")
	conn.in <- []byte("BTC/USDT 101.5")
	ev := waitEvent(t, c.Events(), EventTicker)
	if ev.Ticker.Symbol != "BTC/USDT" || !ev.Ticker.Price.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("unexpected ticker: %+v", ev.Ticker)
	}
	if c.State() != StateOpen {
		t.Fatalf("malformed frame changed state to %s", c.State())
	}
}

func TestHeartbeat(t *testing.T) {
	textPing := []byte(`{"op":"ping"}`)
	cases := []struct {
		name    string
		ping    []byte
		pingErr error
	}{
		{"control frame", nil, nil},
		{"text payload", textPing, nil},
		{"failed write keeps session open", nil, errors.New("write: broken pipe")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeConn()
			conn.pingErr = tc.pingErr
			dialer := &fakeDialer{next: func(int) (Conn, error) { return conn, nil }}
			proto := &fakeProto{url: "ws://fake", interval: 10 * time.Millisecond, ping: tc.ping}
			c := NewStreamClient(proto, StreamOptions{Dialer: dialer, After: immediate, Log: logger.New()})
			defer c.Close()
			if err := c.Start(context.Background()); err != nil {
				t.Fatalf("start: %v", err)
			}
			waitEvent(t, c.Events(), EventConnected)

			sent := func() int {
				if tc.ping == nil {
					return conn.pingCount()
				}
				n := 0
				for _, w := range conn.written() {
					if w == string(tc.ping) {
						n++
					}
				}
				return n
			}
			deadline := time.Now().Add(2 * time.Second)
			for sent() < 3 {
				if time.Now().After(deadline) {
					t.Fatalf("heartbeats sent=%d", sent())
				}
				time.Sleep(5 * time.Millisecond)
			}
			if tc.ping != nil && conn.pingCount() != 0 {
				t.Fatalf("control pings sent alongside text heartbeat: %d", conn.pingCount())
			}

			if c.State() != StateOpen {
				t.Fatalf("state=%s want open", c.State())
			}
		drain:
			for {
				select {
				case ev := <-c.Events():
					if ev.Kind == EventDisconnected {
						t.Fatalf("heartbeat caused disconnect: %+v", ev)
					}
				default:
					break drain
				}
			}
			if got := dialer.count(); got != 1 {
				t.Fatalf("dials=%d want 1", got)
			}
		})
	}
}

func TestTransportLossResubscribes(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{next: func(n int) (Conn, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	c := NewStreamClient(&fakeProto{url: "ws://fake"}, StreamOptions{Dialer: dialer, After: immediate})
	defer c.Close()
	_ = c.Subscribe("BTC/USDT")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, c.Events(), EventConnected)

	first.Close()
	ev := waitEvent(t, c.Events(), EventDisconnected)
	if ev.Terminal || !IsTransport(ev.Err) {
		t.Fatalf("unexpected disconnect event: %+v", ev)
	}
	waitEvent(t, c.Events(), EventConnected)
	if got := second.written(); len(got) != 1 || got[0] != "sub:BTC/USDT" {
		t.Fatalf("second session writes=%v", got)
	}
	if c.Attempts() != 0 {
		t.Fatalf("attempts not reset after open: %d", c.Attempts())
	}
}

func TestTerminalConnectError(t *testing.T) {
	dialer := &fakeDialer{next: func(int) (Conn, error) { return newFakeConn(), nil }}
	proto := &fakeProto{endpointErr: &AuthError{Venue: models.VenueKucoin, Status: 401, Message: "invalid key"}}
	c := NewStreamClient(proto, StreamOptions{Dialer: dialer, After: immediate})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	var kinds []EventKind
	var last StreamEvent
	for ev := range c.Events() {
		kinds = append(kinds, ev.Kind)
		last = ev
	}
	if len(kinds) != 2 || kinds[0] != EventError || kinds[1] != EventDisconnected || !last.Terminal {
		t.Fatalf("events=%v last=%+v", kinds, last)
	}
	if dialer.count() != 0 {
		t.Fatalf("dialed despite auth failure")
	}
}

func TestStreamRejectsInvalidUse(t *testing.T) {
	c := NewStreamClient(&fakeProto{url: "ws://fake"}, StreamOptions{Dialer: &fakeDialer{}})
	if err := c.Subscribe("BTCUSDT"); !IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	c.Close()
	if _, ok := <-c.Events(); ok {
		t.Fatalf("events not closed after close without start")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("start after close: %v", err)
	}
	if err := c.Subscribe("BTC/USDT"); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("BTC/USDT 64000"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewStreamClient(&fakeProto{url: url}, StreamOptions{After: immediate})
	defer c.Close()
	_ = c.Subscribe("BTC/USDT")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := waitEvent(t, c.Events(), EventTicker)
	if !ev.Ticker.Price.Equal(decimal.NewFromInt(64000)) {
		t.Fatalf("price=%s", ev.Ticker.Price)
	}
	if got := <-received; got != "sub:BTC/USDT" {
		t.Fatalf("server received %q", got)
	}
}
