package rate

import (
	"sync"
	"time"
)

// WSTracker counts outgoing stream messages within a rolling window and
// connection attempts over the tracker's lifetime.
type WSTracker struct {
	mu       sync.Mutex
	window   time.Duration
	start    time.Time
	msgs     int
	attempts int
	now      func() time.Time
}

// NewWSTracker creates a tracker whose message window is window long.
func NewWSTracker(window time.Duration) *WSTracker {
	return &WSTracker{window: window, start: time.Now(), now: time.Now}
}

// RegisterOutgoing records n outgoing client messages (subs/pings).
func (t *WSTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	t.msgs += n
}

func (t *WSTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns messages sent in the current window and total attempts.
func (t *WSTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	return t.msgs, t.attempts
}

func (t *WSTracker) roll() {
	if now := t.now(); now.Sub(t.start) >= t.window {
		t.msgs = 0
		t.start = now
	}
}
