package metrics

import (
	"sync"
	"time"

	"cryptotrack/logger"
)

// Event is one structured metric sample, for example a rate limit hit or a
// dropped message.
type Event struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     float64
	Kind      string
	Fields    logger.Fields
}

type hub struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]func(Event)
}

var events = &hub{subs: make(map[uint64]func(Event))}

// Subscribe delivers every recorded event to fn until cancel is called.
func Subscribe(fn func(Event)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	events.mu.Lock()
	events.seq++
	id := events.seq
	events.subs[id] = fn
	events.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			events.mu.Lock()
			delete(events.subs, id)
			events.mu.Unlock()
		})
	}
}

// Record logs the event (which also forwards it to CloudWatch when enabled)
// and hands a copy to each subscriber. Nameless events are ignored; kind
// defaults to counter.
func Record(log *logger.Log, component, name string, value float64, kind string, fields logger.Fields) {
	if name == "" {
		return
	}
	if kind == "" {
		kind = "counter"
	}
	ev := Event{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Kind:      kind,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		ev.Fields[k] = v
	}
	logger.OrDefault(log).WithComponent(component).LogMetric(name, value, kind, ev.Fields)

	events.mu.RLock()
	subs := make([]func(Event), 0, len(events.subs))
	for _, fn := range events.subs {
		subs = append(subs, fn)
	}
	events.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
