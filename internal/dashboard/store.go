package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cryptotrack/internal/metrics"
)

// ring keeps the most recent limit items. It is safe for concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

type metricStore struct {
	*ring[metrics.Event]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{ring: newRing[metrics.Event](limit)}
}

func (s *metricStore) handle(m metrics.Event) { s.add(m) }

// logRecord is one captured log entry.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Venue     string                 `json:"venue,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent entries for the ops server.
type logStore struct {
	records *ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{records: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "venue":
			record.Venue, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}
	s.records.add(record)
	return nil
}

// snapshot returns retained records at level or more severe; an empty or
// unknown level returns everything.
func (s *logStore) snapshot(level string) []logRecord {
	all := s.records.snapshot()
	threshold, err := logrus.ParseLevel(level)
	if level == "" || err != nil {
		return all
	}
	out := all[:0]
	for _, r := range all {
		if l, err := logrus.ParseLevel(r.Level); err == nil && l <= threshold {
			out = append(out, r)
		}
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
