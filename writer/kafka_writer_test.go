package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"cryptotrack/config"
	"cryptotrack/logger"
	"cryptotrack/models"
)

type captureWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureWriter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func newWriter(t *testing.T, buffer int) (*KafkaWriter, *captureWriter) {
	t.Helper()
	kw, err := NewKafkaWriter(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "market", Buffer: buffer}, logger.New())
	if err != nil {
		t.Fatalf("NewKafkaWriter: %v", err)
	}
	capture := &captureWriter{}
	kw.writer = capture
	return kw, capture
}

func TestNewKafkaWriterValidates(t *testing.T) {
	if _, err := NewKafkaWriter(config.KafkaConfig{Topic: "market"}, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaWriter(config.KafkaConfig{Brokers: []string{"b:9092"}}, nil); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	kw, _ := newWriter(t, 1)
	rec := models.AggregatedMarketData{Symbol: "BTC/USDT", BestVenue: models.VenueBinance}
	kw.Publish(rec)
	kw.Publish(rec)
	kw.Publish(rec)
	if got := kw.Dropped(); got != 2 {
		t.Fatalf("dropped=%d", got)
	}
}

func TestMessagesKeyedBySymbol(t *testing.T) {
	kw, capture := newWriter(t, 4)
	if err := kw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := kw.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	kw.Publish(models.AggregatedMarketData{
		Symbol: "ETH/USDT", BaseAsset: "ETH", QuoteAsset: "USDT",
		BestPrice: decimal.RequireFromString("3000.5"), BestVenue: models.VenueBybit, UpdatedAt: time.Unix(1700000000, 0),
	})

	deadline := time.Now().Add(time.Second)
	for capture.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("message not written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	kw.Stop()

	if !capture.closed {
		t.Fatal("writer not closed on Stop")
	}
	msg := capture.msgs[0]
	if string(msg.Key) != "ETH/USDT" {
		t.Fatalf("key=%q", msg.Key)
	}
	var got models.AggregatedMarketData
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BestVenue != models.VenueBybit || !got.BestPrice.Equal(decimal.RequireFromString("3000.5")) {
		t.Fatalf("payload=%+v", got)
	}
}
