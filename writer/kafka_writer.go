// Package writer publishes aggregated market data downstream.
package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"cryptotrack/config"
	"cryptotrack/internal/metrics"
	"cryptotrack/logger"
	"cryptotrack/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes every aggregated market data update keyed by symbol.
// Publish never blocks the aggregation path; updates are dropped when the
// buffer is full.
type KafkaWriter struct {
	cfg     config.KafkaConfig
	queue   chan models.AggregatedMarketData
	writer  messageWriter
	log     *logger.Log
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	dropped atomic.Int64
	written atomic.Int64
}

func NewKafkaWriter(cfg config.KafkaConfig, log *logger.Log) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	kw := &KafkaWriter{
		cfg:   cfg,
		queue: make(chan models.AggregatedMarketData, cfg.Buffer),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: cfg.Timeout,
		},
		log: logger.OrDefault(log),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

// Publish queues rec for delivery.
func (kw *KafkaWriter) Publish(rec models.AggregatedMarketData) {
	select {
	case kw.queue <- rec:
	default:
		kw.dropped.Add(1)
		metrics.EmitDropMetric(kw.log, metrics.DropPublishFull, string(rec.BestVenue), rec.Symbol)
	}
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.running {
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	ctx, kw.cancel = context.WithCancel(ctx)

	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")
	kw.wg.Add(1)
	go kw.run(ctx)
	return nil
}

func (kw *KafkaWriter) run(ctx context.Context) {
	defer kw.wg.Done()
	log := kw.log.WithComponent("kafka_writer")

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-kw.queue:
			data, err := json.Marshal(rec)
			if err != nil {
				log.WithError(err).Warn("failed to marshal market data")
				continue
			}
			msg := kafka.Message{
				Key:   []byte(rec.Symbol),
				Value: data,
				Time:  rec.UpdatedAt,
			}
			if err := kw.writer.WriteMessages(ctx, msg); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": rec.Symbol}).Warn("failed to write message")
				continue
			}
			kw.written.Add(1)
		}
	}
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if kw.cancel != nil {
		kw.cancel()
	}
	kw.running = false
	kw.mu.Unlock()

	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("kafka writer close failed")
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"written": kw.written.Load(),
		"dropped": kw.dropped.Load(),
	}).Info("kafka writer stopped")
}

// Dropped reports how many updates were discarded on a full buffer.
func (kw *KafkaWriter) Dropped() int64 { return kw.dropped.Load() }
