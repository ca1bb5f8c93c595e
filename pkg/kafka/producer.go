package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TrapFlow/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer wraps a kafka-go writer.
type Producer struct {
	writer  messageWriter
	comp    string
	logger  *logger.Logger
	metrics *producerMetrics
}

// NewProducer creates a synchronous producer: Publish returns once the
// brokers have acked per RequiredAcks.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := defaultProducerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	bal := kafka.Balancer(&kafka.LeastBytes{})
	if cfg.HashByKey {
		bal = &kafka.Hash{}
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               bal,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            parseCompression(cfg.Compression),
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.ReadTimeout,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: false,
	}
	cfg.Logger.Info("kafka producer ready",
		logger.Strings("brokers", cfg.Brokers),
		logger.String("compression", cfg.Compression),
	)
	return newProducer(cfg, writer), nil
}

func newProducer(cfg *ProducerConfig, w messageWriter) *Producer {
	return &Producer{
		writer:  w,
		comp:    cfg.Compression,
		logger:  cfg.Logger,
		metrics: newProducerMetrics(cfg.Registerer),
	}
}

// Publish sends one message. value may be []byte, string or anything
// json.Marshal accepts.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}) error {
	start := time.Now()
	v, err := encode(value)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: v,
		Time:  start,
	})
	p.metrics.observe(topic, p.comp, len(v), time.Since(start), err)
	if err != nil {
		p.logger.Warn("kafka publish failed",
			logger.String("topic", topic),
			logger.String("key", string(key)),
			logger.Error(err),
		)
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func encode(value interface{}) ([]byte, error) {
	switch val := value.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	default:
		v, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return v, nil
	}
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none":
		return 0
	default:
		return kafka.Snappy
	}
}

type producerMetrics struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newProducerMetrics(reg prometheus.Registerer) *producerMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &producerMetrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trapflow_kafka_producer_messages_total",
			Help: "Messages published to Kafka by topic and result.",
		}, []string{"topic", "compression", "result"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trapflow_kafka_producer_bytes_total",
			Help: "Payload bytes published to Kafka.",
		}, []string{"topic"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trapflow_kafka_producer_publish_seconds",
			Help:    "Kafka publish latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

func (m *producerMetrics) observe(topic, comp string, size int, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messages.WithLabelValues(topic, comp, result).Inc()
	if err == nil {
		m.bytes.WithLabelValues(topic).Add(float64(size))
	}
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}
