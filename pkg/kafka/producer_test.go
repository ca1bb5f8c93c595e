package kafka

import (
	"context"
	"errors"
	"testing"

	"TrapFlow/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testProducer(w *fakeWriter) (*Producer, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	cfg := defaultProducerConfig()
	cfg.Registerer = reg
	cfg.Logger = logger.NewNop()
	return newProducer(cfg, w), reg
}

func TestPublishEncodesValue(t *testing.T) {
	w := &fakeWriter{}
	p, _ := testProducer(w)

	require.NoError(t, p.Publish(context.Background(), "trap_alerts", []byte("abc"), map[string]string{"ingest_id": "abc"}))
	require.NoError(t, p.Publish(context.Background(), "trap_alerts", nil, "raw"))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "trap_alerts", w.msgs[0].Topic)
	assert.Equal(t, []byte("abc"), w.msgs[0].Key)
	assert.JSONEq(t, `{"ingest_id":"abc"}`, string(w.msgs[0].Value))
	assert.Equal(t, "raw", string(w.msgs[1].Value))
}

func TestPublishCountsFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p, _ := testProducer(w)

	err := p.Publish(context.Background(), "trap_alerts", nil, []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trap_alerts")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.messages.WithLabelValues("trap_alerts", "snappy", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.metrics.messages.WithLabelValues("trap_alerts", "snappy", "ok")))
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	assert.Equal(t, kafka.Gzip, parseCompression("gzip"))
	assert.Equal(t, kafka.Zstd, parseCompression("zstd"))
	assert.Equal(t, kafka.Snappy, parseCompression(""))
}
