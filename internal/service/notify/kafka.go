package notify

import "context"

// Producer is the part of pkg/kafka.Producer the sink needs.
type Producer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
}

// KafkaSink writes alerts to a topic keyed by ingest id so repeats of the
// same event land on one partition.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, a Alert) error {
	return s.producer.Publish(ctx, s.topic, []byte(a.IngestID), a)
}
