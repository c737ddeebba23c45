package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/traces"
)

const transportKafka = "kafka"

// KafkaIngestor consumes detections from a topic as part of a consumer
// group. Offsets are committed after each message is decided.
type KafkaIngestor struct {
	reader *kafka.Reader
	topic  string
	proc   *Processor
	logger *slog.Logger
}

// NewKafkaIngestor creates an ingestor reading topic with groupID.
func NewKafkaIngestor(brokers []string, topic, groupID string, proc *Processor, logger *slog.Logger) *KafkaIngestor {
	return &KafkaIngestor{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}),
		topic:  topic,
		proc:   proc,
		logger: logger,
	}
}

// Run reads until ctx is cancelled. Call in a goroutine.
func (k *KafkaIngestor) Run(ctx context.Context) error {
	k.logger.Info("kafka ingest started", "topic", k.topic)
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka read failed: %w", err)
		}
		k.handle(ctx, m)
	}
}

func (k *KafkaIngestor) handle(ctx context.Context, m kafka.Message) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &m.Headers})
	ctx, span := traces.StartConsumerSpan(ctx, "kafka.consume",
		traces.Transport(transportKafka),
		traces.Destination(m.Topic),
	)
	defer span.End()

	if _, err := k.proc.Handle(ctx, transportKafka, m.Value); err != nil {
		traces.Fail(span, err)
	}
}

// Close releases the reader.
func (k *KafkaIngestor) Close() error {
	return k.reader.Close()
}

// KafkaPublisher writes decision events to a topic, keyed by source so one
// source's decisions land on one partition in order. It is an events.Sink.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Name implements events.Sink.
func (p *KafkaPublisher) Name() string { return transportKafka }

// Write implements events.Sink.
func (p *KafkaPublisher) Write(ctx context.Context, batch []*events.Event) error {
	msgs, err := kafkaMessages(ctx, batch)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write decisions: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessages(ctx context.Context, batch []*events.Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		data, err := Encode(ev)
		if err != nil {
			return nil, err
		}
		m := kafka.Message{
			Key:   []byte(ev.Source),
			Value: data,
			Time:  ev.DecidedAt,
		}
		otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &m.Headers})
		m.Headers = append(m.Headers, kafka.Header{Key: "mitigator-event-id", Value: []byte(ev.ID)})
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// headerCarrier adapts Kafka record headers to the propagation
// TextMapCarrier interface.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(*c.headers))
	for i, h := range *c.headers {
		keys[i] = h.Key
	}
	return keys
}
