package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/traces"
)

const transportNATS = "nats"

// ConnectNATS dials a NATS server and keeps reconnecting for the life of the
// process.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("mitigator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// NATSIngestor consumes detections from a subject. Instances sharing a
// queue group split the stream between them.
type NATSIngestor struct {
	nc      *nats.Conn
	subject string
	queue   string
	proc    *Processor
	logger  *slog.Logger
	sub     *nats.Subscription
}

// NewNATSIngestor creates an ingestor for subject.
func NewNATSIngestor(nc *nats.Conn, subject, queue string, proc *Processor, logger *slog.Logger) *NATSIngestor {
	return &NATSIngestor{nc: nc, subject: subject, queue: queue, proc: proc, logger: logger}
}

// Start subscribes and returns; messages are handled on the NATS client's
// goroutine.
func (n *NATSIngestor) Start() error {
	sub, err := n.nc.QueueSubscribe(n.subject, n.queue, n.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	n.sub = sub
	n.logger.Info("nats ingest started", "subject", n.subject, "queue", n.queue)
	return nil
}

func (n *NATSIngestor) handle(m *nats.Msg) {
	ctx := extractNATS(context.Background(), m.Header)
	ctx, span := traces.StartConsumerSpan(ctx, "nats.consume",
		traces.Transport(transportNATS),
		traces.Destination(m.Subject),
	)
	defer span.End()

	if _, err := n.proc.Handle(ctx, transportNATS, m.Data); err != nil {
		traces.Fail(span, err)
	}
}

// Stop drains the subscription so in-flight messages finish.
func (n *NATSIngestor) Stop() error {
	if n.sub == nil {
		return nil
	}
	return n.sub.Drain()
}

// NATSPublisher publishes decision events to a subject. It is an
// events.Sink.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher creates a publisher for subject.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject}
}

// Name implements events.Sink.
func (p *NATSPublisher) Name() string { return transportNATS }

// Write implements events.Sink.
func (p *NATSPublisher) Write(ctx context.Context, batch []*events.Event) error {
	for _, ev := range batch {
		data, err := Encode(ev)
		if err != nil {
			return err
		}
		msg := &nats.Msg{Subject: p.subject, Data: data, Header: injectNATS(ctx)}
		msg.Header.Set("Mitigator-Event-Id", ev.ID)
		if err := p.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish decision: %w", err)
		}
	}
	return p.nc.FlushWithContext(ctx)
}

func injectNATS(ctx context.Context) nats.Header {
	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, natsCarrier(hdr))
	return hdr
}

func extractNATS(ctx context.Context, hdr nats.Header) context.Context {
	if hdr == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, natsCarrier(hdr))
}

// natsCarrier adapts nats.Header to the propagation TextMapCarrier
// interface. Keys are stored exactly as the propagator names them
// ("traceparent"); lookups fall back to a case-insensitive match for
// producers that canonicalize header names.
type natsCarrier nats.Header

func (c natsCarrier) Get(key string) string {
	if v := c[key]; len(v) > 0 {
		return v[0]
	}
	for k, v := range c {
		if len(v) > 0 && strings.EqualFold(k, key) {
			return v[0]
		}
	}
	return ""
}

func (c natsCarrier) Set(key, value string) {
	for k := range c {
		if k != key && strings.EqualFold(k, key) {
			delete(c, k)
		}
	}
	c[key] = []string{value}
}

func (c natsCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
