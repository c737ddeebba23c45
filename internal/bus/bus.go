// Package bus connects the engine to message brokers. Detections consumed
// from NATS or Kafka go through the same decide-and-dispatch path as the HTTP
// API, and decisions are published back out as events.
//
// Trace context travels in message headers (W3C traceparent), so a span
// started by the upstream classifier continues through the decision.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/metrics"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/traces"
	"github.com/mbd888/mitigator/internal/validation"
)

// ErrMalformed marks a message that can never be processed. It is counted
// and skipped, never redelivered.
var ErrMalformed = errors.New("bus: malformed detection message")

// Detection is the wire form of a detection message.
type Detection struct {
	Source    string  `json:"source"`
	Label     *int    `json:"label"`
	SessionID string  `json:"sessionId,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Requests  int     `json:"requests,omitempty"`
}

// Decider evaluates one detection. *mitigation.Engine satisfies it.
type Decider interface {
	Evaluate(mitigation.Detection) mitigation.Outcome
}

// Processor turns raw detection messages into decisions.
type Processor struct {
	decider Decider
	sink    mitigation.Sink
	logger  *slog.Logger
}

// NewProcessor creates a processor. sink may be nil.
func NewProcessor(decider Decider, sink mitigation.Sink, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{decider: decider, sink: sink, logger: logger}
}

// Handle decodes, validates and decides one message received over transport.
func (p *Processor) Handle(ctx context.Context, transport string, data []byte) (mitigation.Outcome, error) {
	d, err := Decode(data)
	if err != nil {
		metrics.IngestMessagesTotal.WithLabelValues(transport, "malformed").Inc()
		p.logger.Warn("dropping malformed detection", "transport", transport, "error", err)
		return mitigation.Outcome{}, err
	}

	_, span := traces.StartSpan(ctx, "mitigation.Decide",
		traces.Source(d.Source),
		traces.Label(d.Label),
		traces.Transport(transport),
	)
	out := p.decider.Evaluate(d)
	traces.RecordDecision(span, string(out.Action), out.Reason, out.Category.String(), out.ViolationCount)
	span.End()

	if p.sink != nil {
		p.sink.Send(out)
	}
	metrics.IngestMessagesTotal.WithLabelValues(transport, "ok").Inc()
	p.logger.Debug("detection decided",
		"transport", transport,
		"source", out.Source,
		"label", out.Label,
		"action", out.Action,
	)
	return out, nil
}

// Decode parses and validates a detection message.
func Decode(data []byte) (mitigation.Detection, error) {
	var msg Detection
	if err := json.Unmarshal(data, &msg); err != nil {
		return mitigation.Detection{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	source := validation.NormalizeSource(msg.Source)
	if errs := validation.CheckDetection(source, msg.Label != nil, msg.SessionID, msg.Score, msg.Requests); len(errs) > 0 {
		return mitigation.Detection{}, fmt.Errorf("%w: %v", ErrMalformed, errs)
	}
	return mitigation.Detection{
		Source:    source,
		Label:     *msg.Label,
		SessionID: msg.SessionID,
		Score:     msg.Score,
		Requests:  msg.Requests,
	}, nil
}

// Encode renders a decision event for publishing.
func Encode(ev *events.Event) ([]byte, error) {
	return json.Marshal(ev)
}
